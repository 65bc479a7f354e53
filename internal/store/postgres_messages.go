package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/parley/internal/domain"
)

// NextSequenceID allocates the next sequence id for a conversation. The
// counter lives on the conversation row, so concurrent allocators
// serialize on the row lock and the returned ids are gap-free.
func (s *Postgres) NextSequenceID(ctx context.Context, cid string) (int64, error) {
	query := `
		UPDATE conversations
		SET last_seq = last_seq + 1
		WHERE id = $1
		RETURNING last_seq`

	var seq int64
	err := s.conn(ctx).QueryRow(ctx, query, cid).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("allocate sequence id: %w", err)
	}
	return seq, nil
}

// StoreMessage persists a sequenced message, idempotent on
// (conversation_id, message_id). The duplicate check, ceiling check,
// and insert run in one transaction so a retried write never double
// counts.
func (s *Postgres) StoreMessage(ctx context.Context, m *domain.Message) (bool, error) {
	duplicate := false
	err := s.WithTx(ctx, func(ctx context.Context) error {
		var exists bool
		err := s.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE conversation_id = $1 AND id = $2)`,
			m.ConversationID, m.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check duplicate message: %w", err)
		}
		if exists {
			duplicate = true
			return nil
		}

		var count int
		err = s.conn(ctx).QueryRow(ctx,
			`SELECT message_count FROM conversations WHERE id = $1 FOR UPDATE`,
			m.ConversationID).Scan(&count)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock conversation: %w", err)
		}
		if s.queueSize > 0 && count >= s.queueSize {
			return domain.ErrQueueFull
		}

		metadata, err := encodeMetadata(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}

		_, err = s.conn(ctx).Exec(ctx, `
			INSERT INTO messages (id, conversation_id, sequence_id, sender_id, sender_name, sender_kind, content, kind, status, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ID, m.ConversationID, m.SequenceID,
			m.Sender.ID, m.Sender.DisplayName, m.Sender.Kind,
			m.Content, m.Kind, m.Status, metadata, m.Timestamp)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		_, err = s.conn(ctx).Exec(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1, updated_at = GREATEST(updated_at, $2)
			WHERE id = $1`,
			m.ConversationID, m.Timestamp)
		if err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return duplicate, nil
}

// GetConversationMessages returns messages ascending by sequence id.
// afterSeq < 0 returns the latest limit messages; afterSeq >= 0 returns
// the first limit messages following that id.
func (s *Postgres) GetConversationMessages(ctx context.Context, cid string, limit int, afterSeq int64) ([]*domain.Message, error) {
	const columns = `id, conversation_id, sequence_id, sender_id, sender_name, sender_kind, content, kind, status, metadata, created_at`

	var (
		query string
		args  []any
	)
	switch {
	case afterSeq >= 0 && limit > 0:
		query = `
			SELECT ` + columns + `
			FROM messages
			WHERE conversation_id = $1 AND sequence_id > $2
			ORDER BY sequence_id
			LIMIT $3`
		args = []any{cid, afterSeq, limit}
	case afterSeq >= 0:
		query = `
			SELECT ` + columns + `
			FROM messages
			WHERE conversation_id = $1 AND sequence_id > $2
			ORDER BY sequence_id`
		args = []any{cid, afterSeq}
	case limit > 0:
		query = `
			SELECT ` + columns + ` FROM (
				SELECT ` + columns + `
				FROM messages
				WHERE conversation_id = $1
				ORDER BY sequence_id DESC
				LIMIT $2
			) tail ORDER BY sequence_id`
		args = []any{cid, limit}
	default:
		query = `
			SELECT ` + columns + `
			FROM messages
			WHERE conversation_id = $1
			ORDER BY sequence_id`
		args = []any{cid}
	}

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*domain.Message, 0)
	for rows.Next() {
		m := &domain.Message{}
		var metadata []byte
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SequenceID,
			&m.Sender.ID, &m.Sender.DisplayName, &m.Sender.Kind,
			&m.Content, &m.Kind, &m.Status, &metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
