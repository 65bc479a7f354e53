package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/parley/internal/domain"
)

// CreateConversation inserts a new conversation record.
func (s *Postgres) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
		INSERT INTO conversations (id, title, status, mode, participants, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	metadata, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tag, err := s.conn(ctx).Exec(ctx, query,
		conv.ID, conv.Title, conv.Status, conv.Mode,
		participants, metadata, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Postgres) GetConversation(ctx context.Context, cid string) (*domain.Conversation, error) {
	query := `
		SELECT id, title, status, mode, participants, metadata, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	conv, err := scanConversation(s.conn(ctx).QueryRow(ctx, query, cid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversation replaces the conversation's mutable fields.
// Participants are replaced too; callers serialize membership changes
// through the conversation manager.
func (s *Postgres) UpdateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
		UPDATE conversations
		SET title = $2, status = $3, mode = $4, participants = $5, metadata = $6, updated_at = $7
		WHERE id = $1`

	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	metadata, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	conv.UpdatedAt = domain.Now()
	tag, err := s.conn(ctx).Exec(ctx, query,
		conv.ID, conv.Title, conv.Status, conv.Mode,
		participants, metadata, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateParticipants atomically replaces the participant set.
func (s *Postgres) UpdateParticipants(ctx context.Context, cid string, participants []domain.Participant) error {
	query := `
		UPDATE conversations
		SET participants = $2, updated_at = $3
		WHERE id = $1`

	encoded, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}

	tag, err := s.conn(ctx).Exec(ctx, query, cid, encoded, domain.Now())
	if err != nil {
		return fmt.Errorf("update participants: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IsParticipant reports persisted membership.
func (s *Postgres) IsParticipant(ctx context.Context, cid, pid string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversations
			WHERE id = $1 AND participants @> $2
		)`

	var ok bool
	err := s.conn(ctx).QueryRow(ctx, query, cid, participantFilter(pid)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

// GetParticipantCount returns the persisted membership size.
func (s *Postgres) GetParticipantCount(ctx context.Context, cid string) (int, error) {
	query := `SELECT jsonb_array_length(participants) FROM conversations WHERE id = $1`

	var n int
	err := s.conn(ctx).QueryRow(ctx, query, cid).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

// GetUserConversations returns conversations the user belongs to,
// newest update first, with the total count.
func (s *Postgres) GetUserConversations(ctx context.Context, uid string, limit, offset int) ([]*domain.Conversation, int, error) {
	filter := participantFilter(uid)

	countQuery := `SELECT COUNT(*) FROM conversations WHERE participants @> $1`
	var total int
	if err := s.conn(ctx).QueryRow(ctx, countQuery, filter).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	query := `
		SELECT id, title, status, mode, participants, metadata, created_at, updated_at
		FROM conversations
		WHERE participants @> $1
		ORDER BY updated_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := s.conn(ctx).Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]*domain.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, total, rows.Err()
}

// participantFilter builds the JSONB containment argument matching a
// participant set entry by id.
func participantFilter(pid string) []byte {
	filter, _ := json.Marshal([]map[string]string{{"participant_id": pid}})
	return filter
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	return json.Marshal(metadata)
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	var participants, metadata []byte
	err := row.Scan(
		&conv.ID, &conv.Title, &conv.Status, &conv.Mode,
		&participants, &metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &conv.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return conv, nil
}
