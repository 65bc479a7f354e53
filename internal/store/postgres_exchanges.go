package store

import (
	"context"
	"fmt"

	"github.com/longregen/parley/internal/domain"
	pgvector "github.com/pgvector/pgvector-go"
)

// StoreExchange records one AI question/answer pair. The embedding is
// optional; rows without one are still useful for history.
func (s *Postgres) StoreExchange(ctx context.Context, ex *domain.Exchange) error {
	query := `
		INSERT INTO exchanges (id, conversation_id, participant_id, query, summary, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var embedding *pgvector.Vector
	if len(ex.Embedding) > 0 {
		v := pgvector.NewVector(ex.Embedding)
		embedding = &v
	}

	_, err := s.conn(ctx).Exec(ctx, query,
		ex.ID, ex.ConversationID, ex.ParticipantID,
		ex.Query, ex.Summary, embedding, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("store exchange: %w", err)
	}
	return nil
}
