package ai

import (
	"context"
	"log/slog"
	"time"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/id"
	"github.com/longregen/parley/internal/store"
)

// Embedder produces a vector embedding for a text. Implementations may
// return (nil, nil) when embeddings are not configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Recorder writes finished AI exchanges (query, result summary,
// optional embedding) to an ExchangeStore. Purely best-effort: every
// failure is logged and dropped so the reply path never notices.
type Recorder struct {
	store    store.ExchangeStore
	embedder Embedder
	timeout  time.Duration
}

// NewRecorder builds a recorder. embedder may be nil; exchanges are
// then stored without vectors.
func NewRecorder(st store.ExchangeStore, embedder Embedder) *Recorder {
	return &Recorder{store: st, embedder: embedder, timeout: 10 * time.Second}
}

// Record stores one exchange. It runs on its own deadline so it can be
// called from a detached goroutine after the job context is gone.
func (r *Recorder) Record(query *domain.Message, participantID string, rv *ReturnValue, fallback string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	summary := fallback
	if s := rv.Render(); s != "" {
		summary = s
	}

	ex := &domain.Exchange{
		ID:             id.NewExchange(),
		ConversationID: query.ConversationID,
		ParticipantID:  participantID,
		Query:          query.Content,
		Summary:        summary,
		CreatedAt:      domain.Now(),
	}
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, summary)
		if err != nil {
			slog.Warn("ai: embed exchange",
				"conversation_id", query.ConversationID,
				"error", err)
		} else {
			ex.Embedding = vec
		}
	}

	if err := r.store.StoreExchange(ctx, ex); err != nil {
		slog.Warn("ai: store exchange",
			"conversation_id", query.ConversationID,
			"error", err)
		return
	}
	slog.Debug("ai: stored exchange",
		"conversation_id", query.ConversationID,
		"exchange_id", ex.ID)
}
