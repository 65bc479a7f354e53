// Package store persists conversations, messages, and membership.
//
// Two backends ship: the in-memory reference and postgres. Both guarantee
// idempotent message writes, gap-free per-conversation sequence
// allocation, and ordered retrieval.
package store

import (
	"context"
	"fmt"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/id"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Store is the storage contract. Implementations are safe for concurrent
// use and do their own locking.
type Store interface {
	// StoreMessage persists a sequenced message. It is idempotent on
	// (conversation_id, message_id): a second write of the same id
	// reports duplicate=true and changes nothing. Returns ErrQueueFull
	// when the conversation log is at its ceiling.
	StoreMessage(ctx context.Context, m *domain.Message) (duplicate bool, err error)

	// GetConversationMessages returns messages ascending by sequence id.
	// afterSeq < 0 means "no lower bound": the latest limit messages are
	// returned. afterSeq >= 0 excludes that id and returns the first
	// limit messages following it. limit <= 0 means no limit.
	GetConversationMessages(ctx context.Context, cid string, limit int, afterSeq int64) ([]*domain.Message, error)

	// NextSequenceID allocates the next sequence id for a conversation.
	// Strictly increasing, no duplicates, no gaps, safe under concurrent
	// callers.
	NextSequenceID(ctx context.Context, cid string) (int64, error)

	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, cid string) (*domain.Conversation, error)
	// UpdateConversation replaces the metadata record (last writer wins).
	UpdateConversation(ctx context.Context, conv *domain.Conversation) error
	// UpdateParticipants atomically replaces the participant set.
	UpdateParticipants(ctx context.Context, cid string, participants []domain.Participant) error

	IsParticipant(ctx context.Context, cid, pid string) (bool, error)
	GetParticipantCount(ctx context.Context, cid string) (int, error)

	// GetUserConversations lists conversations the user participates in,
	// ordered by updated_at descending, with the total count.
	GetUserConversations(ctx context.Context, uid string, limit, offset int) ([]*domain.Conversation, int, error)

	Ping(ctx context.Context) error
	Close()
}

// ExchangeStore records AI exchanges (summary + optional embedding).
// Writes are best-effort from the caller's point of view.
type ExchangeStore interface {
	StoreExchange(ctx context.Context, ex *domain.Exchange) error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend        string
	PostgresURL    string
	QueueSizeLimit int
}

// Open constructs the configured backend. Unknown backend names fail so
// a typo cannot silently fall back to the in-memory store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(cfg.QueueSizeLimit), nil
	case BackendPostgres:
		pool, err := ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
		return NewPostgres(pool, cfg.QueueSizeLimit), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Re-exported id constructors so callers do not need a second import.
var (
	NewConversationID = id.NewConversation
	NewMessageID      = id.NewMessage
	NewExchangeID     = id.NewExchange
)
