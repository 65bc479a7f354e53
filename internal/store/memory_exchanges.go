package store

import (
	"context"
	"sync"

	"github.com/longregen/parley/internal/domain"
)

// MemoryExchanges is the in-memory exchange store used when the memory
// backend is selected. Entries are kept per conversation in write order.
type MemoryExchanges struct {
	mu    sync.Mutex
	byCID map[string][]*domain.Exchange
}

var _ ExchangeStore = (*MemoryExchanges)(nil)

func NewMemoryExchanges() *MemoryExchanges {
	return &MemoryExchanges{byCID: make(map[string][]*domain.Exchange)}
}

func (s *MemoryExchanges) StoreExchange(ctx context.Context, ex *domain.Exchange) error {
	cp := *ex
	if ex.Embedding != nil {
		cp.Embedding = make([]float32, len(ex.Embedding))
		copy(cp.Embedding, ex.Embedding)
	}
	s.mu.Lock()
	s.byCID[ex.ConversationID] = append(s.byCID[ex.ConversationID], &cp)
	s.mu.Unlock()
	return nil
}

// Exchanges returns the recorded exchanges for a conversation in write
// order.
func (s *MemoryExchanges) Exchanges(cid string) []*domain.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Exchange, len(s.byCID[cid]))
	copy(out, s.byCID[cid])
	return out
}
