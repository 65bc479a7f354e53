package chat

import (
	"sync"

	"github.com/longregen/parley/internal/domain"
)

// failureRing keeps the most recent delivery, persistence, and AI
// failures for one conversation. Fixed capacity; the oldest entry is
// overwritten.
type failureRing struct {
	mu      sync.Mutex
	entries []domain.DeliveryFailure
	next    int
	full    bool
}

func newFailureRing(capacity int) *failureRing {
	return &failureRing{entries: make([]domain.DeliveryFailure, capacity)}
}

func (r *failureRing) add(f domain.DeliveryFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = f
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns the retained failures, oldest first.
func (r *failureRing) recent() []domain.DeliveryFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]domain.DeliveryFailure, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]domain.DeliveryFailure, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
