// Package cache keeps a bounded LRU of recent conversation state so the
// hot paths (fan-out, AI context building, catch-up) can skip storage.
// A miss is never fatal; callers fall back to the store.
package cache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/metrics"
)

// entry is one cached conversation: the participant snapshot plus a
// contiguous suffix of the message log, ascending by sequence id.
type entry struct {
	mu      sync.Mutex
	conv    *domain.Conversation
	msgs    []*domain.Message
	evicted bool
}

// Cache is safe for parallel readers and writers. Conversation
// snapshots are replaced wholesale and never mutated in place.
type Cache struct {
	lru     *lru.Cache[string, *entry]
	maxMsgs int

	hits      atomic.Int64
	misses    atomic.Int64
	totalMsgs atomic.Int64
}

// Stats is a point-in-time reading of the cache counters.
type Stats struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	HitRate             float64 `json:"hit_rate"`
	CachedConversations int     `json:"cached_conversations"`
	TotalCachedMessages int64   `json:"total_cached_messages"`
}

func New(maxConversations, maxMessagesPerConversation int) *Cache {
	c := &Cache{maxMsgs: max(1, maxMessagesPerConversation)}
	// Evicting a conversation drops its participant snapshot and message
	// window together.
	c.lru, _ = lru.NewWithEvict(max(1, maxConversations), func(_ string, e *entry) {
		e.mu.Lock()
		e.evicted = true
		c.totalMsgs.Add(int64(-len(e.msgs)))
		e.msgs = nil
		e.conv = nil
		e.mu.Unlock()
	})
	return c
}

// PutConversation caches (or refreshes) the conversation snapshot,
// keeping any message window already present.
func (c *Cache) PutConversation(conv *domain.Conversation) {
	if e, ok := c.lru.Get(conv.ID); ok {
		e.mu.Lock()
		if !e.evicted {
			e.conv = conv
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
	c.lru.Add(conv.ID, &entry{conv: conv})
	c.publish()
}

// GetConversation returns the cached snapshot. Snapshot pointers are
// shared; callers must not mutate them.
func (c *Cache) GetConversation(cid string) (*domain.Conversation, bool) {
	e, ok := c.lru.Get(cid)
	if !ok {
		c.miss()
		return nil, false
	}
	e.mu.Lock()
	conv := e.conv
	e.mu.Unlock()
	if conv == nil {
		c.miss()
		return nil, false
	}
	c.hit()
	return conv, true
}

// AddMessage extends the conversation's cached window. Only a message
// that directly extends the suffix is appended; a stale sequence id is
// ignored and a gap restarts the window at the new message, so the
// cached slice always mirrors a contiguous tail of the stored log.
// No-op when the conversation is not cached.
func (c *Cache) AddMessage(m *domain.Message) {
	e, ok := c.lru.Get(m.ConversationID)
	if !ok {
		return
	}
	e.mu.Lock()
	delta := e.add(m, c.maxMsgs)
	e.mu.Unlock()
	if delta != 0 {
		c.totalMsgs.Add(int64(delta))
		c.publish()
	}
}

func (e *entry) add(m *domain.Message, maxMsgs int) int {
	if e.evicted {
		return 0
	}
	n := len(e.msgs)
	delta := 0
	switch {
	case n == 0 || m.SequenceID == e.msgs[n-1].SequenceID+1:
		e.msgs = append(e.msgs, m)
		delta = 1
	case m.SequenceID <= e.msgs[n-1].SequenceID:
		// Stale or duplicate; the window already covers newer ground.
		return 0
	default:
		// Gap: intervening messages were never cached here, restart the
		// suffix at the new message.
		e.msgs = []*domain.Message{m}
		delta = 1 - n
	}
	if len(e.msgs) > maxMsgs {
		drop := len(e.msgs) - maxMsgs
		e.msgs = e.msgs[drop:]
		delta -= drop
	}
	return delta
}

// GetMessages returns up to limit of the newest cached messages,
// ascending. limit <= 0 returns the whole window. The bool reports
// whether the conversation was cached at all.
func (c *Cache) GetMessages(cid string, limit int) ([]*domain.Message, bool) {
	e, ok := c.lru.Get(cid)
	if !ok {
		c.miss()
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		c.miss()
		return nil, false
	}
	c.hit()
	window := e.msgs
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]*domain.Message, len(window))
	copy(out, window)
	return out, true
}

// Invalidate drops a conversation from the cache entirely.
func (c *Cache) Invalidate(cid string) {
	c.lru.Remove(cid)
	c.publish()
}

func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:                hits,
		Misses:              misses,
		CachedConversations: c.lru.Len(),
		TotalCachedMessages: c.totalMsgs.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *Cache) hit() {
	c.hits.Add(1)
	metrics.CacheHitsTotal.Inc()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	metrics.CacheMissesTotal.Inc()
}

func (c *Cache) publish() {
	metrics.CachedConversations.Set(float64(c.lru.Len()))
	metrics.CachedMessages.Set(float64(c.totalMsgs.Load()))
}
