package store

import (
	"context"
	"sort"
	"sync"

	"github.com/longregen/parley/internal/domain"
)

// memConversation holds one conversation's metadata, sequence counter,
// and ordered log. The parent map lock only guards bucket lookup; all
// per-conversation state is guarded by mu.
type memConversation struct {
	mu   sync.Mutex
	meta *domain.Conversation
	seq  int64
	msgs []*domain.Message
	byID map[string]*domain.Message
}

// Memory is the in-memory reference backend and the default at startup.
// The sequence counter survives message eviction and is only destroyed
// with the conversation itself.
type Memory struct {
	mu        sync.RWMutex
	convs     map[string]*memConversation
	queueSize int
}

var _ Store = (*Memory)(nil)

func NewMemory(queueSizeLimit int) *Memory {
	return &Memory{
		convs:     make(map[string]*memConversation),
		queueSize: queueSizeLimit,
	}
}

func (s *Memory) bucket(cid string) (*memConversation, bool) {
	s.mu.RLock()
	c, ok := s.convs[cid]
	s.mu.RUnlock()
	return c, ok
}

func (s *Memory) StoreMessage(ctx context.Context, m *domain.Message) (bool, error) {
	c, ok := s.bucket(m.ConversationID)
	if !ok {
		return false, domain.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byID[m.ID]; dup {
		return true, nil
	}
	if s.queueSize > 0 && len(c.msgs) >= s.queueSize {
		return false, domain.ErrQueueFull
	}
	cp := *m
	// Persists run asynchronously and may land out of sequence order, so
	// insert at the message's sorted position rather than appending.
	i := sort.Search(len(c.msgs), func(i int) bool {
		return c.msgs[i].SequenceID >= cp.SequenceID
	})
	c.msgs = append(c.msgs, nil)
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = &cp
	c.byID[cp.ID] = &cp
	if c.meta != nil && cp.Timestamp.After(c.meta.UpdatedAt) {
		c.meta.UpdatedAt = cp.Timestamp
	}
	return false, nil
}

func (s *Memory) GetConversationMessages(ctx context.Context, cid string, limit int, afterSeq int64) ([]*domain.Message, error) {
	c, ok := s.bucket(cid)
	if !ok {
		return nil, domain.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var window []*domain.Message
	if afterSeq >= 0 {
		i := sort.Search(len(c.msgs), func(i int) bool {
			return c.msgs[i].SequenceID > afterSeq
		})
		window = c.msgs[i:]
		if limit > 0 && len(window) > limit {
			window = window[:limit]
		}
	} else {
		window = c.msgs
		if limit > 0 && len(window) > limit {
			window = window[len(window)-limit:]
		}
	}

	out := make([]*domain.Message, len(window))
	for i, m := range window {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *Memory) NextSequenceID(ctx context.Context, cid string) (int64, error) {
	c, ok := s.bucket(cid)
	if !ok {
		return 0, domain.ErrNotFound
	}
	c.mu.Lock()
	c.seq++
	n := c.seq
	c.mu.Unlock()
	return n, nil
}

func (s *Memory) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	cp := cloneConversation(conv)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; exists {
		return domain.ErrConflict
	}
	s.convs[conv.ID] = &memConversation{
		meta: cp,
		byID: make(map[string]*domain.Message),
	}
	return nil
}

func (s *Memory) GetConversation(ctx context.Context, cid string) (*domain.Conversation, error) {
	c, ok := s.bucket(cid)
	if !ok {
		return nil, domain.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneConversation(c.meta), nil
}

func (s *Memory) UpdateConversation(ctx context.Context, conv *domain.Conversation) error {
	c, ok := s.bucket(conv.ID)
	if !ok {
		return domain.ErrNotFound
	}
	cp := cloneConversation(conv)
	cp.UpdatedAt = domain.Now()
	c.mu.Lock()
	c.meta = cp
	c.mu.Unlock()
	return nil
}

func (s *Memory) UpdateParticipants(ctx context.Context, cid string, participants []domain.Participant) error {
	c, ok := s.bucket(cid)
	if !ok {
		return domain.ErrNotFound
	}
	set := make([]domain.Participant, len(participants))
	copy(set, participants)
	c.mu.Lock()
	c.meta.Participants = set
	c.meta.UpdatedAt = domain.Now()
	c.mu.Unlock()
	return nil
}

func (s *Memory) IsParticipant(ctx context.Context, cid, pid string) (bool, error) {
	c, ok := s.bucket(cid)
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.HasParticipant(pid), nil
}

func (s *Memory) GetParticipantCount(ctx context.Context, cid string) (int, error) {
	c, ok := s.bucket(cid)
	if !ok {
		return 0, domain.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.meta.Participants), nil
}

func (s *Memory) GetUserConversations(ctx context.Context, uid string, limit, offset int) ([]*domain.Conversation, int, error) {
	s.mu.RLock()
	matched := make([]*domain.Conversation, 0)
	for _, c := range s.convs {
		c.mu.Lock()
		if c.meta.HasParticipant(uid) {
			matched = append(matched, cloneConversation(c.meta))
		}
		c.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*domain.Conversation{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *Memory) Ping(ctx context.Context) error { return nil }

func (s *Memory) Close() {}

func cloneConversation(conv *domain.Conversation) *domain.Conversation {
	cp := *conv
	cp.Participants = make([]domain.Participant, len(conv.Participants))
	copy(cp.Participants, conv.Participants)
	if conv.Metadata != nil {
		cp.Metadata = make(map[string]any, len(conv.Metadata))
		for k, v := range conv.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
