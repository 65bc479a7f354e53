// Package chat is the conversation control core. It owns per-conversation
// state and serializes the operations that must be consistent: admission,
// sequencing, idempotency, membership, and AI job accounting.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/longregen/parley/internal/cache"
	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/metrics"
	"github.com/longregen/parley/internal/participant"
	"github.com/longregen/parley/internal/protocol"
	"github.com/longregen/parley/internal/store"
)

const (
	failureRingSize   = 64
	historyFetchLimit = 100
	persistTimeout    = 10 * time.Second
	metaSyncTimeout   = 5 * time.Second
)

// Broadcaster is the fan-out port. The connection manager implements
// it; tests substitute a recorder.
type Broadcaster interface {
	// BroadcastMessage delivers a frame to every channel in the
	// conversation except the excluded participant's.
	BroadcastMessage(cid string, frame any, excludeSender string)
	// BroadcastToConversation delivers a frame to every channel.
	BroadcastToConversation(cid string, frame any)
}

// Resolver binds a stored participant record to its runtime capability.
// Returning nil leaves the record membership-only.
type Resolver func(domain.Participant) participant.Participant

// Config tunes a Manager.
type Config struct {
	QueueSizeLimit      int
	MaxParticipants     int
	SingleModeTimeoutMs int
	MultiModeTimeoutMs  int

	// Resolve rebinds participants loaded from storage. Human records
	// fall back to plain humans when it is nil or returns nil; AI
	// records without a capability never run jobs.
	Resolve Resolver
}

type jobKey struct {
	messageID     string
	participantID string
}

// aiJob is one running engine invocation, tracked for shedding,
// shutdown, and queue-depth accounting.
type aiJob struct {
	key     jobKey
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
}

// conversation is the manager's live state for one conversation.
// memberMu serializes membership read-modify-write including its
// storage round trip. mu is the hot-path critical section; it never
// covers I/O beyond the sequence allocation.
type conversation struct {
	memberMu sync.Mutex

	mu           sync.Mutex
	meta         *domain.Conversation
	participants map[string]participant.Participant
	queueDepth   int
	seen         map[string]*domain.Message
	jobs         map[jobKey]*aiJob
	jobOrder     []jobKey

	failures *failureRing
}

// Manager is the conversation control core. Cross-conversation
// operations never block on each other: mu only guards the registry
// map and is never held while a conversation's lock is taken.
type Manager struct {
	store store.Store
	cache *cache.Cache
	cfg   Config

	mu    sync.RWMutex
	convs map[string]*conversation

	// broadcaster is wired with SetBroadcaster during startup, before
	// any traffic.
	broadcaster Broadcaster

	persistWG sync.WaitGroup
	closed    atomic.Bool
}

func NewManager(st store.Store, c *cache.Cache, cfg Config) *Manager {
	if cfg.QueueSizeLimit <= 0 {
		cfg.QueueSizeLimit = 1000
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = 100
	}
	if cfg.SingleModeTimeoutMs <= 0 {
		cfg.SingleModeTimeoutMs = 100
	}
	if cfg.MultiModeTimeoutMs <= 0 {
		cfg.MultiModeTimeoutMs = 2000
	}
	return &Manager{
		store: st,
		cache: c,
		cfg:   cfg,
		convs: make(map[string]*conversation),
	}
}

// SetBroadcaster wires the fan-out port. Call once during startup.
func (m *Manager) SetBroadcaster(b Broadcaster) { m.broadcaster = b }

// CreateConversation persists a new conversation and registers it with
// the manager. participants must already include the creator.
func (m *Manager) CreateConversation(ctx context.Context, title string, participants []domain.Participant, metadata map[string]any) (*domain.Conversation, error) {
	if m.closed.Load() {
		return nil, domain.ErrShuttingDown
	}
	if len(participants) > m.cfg.MaxParticipants {
		return nil, domain.ErrLimitExceeded
	}

	now := domain.Now()
	set := make([]domain.Participant, len(participants))
	copy(set, participants)
	conv := &domain.Conversation{
		ID:           store.NewConversationID(),
		Title:        title,
		Status:       domain.ConversationStatusActive,
		Mode:         domain.ModeFor(set),
		Participants: set,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	c := m.newState(conv)
	m.mu.Lock()
	m.convs[conv.ID] = c
	n := len(m.convs)
	m.mu.Unlock()
	metrics.ConversationsActive.Set(float64(n))

	snap := cloneConversation(conv)
	m.cache.PutConversation(snap)
	slog.Info("chat: created conversation",
		"conversation_id", conv.ID,
		"mode", conv.Mode,
		"participants", len(set))
	return snap, nil
}

// getOrLoad returns the live state for a conversation, loading it from
// storage on first touch (restart, cross-instance create).
func (m *Manager) getOrLoad(ctx context.Context, cid string) (*conversation, error) {
	m.mu.RLock()
	c := m.convs[cid]
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	conv, err := m.store.GetConversation(ctx, cid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnknownConversation
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	m.mu.Lock()
	if existing := m.convs[cid]; existing != nil {
		m.mu.Unlock()
		return existing, nil
	}
	c = m.newState(conv)
	m.convs[cid] = c
	n := len(m.convs)
	m.mu.Unlock()
	metrics.ConversationsActive.Set(float64(n))

	m.cache.PutConversation(cloneConversation(conv))
	return c, nil
}

func (m *Manager) newState(conv *domain.Conversation) *conversation {
	c := &conversation{
		meta:         conv,
		participants: make(map[string]participant.Participant, len(conv.Participants)),
		seen:         make(map[string]*domain.Message),
		jobs:         make(map[jobKey]*aiJob),
		failures:     newFailureRing(failureRingSize),
	}
	for _, rec := range conv.Participants {
		c.participants[rec.ID] = m.resolveParticipant(rec)
	}
	return c
}

func (m *Manager) resolveParticipant(rec domain.Participant) participant.Participant {
	if m.cfg.Resolve != nil {
		if p := m.cfg.Resolve(rec); p != nil {
			return p
		}
	}
	if rec.Kind == domain.KindHuman {
		return participant.FromRecord(rec)
	}
	return nil
}

func (m *Manager) lookup(cid string) *conversation {
	m.mu.RLock()
	c := m.convs[cid]
	m.mu.RUnlock()
	return c
}

// AddParticipant joins a participant, enforcing the membership cap and
// recomputing the mode. The returned snapshot is the post-join record.
func (m *Manager) AddParticipant(ctx context.Context, cid string, p participant.Participant) (*domain.Conversation, error) {
	if m.closed.Load() {
		return nil, domain.ErrShuttingDown
	}
	c, err := m.getOrLoad(ctx, cid)
	if err != nil {
		return nil, err
	}
	rec := p.Info()

	c.memberMu.Lock()
	defer c.memberMu.Unlock()

	c.mu.Lock()
	if c.meta.HasParticipant(rec.ID) {
		c.mu.Unlock()
		return nil, domain.ErrAlreadyMember
	}
	if len(c.meta.Participants) >= m.cfg.MaxParticipants {
		c.mu.Unlock()
		return nil, domain.ErrLimitExceeded
	}
	next := make([]domain.Participant, len(c.meta.Participants), len(c.meta.Participants)+1)
	copy(next, c.meta.Participants)
	next = append(next, rec)
	c.mu.Unlock()

	// memberMu is still held, so the set cannot move while we persist;
	// nothing in memory has changed yet if this fails.
	if err := m.store.UpdateParticipants(ctx, cid, next); err != nil {
		return nil, fmt.Errorf("persist participants: %w", err)
	}

	c.mu.Lock()
	c.meta.Participants = next
	c.participants[rec.ID] = p
	oldMode := c.meta.Mode
	c.meta.Mode = domain.ModeFor(next)
	c.meta.UpdatedAt = domain.Now()
	modeChanged := c.meta.Mode != oldMode
	snap := cloneConversation(c.meta)
	c.mu.Unlock()

	m.cache.PutConversation(snap)
	if modeChanged {
		m.syncMeta(snap)
		m.broadcastModeChange(cid, snap.Mode)
	}
	slog.Info("chat: participant joined",
		"conversation_id", cid,
		"participant_id", rec.ID,
		"mode", snap.Mode)
	return snap, nil
}

// RemoveParticipant drops a member, recomputing the mode. When the last
// human leaves, the conversation is marked inactive (never deleted).
func (m *Manager) RemoveParticipant(ctx context.Context, cid, pid string) (*domain.Conversation, error) {
	c, err := m.getOrLoad(ctx, cid)
	if err != nil {
		return nil, err
	}

	c.memberMu.Lock()
	defer c.memberMu.Unlock()

	c.mu.Lock()
	if !c.meta.HasParticipant(pid) {
		c.mu.Unlock()
		return nil, domain.ErrNotMember
	}
	next := make([]domain.Participant, 0, len(c.meta.Participants)-1)
	for _, q := range c.meta.Participants {
		if q.ID != pid {
			next = append(next, q)
		}
	}
	c.mu.Unlock()

	if err := m.store.UpdateParticipants(ctx, cid, next); err != nil {
		return nil, fmt.Errorf("persist participants: %w", err)
	}

	c.mu.Lock()
	c.meta.Participants = next
	delete(c.participants, pid)
	oldMode, oldStatus := c.meta.Mode, c.meta.Status
	c.meta.Mode = domain.ModeFor(next)
	if c.meta.HumanCount() == 0 {
		c.meta.Status = domain.ConversationStatusInactive
	}
	c.meta.UpdatedAt = domain.Now()
	modeChanged := c.meta.Mode != oldMode
	statusChanged := c.meta.Status != oldStatus
	snap := cloneConversation(c.meta)
	c.mu.Unlock()

	m.cache.PutConversation(snap)
	if modeChanged || statusChanged {
		m.syncMeta(snap)
	}
	if modeChanged {
		m.broadcastModeChange(cid, snap.Mode)
	}
	slog.Info("chat: participant left",
		"conversation_id", cid,
		"participant_id", pid,
		"mode", snap.Mode,
		"status", snap.Status)
	return snap, nil
}

// syncMeta pushes mode/status transitions to storage best-effort; the
// in-memory record is authoritative and the write is last writer wins.
func (m *Manager) syncMeta(snap *domain.Conversation) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), metaSyncTimeout)
		defer cancel()
		if err := m.store.UpdateConversation(ctx, snap); err != nil {
			slog.Warn("chat: sync conversation metadata",
				"conversation_id", snap.ID,
				"error", err)
		}
	}()
}

// GetConversation returns a point-in-time snapshot of the record.
func (m *Manager) GetConversation(ctx context.Context, cid string) (*domain.Conversation, error) {
	c, err := m.getOrLoad(ctx, cid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneConversation(c.meta), nil
}

// Mode returns the conversation's current mode.
func (m *Manager) Mode(ctx context.Context, cid string) (string, error) {
	c, err := m.getOrLoad(ctx, cid)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.Mode, nil
}

// InputTimeout returns the advisory client input timeout for the
// conversation, in milliseconds. It is published to clients and never
// gates server-side processing.
func (m *Manager) InputTimeout(ctx context.Context, cid string) (int, error) {
	mode, err := m.Mode(ctx, cid)
	if err != nil {
		return 0, err
	}
	return m.InputTimeoutMs(mode), nil
}

// InputTimeoutMs maps a mode to its advisory input timeout.
func (m *Manager) InputTimeoutMs(mode string) int {
	if mode == domain.ModeMulti {
		return m.cfg.MultiModeTimeoutMs
	}
	return m.cfg.SingleModeTimeoutMs
}

// RecordDeliveryFailure lands a per-channel delivery problem in the
// conversation's failures ring. The connection layer reports through
// this; senders never see these.
func (m *Manager) RecordDeliveryFailure(cid, pid, messageID string, err error) {
	c := m.lookup(cid)
	if c == nil {
		return
	}
	c.failures.add(domain.DeliveryFailure{
		ParticipantID: pid,
		MessageID:     messageID,
		Error:         err.Error(),
		Timestamp:     domain.Now(),
	})
	slog.Debug("chat: delivery failure recorded",
		"conversation_id", cid,
		"participant_id", pid,
		"message_id", messageID,
		"error", err)
}

// Failures returns the conversation's retained failures, oldest first.
func (m *Manager) Failures(cid string) []domain.DeliveryFailure {
	c := m.lookup(cid)
	if c == nil {
		return nil
	}
	return c.failures.recent()
}

// QueueDepths reports the live admission depth per conversation.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.RLock()
	convs := make(map[string]*conversation, len(m.convs))
	for cid, c := range m.convs {
		convs[cid] = c
	}
	m.mu.RUnlock()

	out := make(map[string]int, len(convs))
	for cid, c := range convs {
		c.mu.Lock()
		out[cid] = c.queueDepth
		c.mu.Unlock()
	}
	return out
}

// ActiveAIJobs reports the number of running AI jobs for a conversation.
func (m *Manager) ActiveAIJobs(cid string) int {
	c := m.lookup(cid)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// ConversationCount reports how many conversations the manager tracks.
func (m *Manager) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

// Shutdown stops new ingress, cancels running AI jobs, and drains
// outstanding persistence work until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.RLock()
	convs := make([]*conversation, 0, len(m.convs))
	for _, c := range m.convs {
		convs = append(convs, c)
	}
	m.mu.RUnlock()
	for _, c := range convs {
		c.mu.Lock()
		for _, job := range c.jobs {
			job.cancel()
		}
		c.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("chat: shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain persistence: %w", ctx.Err())
	}
}

func (m *Manager) broadcastModeChange(cid, mode string) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.BroadcastToConversation(cid, protocol.NewModeChange(cid, mode, m.InputTimeoutMs(mode)))
}

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
