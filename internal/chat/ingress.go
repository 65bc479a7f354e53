package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/metrics"
	"github.com/longregen/parley/internal/participant"
	"github.com/longregen/parley/internal/protocol"
)

// ProcessMessage is the ingress path. Admission, idempotency, and
// sequencing run under the conversation lock; persistence, fan-out
// delivery, and AI jobs run asynchronously. The returned message
// carries its sequence id. The manager retains msg after a successful
// return; callers must not mutate it afterward.
func (m *Manager) ProcessMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if m.closed.Load() {
		return nil, domain.ErrShuttingDown
	}
	start := time.Now()

	c, err := m.getOrLoad(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if msg.Sender.Kind != domain.KindSystem && !c.meta.HasParticipant(msg.Sender.ID) {
		c.mu.Unlock()
		metrics.MessagesRejectedTotal.WithLabelValues("unknown_sender").Inc()
		return nil, domain.ErrUnknownSender
	}

	// Idempotency before sequencing: a replay returns the original
	// record, so the counter stays gap-free and the retry's ack carries
	// the same sequence id.
	if prior, ok := c.seen[msg.ID]; ok {
		c.mu.Unlock()
		slog.Debug("chat: duplicate message ignored",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"sequence_id", prior.SequenceID)
		return prior, nil
	}

	if c.queueDepth >= m.cfg.QueueSizeLimit && !c.shedOldestLocked() {
		depth := c.queueDepth
		c.mu.Unlock()
		metrics.MessagesRejectedTotal.WithLabelValues("queue_full").Inc()
		return nil, &domain.QueueFullError{
			ConversationID: msg.ConversationID,
			Depth:          depth,
			Limit:          m.cfg.QueueSizeLimit,
		}
	}
	c.queueDepth++

	seq, err := m.store.NextSequenceID(ctx, msg.ConversationID)
	if err != nil {
		c.queueDepth--
		c.mu.Unlock()
		return nil, fmt.Errorf("allocate sequence id: %w", err)
	}
	msg.SequenceID = seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = domain.Now()
	}
	msg.Status = domain.MessageStatusDelivered
	c.seen[msg.ID] = msg
	m.cache.AddMessage(msg)

	// Broadcast enqueues happen under the lock so every peer channel
	// observes admission order; delivery itself is asynchronous.
	m.broadcastMessage(msg)

	// Human text prompts AI recipients. Each job takes its own
	// admission slot, registered here so shedding and shutdown see it.
	if msg.Kind == domain.MessageKindText && msg.Sender.Kind == domain.KindHuman {
		for _, rec := range c.meta.Participants {
			if rec.Kind != domain.KindAI || rec.ID == msg.Sender.ID {
				continue
			}
			p := c.participants[rec.ID]
			if p == nil {
				continue
			}
			job := c.startJobLocked(msg.ID, rec.ID)
			go m.runAIJob(c, job, msg, p)
		}
	}

	m.persistWG.Add(1)
	go m.persistMessage(c, msg)

	depth := c.queueDepth
	c.mu.Unlock()

	metrics.MessagesIngressTotal.WithLabelValues(msg.Kind).Inc()
	metrics.QueueDepth.WithLabelValues(msg.ConversationID).Set(float64(depth))
	metrics.MessageProcessDuration.Observe(time.Since(start).Seconds())
	return msg, nil
}

// startJobLocked registers an AI job and its admission slot. Caller
// holds c.mu.
func (c *conversation) startJobLocked(messageID, participantID string) *aiJob {
	ctx, cancel := context.WithCancel(context.Background())
	job := &aiJob{
		key:     jobKey{messageID: messageID, participantID: participantID},
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	c.jobs[job.key] = job
	c.jobOrder = append(c.jobOrder, job.key)
	c.queueDepth++
	metrics.AIJobsActive.Inc()
	return job
}

// removeJobLocked releases a job's slot. Only the first removal does
// the accounting; later calls report false so the shed path and the
// job-completion path cannot double-decrement. Caller holds c.mu.
func (c *conversation) removeJobLocked(key jobKey) bool {
	job, ok := c.jobs[key]
	if !ok {
		return false
	}
	delete(c.jobs, key)
	for i, k := range c.jobOrder {
		if k == key {
			c.jobOrder = append(c.jobOrder[:i], c.jobOrder[i+1:]...)
			break
		}
	}
	c.queueDepth--
	job.cancel()
	metrics.AIJobsActive.Dec()
	return true
}

// shedOldestLocked cancels the oldest running AI job to admit new work.
// Caller holds c.mu.
func (c *conversation) shedOldestLocked() bool {
	if len(c.jobOrder) == 0 {
		return false
	}
	key := c.jobOrder[0]
	if !c.removeJobLocked(key) {
		return false
	}
	metrics.AIJobsTotal.WithLabelValues("shed").Inc()
	slog.Info("chat: shed oldest ai job",
		"conversation_id", c.meta.ID,
		"message_id", key.messageID,
		"participant_id", key.participantID)
	return true
}

// runAIJob drives one engine invocation and re-enters the reply, if
// any, as fresh ingress.
func (m *Manager) runAIJob(c *conversation, job *aiJob, msg *domain.Message, p participant.Participant) {
	pid := job.key.participantID

	history, err := m.History(job.ctx, msg.ConversationID, historyFetchLimit)
	if err != nil {
		slog.Warn("chat: load ai context",
			"conversation_id", msg.ConversationID,
			"error", err)
	}
	c.mu.Lock()
	snap := cloneConversation(c.meta)
	c.mu.Unlock()

	sink := func(chunk string) {
		m.broadcastChunk(msg.ConversationID, msg.ID, pid, chunk)
	}
	reply, procErr := p.Process(job.ctx, msg, &participant.Context{Conversation: snap, History: history}, sink)

	c.mu.Lock()
	alive := c.removeJobLocked(job.key)
	depth := c.queueDepth
	c.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(msg.ConversationID).Set(float64(depth))
	metrics.AIJobDuration.Observe(time.Since(job.started).Seconds())
	if !alive {
		// Shed while running; the shed path did the accounting.
		return
	}

	switch {
	case procErr != nil:
		status := "error"
		if errors.Is(procErr, domain.ErrAITimeout) {
			status = "timeout"
		}
		metrics.AIJobsTotal.WithLabelValues(status).Inc()
		slog.Warn("chat: ai job failed",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"participant_id", pid,
			"error", procErr)
		m.recordFailure(c, pid, msg.ID, procErr)
	case reply == nil:
		metrics.AIJobsTotal.WithLabelValues("no_reply").Inc()
	default:
		metrics.AIJobsTotal.WithLabelValues("ok").Inc()
		// The reply is fresh ingress. Its job slot is already released,
		// so admission starts clean.
		go func() {
			if _, err := m.ProcessMessage(context.Background(), reply); err != nil {
				slog.Warn("chat: ai reply not admitted",
					"conversation_id", reply.ConversationID,
					"message_id", reply.ID,
					"error", err)
			}
		}()
	}
}

// persistMessage writes one admitted message and releases its admission
// slot. Failures land in the failures ring and metrics, never with the
// sender.
func (m *Manager) persistMessage(c *conversation, msg *domain.Message) {
	defer m.persistWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	_, err := m.store.StoreMessage(ctx, msg)

	c.mu.Lock()
	c.queueDepth--
	depth := c.queueDepth
	c.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(msg.ConversationID).Set(float64(depth))

	if err != nil {
		metrics.StorageWritesTotal.WithLabelValues("error").Inc()
		slog.Error("chat: persist message",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"sequence_id", msg.SequenceID,
			"error", err)
		m.recordFailure(c, msg.Sender.ID, msg.ID, fmt.Errorf("store message: %w", err))
		return
	}
	metrics.StorageWritesTotal.WithLabelValues("ok").Inc()
}

// History returns the newest limit messages ascending, cache-first with
// a storage fallback.
func (m *Manager) History(ctx context.Context, cid string, limit int) ([]*domain.Message, error) {
	cached, ok := m.cache.GetMessages(cid, limit)
	if ok && len(cached) >= limit {
		return cached, nil
	}
	msgs, err := m.store.GetConversationMessages(ctx, cid, limit, -1)
	if err != nil {
		if ok {
			return cached, nil
		}
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

func (m *Manager) recordFailure(c *conversation, pid, messageID string, err error) {
	c.failures.add(domain.DeliveryFailure{
		ParticipantID: pid,
		MessageID:     messageID,
		Error:         err.Error(),
		Timestamp:     domain.Now(),
	})
}

func (m *Manager) broadcastMessage(msg *domain.Message) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.BroadcastMessage(msg.ConversationID, protocol.NewMessageFrame(msg), msg.Sender.ID)
}

func (m *Manager) broadcastChunk(cid, messageID, pid, chunk string) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.BroadcastToConversation(cid, protocol.NewAIChunk(cid, messageID, pid, chunk))
}
