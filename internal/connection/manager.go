// Package connection tracks live channels and fans frames out to them.
// It owns delivery only: frames are serialized once, queued per channel,
// and written by one goroutine per connection so a slow reader never
// stalls a conversation or its peers.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/metrics"
	"github.com/longregen/parley/internal/protocol"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second

	// Close codes sent when the server retires a channel.
	closeNormal = 1000
)

// Sink is the write half of a transport. The WebSocket layer adapts its
// connection to this; tests substitute in-memory fakes. WriteMessage
// honors the context deadline; Close sends a close frame best-effort.
type Sink interface {
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// FailureHandler receives per-channel delivery failures. messageID is
// empty for frames that do not carry one.
type FailureHandler func(cid, pid, messageID string, err error)

type outbound struct {
	data      []byte
	messageID string
}

// channel is one registered connection and its writer queue.
type channel struct {
	cid  string
	pid  string
	sink Sink

	sendCh chan outbound
	stop   chan struct{}
	once   sync.Once
}

func (ch *channel) shutdown() {
	ch.once.Do(func() { close(ch.stop) })
}

// Config tunes a connection Manager.
type Config struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// Manager is the connection registry, one channel per (conversation,
// participant). A second connection for the same pair supersedes the
// first. Registry locks are never held across sink I/O or callbacks.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	conns map[string]map[string]*channel

	onFailure FailureHandler

	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewManager(cfg Config) *Manager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Manager{
		cfg:   cfg,
		conns: make(map[string]map[string]*channel),
	}
}

// SetFailureHandler wires delivery failure reporting. Call once during
// startup, before traffic.
func (m *Manager) SetFailureHandler(h FailureHandler) { m.onFailure = h }

// AddConnection registers a channel and starts its writer. An existing
// channel for the same participant is closed and replaced. The returned
// release func unregisters exactly this channel; after a supersede it
// only stops the stale writer, never the replacement.
func (m *Manager) AddConnection(cid, pid string, sink Sink) (func(), error) {
	if m.closed.Load() {
		return nil, domain.ErrShuttingDown
	}

	ch := &channel{
		cid:    cid,
		pid:    pid,
		sink:   sink,
		sendCh: make(chan outbound, m.cfg.SendBuffer),
		stop:   make(chan struct{}),
	}

	m.mu.Lock()
	byPid := m.conns[cid]
	if byPid == nil {
		byPid = make(map[string]*channel)
		m.conns[cid] = byPid
	}
	prev := byPid[pid]
	byPid[pid] = ch
	n := m.count()
	m.mu.Unlock()
	metrics.ConnectionsActive.Set(float64(n))

	if prev != nil {
		prev.shutdown()
		if err := prev.sink.Close(closeNormal, "superseded by new connection"); err != nil {
			slog.Debug("connection: close superseded channel",
				"conversation_id", cid,
				"participant_id", pid,
				"error", err)
		}
		slog.Info("connection: superseded",
			"conversation_id", cid,
			"participant_id", pid)
	}

	m.wg.Add(1)
	go m.writeLoop(ch)
	slog.Debug("connection: registered",
		"conversation_id", cid,
		"participant_id", pid)
	return func() { m.removeChannel(ch) }, nil
}

// removeChannel unregisters ch if it is still the live channel for its
// participant, and stops its writer either way.
func (m *Manager) removeChannel(ch *channel) {
	m.mu.Lock()
	byPid := m.conns[ch.cid]
	removed := byPid[ch.pid] == ch
	if removed {
		delete(byPid, ch.pid)
		if len(byPid) == 0 {
			delete(m.conns, ch.cid)
		}
	}
	n := m.count()
	m.mu.Unlock()

	ch.shutdown()
	if removed {
		metrics.ConnectionsActive.Set(float64(n))
		slog.Debug("connection: removed",
			"conversation_id", ch.cid,
			"participant_id", ch.pid)
	}
}

// writeLoop drains one channel's queue. A failed write is reported and
// the loop keeps going; the owning read loop notices a dead transport
// and removes the connection.
func (m *Manager) writeLoop(ch *channel) {
	defer m.wg.Done()
	for {
		select {
		case out := <-ch.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
			err := ch.sink.WriteMessage(ctx, out.data)
			cancel()
			if err != nil {
				metrics.BroadcastFailuresTotal.WithLabelValues("write_error").Inc()
				m.reportFailure(ch.cid, ch.pid, out.messageID, fmt.Errorf("write frame: %w", err))
			}
		case <-ch.stop:
			return
		}
	}
}

// BroadcastMessage fans a frame out to the conversation's channels,
// skipping excludeSender. The frame is serialized once; enqueues never
// block, and a full buffer drops the frame for that channel only.
func (m *Manager) BroadcastMessage(cid string, frame any, excludeSender string) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("connection: marshal frame",
			"conversation_id", cid,
			"error", err)
		return
	}
	messageID := frameMessageID(frame)

	m.mu.RLock()
	targets := make([]*channel, 0, len(m.conns[cid]))
	for pid, ch := range m.conns[cid] {
		if pid == excludeSender {
			continue
		}
		targets = append(targets, ch)
	}
	m.mu.RUnlock()

	var dropped []*channel
	for _, ch := range targets {
		select {
		case ch.sendCh <- outbound{data: data, messageID: messageID}:
			metrics.BroadcastsTotal.Inc()
		default:
			dropped = append(dropped, ch)
		}
	}
	// Failure reporting happens with no registry lock held, so the
	// handler is free to call back into this manager.
	for _, ch := range dropped {
		metrics.BroadcastFailuresTotal.WithLabelValues("buffer_full").Inc()
		slog.Warn("connection: send buffer full, frame dropped",
			"conversation_id", ch.cid,
			"participant_id", ch.pid,
			"message_id", messageID)
		m.reportFailure(ch.cid, ch.pid, messageID, errors.New("send buffer full"))
	}
}

// BroadcastToConversation fans a frame out to every channel in the
// conversation.
func (m *Manager) BroadcastToConversation(cid string, frame any) {
	m.BroadcastMessage(cid, frame, "")
}

// SendTo queues a frame for one participant, blocking until there is
// buffer room or ctx expires. Catch-up uses this so a burst of history
// cannot be silently dropped.
func (m *Manager) SendTo(ctx context.Context, cid, pid string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	m.mu.RLock()
	ch := m.conns[cid][pid]
	m.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("no connection for %s in %s", pid, cid)
	}

	select {
	case ch.sendCh <- outbound{data: data, messageID: frameMessageID(frame)}:
		return nil
	case <-ch.stop:
		return fmt.Errorf("connection closed for %s in %s", pid, cid)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the participant's channel, if any, with a normal
// close frame. Used when a participant leaves the conversation while
// still connected.
func (m *Manager) Disconnect(cid, pid, reason string) {
	m.mu.Lock()
	byPid := m.conns[cid]
	ch := byPid[pid]
	if ch != nil {
		delete(byPid, pid)
		if len(byPid) == 0 {
			delete(m.conns, cid)
		}
	}
	n := m.count()
	m.mu.Unlock()
	if ch == nil {
		return
	}
	metrics.ConnectionsActive.Set(float64(n))

	ch.shutdown()
	if err := ch.sink.Close(closeNormal, reason); err != nil {
		slog.Debug("connection: close on disconnect",
			"conversation_id", cid,
			"participant_id", pid,
			"error", err)
	}
	slog.Debug("connection: disconnected",
		"conversation_id", cid,
		"participant_id", pid)
}

// IsOnline reports whether the participant has a registered channel.
func (m *Manager) IsOnline(cid, pid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[cid][pid] != nil
}

// ConnectionCount reports the number of registered channels.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count()
}

// count assumes m.mu is held.
func (m *Manager) count() int {
	n := 0
	for _, byPid := range m.conns {
		n += len(byPid)
	}
	return n
}

// Shutdown closes every channel with a normal close frame and waits for
// the writers to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	var all []*channel
	for _, byPid := range m.conns {
		for _, ch := range byPid {
			all = append(all, ch)
		}
	}
	m.conns = make(map[string]map[string]*channel)
	m.mu.Unlock()
	metrics.ConnectionsActive.Set(0)

	for _, ch := range all {
		ch.shutdown()
		if err := ch.sink.Close(closeNormal, "server shutting down"); err != nil {
			slog.Debug("connection: close on shutdown",
				"conversation_id", ch.cid,
				"participant_id", ch.pid,
				"error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("connection: shutdown complete", "closed", len(all))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain writers: %w", ctx.Err())
	}
}

func (m *Manager) reportFailure(cid, pid, messageID string, err error) {
	if m.onFailure == nil {
		return
	}
	m.onFailure(cid, pid, messageID, err)
}

// frameMessageID pulls the message id out of frames that carry one, for
// failure reporting.
func frameMessageID(frame any) string {
	switch f := frame.(type) {
	case protocol.MessageFrame:
		return f.Message.ID
	case protocol.AIChunk:
		return f.MessageID
	default:
		return ""
	}
}
