package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/id"
	"github.com/longregen/parley/internal/participant"
)

// DefaultIdentity is the participant record AI replies are attributed
// to when the deployment does not override it.
var DefaultIdentity = domain.Participant{
	ID:          "nlweb",
	DisplayName: "Assistant",
	Kind:        domain.KindAI,
}

// Config tunes one adapter instance.
type Config struct {
	// Identity is the participant the adapter answers as. Zero value
	// means DefaultIdentity.
	Identity domain.Participant

	// Timeout is the hard wall clock for one engine job. Zero means
	// 20 seconds.
	Timeout time.Duration

	// HumanMessages and AIMessages bound the history window handed to
	// the engine. Zero disables that side of the window.
	HumanMessages int
	AIMessages    int

	// Exchanges, when set, records finished jobs best-effort.
	Exchanges *Recorder
}

// Adapter runs an engine Factory behind the Participant interface.
type Adapter struct {
	factory  Factory
	identity domain.Participant
	timeout  time.Duration
	humanCtx int
	aiCtx    int
	recorder *Recorder
}

var _ participant.Participant = (*Adapter)(nil)

func NewAdapter(factory Factory, cfg Config) *Adapter {
	a := &Adapter{
		factory:  factory,
		identity: cfg.Identity,
		timeout:  cfg.Timeout,
		humanCtx: cfg.HumanMessages,
		aiCtx:    cfg.AIMessages,
		recorder: cfg.Exchanges,
	}
	if a.identity.ID == "" {
		a.identity = DefaultIdentity
	}
	if a.timeout <= 0 {
		a.timeout = 20 * time.Second
	}
	return a
}

// Info implements participant.Participant.
func (a *Adapter) Info() domain.Participant { return a.identity }

// Process runs one engine job for an inbound message. The reply is nil
// when the engine emits no chunks (the AI chose not to respond).
// Timeouts and engine failures come back as ErrAITimeout and ErrAIError
// so the caller can record them; the inbound message is unaffected
// either way.
func (a *Adapter) Process(ctx context.Context, msg *domain.Message, conv *participant.Context, sink participant.StreamSink) (*domain.Message, error) {
	var history []*domain.Message
	if conv != nil {
		history = conv.History
	}
	req := &EngineRequest{
		Query:          msg.Content,
		Prev:           BuildPrev(history, msg.ID, a.humanCtx, a.aiCtx),
		UserID:         msg.Sender.ID,
		ConversationID: msg.ConversationID,
		Streaming:      sink != nil,
		Extra:          msg.Metadata,
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Chunks are both forwarded live and retained for the reply body.
	// The closed flag cuts off an engine that keeps streaming after the
	// job has been declared over.
	var (
		mu     sync.Mutex
		parts  []string
		closed atomic.Bool
	)
	collect := func(chunk string) {
		if chunk == "" || closed.Load() {
			return
		}
		mu.Lock()
		parts = append(parts, chunk)
		mu.Unlock()
		if sink != nil {
			sink(chunk)
		}
	}

	handle, err := a.factory(req.Params(), collect)
	if err != nil {
		return nil, fmt.Errorf("%w: construct job: %v", domain.ErrAIError, err)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- runEngine(ctx, handle)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		closed.Store(true)
		return nil, fmt.Errorf("%w after %s", domain.ErrAITimeout, a.timeout)
	}
	closed.Store(true)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", domain.ErrAITimeout, a.timeout)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAIError, err)
	}

	mu.Lock()
	content := strings.Join(parts, "")
	mu.Unlock()
	if content == "" {
		slog.Debug("ai: no chunks emitted, skipping reply",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID)
		return nil, nil
	}

	// Structured engine output wins over the raw chunk concatenation.
	if rendered := handle.ReturnValue().Render(); rendered != "" {
		content = rendered
	}

	reply := &domain.Message{
		ID:             id.NewMessage(),
		ConversationID: msg.ConversationID,
		Sender: domain.Sender{
			ID:          a.identity.ID,
			DisplayName: a.identity.DisplayName,
			Kind:        domain.KindAI,
		},
		Content:   content,
		Kind:      domain.MessageKindAIResponse,
		Timestamp: domain.Now(),
		Status:    domain.MessageStatusPending,
	}

	slog.Debug("ai: job finished",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"produced_messages", len(handle.Messages()),
		"duration", time.Since(start))

	if a.recorder != nil {
		// Detached: the job context is about to die with this return.
		go a.recorder.Record(msg, a.identity.ID, handle.ReturnValue(), content)
	}

	return reply, nil
}

// runEngine isolates engine panics so a misbehaving engine cannot take
// the ingress path down with it.
func runEngine(ctx context.Context, h Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panicked: %v", r)
		}
	}()
	return h.Run(ctx)
}
