// Package participant defines the capability every conversation member
// exposes to the conversation manager: an identity, and the chance to
// produce a reply when a message is fanned out to it.
package participant

import (
	"context"

	"github.com/longregen/parley/internal/domain"
)

// StreamSink receives response chunks as a participant produces them.
// Implementations must be safe to call from the participant's goroutine.
type StreamSink func(chunk string)

// Context carries the conversation state a participant may consult while
// processing: a membership snapshot and recent history ascending by
// sequence id. The inbound message itself is passed separately.
type Context struct {
	Conversation *domain.Conversation
	History      []*domain.Message
}

// Participant is a conversation member. Process is invoked during
// fan-out with every message the participant did not send; it returns a
// reply message to re-enter the conversation, or nil for none.
type Participant interface {
	Info() domain.Participant
	Process(ctx context.Context, msg *domain.Message, conv *Context, sink StreamSink) (*domain.Message, error)
}

// Human is an addressable member with no server-side compute. Humans
// produce messages only as ingress, so Process never returns a reply.
type Human struct {
	info domain.Participant
}

var _ Participant = (*Human)(nil)

func NewHuman(id, displayName string) *Human {
	return &Human{info: domain.Participant{
		ID:          id,
		DisplayName: displayName,
		Kind:        domain.KindHuman,
		JoinedAt:    domain.Now(),
	}}
}

// FromRecord wraps an existing participant record without resetting
// joined_at, for conversations reloaded from storage.
func FromRecord(p domain.Participant) *Human {
	return &Human{info: p}
}

func (h *Human) Info() domain.Participant {
	return h.info
}

func (h *Human) Process(ctx context.Context, msg *domain.Message, conv *Context, sink StreamSink) (*domain.Message, error) {
	return nil, nil
}
