package domain

import (
	"errors"
	"fmt"
)

// Errors surfaced to callers of the ingress and lifecycle paths.
var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownSender       = errors.New("unknown sender")
	ErrNotMember           = errors.New("not a conversation member")
	ErrAlreadyMember       = errors.New("already a conversation member")
	ErrLimitExceeded       = errors.New("participant limit exceeded")
	ErrQueueFull           = errors.New("conversation queue full")
	ErrContentTooLong      = errors.New("content exceeds maximum length")
	ErrEmptyContent        = errors.New("content cannot be empty")
	ErrShuttingDown        = errors.New("server is shutting down")
)

// Errors recovered locally and recorded in the failures ring; never
// propagated to the ingress caller.
var (
	ErrDeliveryFailure = errors.New("delivery failed")
	ErrAITimeout       = errors.New("ai response timed out")
	ErrAIError         = errors.New("ai processing failed")
)

// Storage-side errors.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrDuplicateMessage = errors.New("duplicate message")
	ErrUnavailable      = errors.New("storage unavailable")
	ErrConflict         = errors.New("conflicting update")
)

// QueueFullError carries admission diagnostics alongside ErrQueueFull.
type QueueFullError struct {
	ConversationID string
	Depth          int
	Limit          int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("conversation %s queue full: depth %d, limit %d", e.ConversationID, e.Depth, e.Limit)
}

func (e *QueueFullError) Unwrap() error {
	return ErrQueueFull
}
