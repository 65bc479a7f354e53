// Package protocol defines the JSON frames spoken on the message channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/longregen/parley/internal/domain"
)

// Frame types, inbound and outbound.
const (
	TypeMessage           = "message"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeConnected         = "connected"
	TypeMessageAck        = "message_ack"
	TypeModeChange        = "mode_change"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeParticipantList   = "participant_list"
	TypeAIChunk           = "ai_chunk"
	TypeError             = "error"
)

// Error codes carried on error frames.
const (
	ErrCodeQueueFull           = "queue_full"
	ErrCodeInvalidJSON         = "invalid_json"
	ErrCodeProcessingError     = "processing_error"
	ErrCodeUnknownConversation = "unknown_conversation"
	ErrCodeNotMember           = "not_member"
	ErrCodeContentTooLong      = "content_too_long"
)

// Inbound is the client → server frame. Only `message` and `ping` are
// accepted; everything the server needs beyond the content is synthesized
// from the authenticated channel identity.
type Inbound struct {
	Type     string         `json:"type"`
	Content  string         `json:"content,omitempty"`
	Sites    []string       `json:"sites,omitempty"`
	Mode     string         `json:"mode,omitempty"` // list, summarize, generate
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ParseInbound decodes a client frame and checks the type discriminator.
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch in.Type {
	case TypeMessage, TypePing:
		return &in, nil
	case "":
		return nil, errors.New("frame missing type")
	default:
		return nil, fmt.Errorf("unsupported frame type %q", in.Type)
	}
}

type Connected struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ParticipantID  string `json:"participant_id"`
	Mode           string `json:"mode"`
	InputTimeout   int    `json:"input_timeout"`
}

func NewConnected(cid, pid, mode string, inputTimeoutMs int) Connected {
	return Connected{Type: TypeConnected, ConversationID: cid, ParticipantID: pid, Mode: mode, InputTimeout: inputTimeoutMs}
}

// MessageFrame is a sequenced message broadcast to peers. The record's
// fields are inlined next to the type discriminator.
type MessageFrame struct {
	Type string `json:"type"`
	domain.Message
}

func NewMessageFrame(m *domain.Message) MessageFrame {
	return MessageFrame{Type: TypeMessage, Message: *m}
}

type MessageAck struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	SequenceID int64  `json:"sequence_id"`
}

func NewMessageAck(messageID string, sequenceID int64) MessageAck {
	return MessageAck{Type: TypeMessageAck, MessageID: messageID, SequenceID: sequenceID}
}

// ModeChange announces a mode transition. Timestamp is epoch milliseconds
// at emission time.
type ModeChange struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Mode           string `json:"mode"`
	InputTimeout   int    `json:"input_timeout"`
	Timestamp      int64  `json:"timestamp"`
}

func NewModeChange(cid, mode string, inputTimeoutMs int) ModeChange {
	return ModeChange{
		Type:           TypeModeChange,
		ConversationID: cid,
		Mode:           mode,
		InputTimeout:   inputTimeoutMs,
		Timestamp:      domain.Now().UnixMilli(),
	}
}

type ParticipantEvent struct {
	Type             string             `json:"type"`
	ConversationID   string             `json:"conversation_id"`
	Participant      domain.Participant `json:"participant"`
	ParticipantCount int                `json:"participant_count"`
	Timestamp        int64              `json:"timestamp"`
}

func NewParticipantJoined(cid string, p domain.Participant, count int) ParticipantEvent {
	return ParticipantEvent{
		Type:             TypeParticipantJoined,
		ConversationID:   cid,
		Participant:      p,
		ParticipantCount: count,
		Timestamp:        domain.Now().UnixMilli(),
	}
}

func NewParticipantLeft(cid string, p domain.Participant, count int) ParticipantEvent {
	return ParticipantEvent{
		Type:             TypeParticipantLeft,
		ConversationID:   cid,
		Participant:      p,
		ParticipantCount: count,
		Timestamp:        domain.Now().UnixMilli(),
	}
}

// ParticipantEntry is one row in a participant_list frame.
type ParticipantEntry struct {
	domain.Participant
	IsOnline bool `json:"is_online"`
}

type ParticipantList struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversation_id"`
	Participants   []ParticipantEntry `json:"participants"`
}

func NewParticipantList(cid string, entries []ParticipantEntry) ParticipantList {
	return ParticipantList{Type: TypeParticipantList, ConversationID: cid, Participants: entries}
}

// AIChunk streams one piece of an in-progress AI response. MessageID is
// the ingress message the AI is answering.
type AIChunk struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ParticipantID  string `json:"participant_id"`
	Chunk          string `json:"chunk"`
	Timestamp      int64  `json:"timestamp"`
}

func NewAIChunk(cid, messageID, participantID, chunk string) AIChunk {
	return AIChunk{
		Type:           TypeAIChunk,
		ConversationID: cid,
		MessageID:      messageID,
		ParticipantID:  participantID,
		Chunk:          chunk,
		Timestamp:      domain.Now().UnixMilli(),
	}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func NewErrorFrame(code, message string, httpCode int) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: code, Message: message, Code: httpCode}
}

// ErrorFrameFor maps a domain error onto the wire error vocabulary.
func ErrorFrameFor(err error) ErrorFrame {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		return NewErrorFrame(ErrCodeQueueFull, err.Error(), 429)
	case errors.Is(err, domain.ErrUnknownConversation):
		return NewErrorFrame(ErrCodeUnknownConversation, err.Error(), 0)
	case errors.Is(err, domain.ErrNotMember), errors.Is(err, domain.ErrUnknownSender):
		return NewErrorFrame(ErrCodeNotMember, err.Error(), 0)
	case errors.Is(err, domain.ErrContentTooLong), errors.Is(err, domain.ErrEmptyContent):
		return NewErrorFrame(ErrCodeContentTooLong, err.Error(), 0)
	default:
		return NewErrorFrame(ErrCodeProcessingError, err.Error(), 0)
	}
}
