package domain

import "time"

// MaxContentLength is the ingress ceiling on message content, in Unicode
// codepoints.
const MaxContentLength = 10000

// Participant kinds. SYSTEM is valid for message senders only; it never
// appears in a conversation's participant set.
const (
	KindHuman  = "human"
	KindAI     = "ai"
	KindSystem = "system"
)

// Message kinds.
const (
	MessageKindText       = "text"
	MessageKindSystem     = "system"
	MessageKindAIResponse = "ai_response"
	MessageKindJoin       = "join"
	MessageKindLeave      = "leave"
	MessageKindError      = "error"
)

// Message statuses.
const (
	MessageStatusPending   = "pending"
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// Conversation modes.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Conversation statuses.
const (
	ConversationStatusActive   = "active"
	ConversationStatusInactive = "inactive"
)

type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind"` // human, ai, system
}

type Participant struct {
	ID          string    `json:"participant_id"`
	DisplayName string    `json:"display_name"`
	Kind        string    `json:"kind"` // human, ai
	JoinedAt    time.Time `json:"joined_at"`
}

// Message is immutable once sequenced.
type Message struct {
	ID             string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SequenceID     int64          `json:"sequence_id"`
	Sender         Sender         `json:"sender"`
	Content        string         `json:"content"`
	Kind           string         `json:"kind"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type Conversation struct {
	ID           string         `json:"conversation_id"`
	Title        string         `json:"title"`
	Status       string         `json:"status"` // active, inactive
	Mode         string         `json:"mode"`   // single, multi
	Participants []Participant  `json:"participants"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DeliveryFailure is one entry in a conversation's bounded failure ring.
type DeliveryFailure struct {
	ParticipantID string    `json:"participant_id"`
	MessageID     string    `json:"message_id,omitempty"`
	Error         string    `json:"error"`
	Timestamp     time.Time `json:"timestamp"`
}

// Exchange is one stored AI question/answer pair with an optional
// embedding, written best-effort after a successful AI job.
type Exchange struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id"`
	Query          string    `json:"query"`
	Summary        string    `json:"summary"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Now returns the server clock as a UTC instant with millisecond
// precision, the resolution message timestamps are defined at.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// ModeFor derives the conversation mode from a participant set: multi
// iff two or more humans are present, or three or more participants of
// any kind.
func ModeFor(participants []Participant) string {
	humans := 0
	for _, p := range participants {
		if p.Kind == KindHuman {
			humans++
		}
	}
	if humans >= 2 || len(participants) >= 3 {
		return ModeMulti
	}
	return ModeSingle
}

// HasParticipant reports membership by participant id.
func (c *Conversation) HasParticipant(pid string) bool {
	for _, p := range c.Participants {
		if p.ID == pid {
			return true
		}
	}
	return false
}

// HumanCount returns the number of human participants.
func (c *Conversation) HumanCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.Kind == KindHuman {
			n++
		}
	}
	return n
}
