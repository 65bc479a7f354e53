package tracing

import "go.opentelemetry.io/otel/attribute"

// Standard attribute keys for chat spans.
const (
	AttrConversationID = "conversation.id"
	AttrParticipantID  = "participant.id"
	AttrMessageID      = "message.id"
	AttrMessageKind    = "message.kind"
	AttrSequenceID     = "message.sequence_id"
	AttrUserID         = "user.id"
	AttrRequestID      = "request.id"
	AttrWSMessageType  = "ws.message_type"
	AttrEngineModel    = "engine.model"
	AttrJobStatus      = "ai.job_status"
)

func ConversationID(id string) attribute.KeyValue { return attribute.String(AttrConversationID, id) }
func ParticipantID(id string) attribute.KeyValue  { return attribute.String(AttrParticipantID, id) }
func MessageID(id string) attribute.KeyValue      { return attribute.String(AttrMessageID, id) }
func MessageKind(k string) attribute.KeyValue     { return attribute.String(AttrMessageKind, k) }
func SequenceID(seq int64) attribute.KeyValue     { return attribute.Int64(AttrSequenceID, seq) }
func UserID(id string) attribute.KeyValue         { return attribute.String(AttrUserID, id) }
