package protocol

import (
	"encoding/json"
	"testing"

	"github.com/longregen/parley/internal/domain"
)

func TestParseInbound(t *testing.T) {
	in, err := ParseInbound([]byte(`{"type":"message","content":"hi","sites":["a.example"],"mode":"list"}`))
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if in.Type != TypeMessage || in.Content != "hi" || in.Mode != "list" {
		t.Errorf("parsed = %+v", in)
	}
	if len(in.Sites) != 1 || in.Sites[0] != "a.example" {
		t.Errorf("sites = %v", in.Sites)
	}

	if _, err := ParseInbound([]byte(`{"type":"ping"}`)); err != nil {
		t.Errorf("ping should parse: %v", err)
	}
	if _, err := ParseInbound([]byte(`{"content":"no type"}`)); err == nil {
		t.Error("missing type should fail")
	}
	if _, err := ParseInbound([]byte(`{"type":"subscribe"}`)); err == nil {
		t.Error("unsupported type should fail")
	}
	if _, err := ParseInbound([]byte(`not json`)); err == nil {
		t.Error("invalid json should fail")
	}
}

func TestMessageFrameInlinesRecord(t *testing.T) {
	m := &domain.Message{
		ID:             "msg_1",
		ConversationID: "conv_1",
		SequenceID:     3,
		Sender:         domain.Sender{ID: "usr_a", DisplayName: "alice", Kind: domain.KindHuman},
		Content:        "hello",
		Kind:           domain.MessageKindText,
		Timestamp:      domain.Now(),
		Status:         domain.MessageStatusDelivered,
	}

	data, err := json.Marshal(NewMessageFrame(m))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != TypeMessage {
		t.Errorf("type = %v", raw["type"])
	}
	if raw["sequence_id"] != float64(3) {
		t.Errorf("sequence_id not inlined: %v", raw["sequence_id"])
	}
	if raw["message_id"] != "msg_1" {
		t.Errorf("message_id not inlined: %v", raw["message_id"])
	}
}

func TestErrorFrameFor(t *testing.T) {
	frame := ErrorFrameFor(&domain.QueueFullError{ConversationID: "conv_1", Depth: 5, Limit: 5})
	if frame.Error != ErrCodeQueueFull || frame.Code != 429 {
		t.Errorf("queue full frame = %+v", frame)
	}

	frame = ErrorFrameFor(domain.ErrUnknownConversation)
	if frame.Error != ErrCodeUnknownConversation {
		t.Errorf("unknown conversation frame = %+v", frame)
	}

	frame = ErrorFrameFor(domain.ErrNotMember)
	if frame.Error != ErrCodeNotMember {
		t.Errorf("not member frame = %+v", frame)
	}

	frame = ErrorFrameFor(domain.ErrAIError)
	if frame.Error != ErrCodeProcessingError {
		t.Errorf("fallback frame = %+v", frame)
	}
}
