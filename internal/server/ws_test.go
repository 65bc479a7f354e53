package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/longregen/parley/internal/chat"
	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/id"
	"github.com/longregen/parley/internal/participant"
	"github.com/longregen/parley/internal/protocol"
)

func startWSServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(env.srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, cid string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/conversations/" + cid
}

func dialWS(t *testing.T, ts *httptest.Server, cid, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", user)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, cid), header)
	if err != nil {
		t.Fatalf("dial websocket as %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

// readFrameOfType discards frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := readFrame(t, conn)
		if m["type"] == frameType {
			return m
		}
	}
	t.Fatalf("no %s frame arrived", frameType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWSConnectHandshake(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Handshake")

	conn := dialWS(t, ts, cid, "alice")

	connected := readFrame(t, conn)
	if connected["type"] != protocol.TypeConnected {
		t.Fatalf("expected connected first, got %v", connected["type"])
	}
	if connected["conversation_id"] != cid || connected["participant_id"] != "alice" {
		t.Errorf("unexpected connected frame: %v", connected)
	}
	if connected["mode"] != domain.ModeSingle {
		t.Errorf("expected mode single, got %v", connected["mode"])
	}
	if connected["input_timeout"].(float64) != 100 {
		t.Errorf("expected single mode input timeout 100, got %v", connected["input_timeout"])
	}

	list := readFrame(t, conn)
	if list["type"] != protocol.TypeParticipantList {
		t.Fatalf("expected participant_list second, got %v", list["type"])
	}
	entries, _ := list["participants"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 roster entry, got %d", len(entries))
	}
	self := entries[0].(map[string]any)
	if self["participant_id"] != "alice" || self["is_online"] != true {
		t.Errorf("expected alice online in the roster, got %v", self)
	}
}

func TestWSMessageRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Round trip")

	if rr := env.request(t, "POST", "/api/v1/conversations/"+cid+"/join", "bob", nil); rr.Code != http.StatusOK {
		t.Fatalf("join as bob: expected 200, got %d", rr.Code)
	}

	alice := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, alice, protocol.TypeParticipantList)

	bob := dialWS(t, ts, cid, "bob")
	readFrameOfType(t, bob, protocol.TypeParticipantList)

	// Bob's channel coming up is announced to alice, not to bob.
	joined := readFrameOfType(t, alice, protocol.TypeParticipantJoined)
	if p, _ := joined["participant"].(map[string]any); p["participant_id"] != "bob" {
		t.Errorf("expected bob's arrival, got %v", joined)
	}

	sendFrame(t, alice, protocol.Inbound{Type: protocol.TypeMessage, Content: "hello bob"})

	ack := readFrameOfType(t, alice, protocol.TypeMessageAck)
	if ack["sequence_id"].(float64) != 1 {
		t.Errorf("expected sequence_id 1 in ack, got %v", ack["sequence_id"])
	}

	got := readFrameOfType(t, bob, protocol.TypeMessage)
	if got["content"] != "hello bob" {
		t.Errorf("expected content 'hello bob', got %v", got["content"])
	}
	if got["sequence_id"].(float64) != 1 {
		t.Errorf("expected sequence_id 1, got %v", got["sequence_id"])
	}
	sender, _ := got["sender"].(map[string]any)
	if sender["id"] != "alice" {
		t.Errorf("expected alice as sender, got %v", sender)
	}
}

func TestWSCatchupHistory(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Catch-up")

	first := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, first, protocol.TypeParticipantList)
	sendFrame(t, first, protocol.Inbound{Type: protocol.TypeMessage, Content: "one"})
	readFrameOfType(t, first, protocol.TypeMessageAck)
	sendFrame(t, first, protocol.Inbound{Type: protocol.TypeMessage, Content: "two"})
	readFrameOfType(t, first, protocol.TypeMessageAck)
	first.Close()

	// Catch-up reads through the store; wait for the async persists.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := env.store.GetConversationMessages(context.Background(), cid, 10, -1)
		if err == nil && len(msgs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("messages never persisted: %d stored, err=%v", len(msgs), err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, conn, protocol.TypeParticipantList)

	m1 := readFrameOfType(t, conn, protocol.TypeMessage)
	m2 := readFrameOfType(t, conn, protocol.TypeMessage)
	if m1["content"] != "one" || m1["sequence_id"].(float64) != 1 {
		t.Errorf("unexpected first catch-up frame: %v", m1)
	}
	if m2["content"] != "two" || m2["sequence_id"].(float64) != 2 {
		t.Errorf("unexpected second catch-up frame: %v", m2)
	}
}

func TestWSPingPong(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Ping")

	conn := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, conn, protocol.TypeParticipantList)

	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypePing})
	readFrameOfType(t, conn, protocol.TypePong)
}

func TestWSInvalidFrameKeepsChannel(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Bad frames")

	conn := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, conn, protocol.TypeParticipantList)

	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	errFrame := readFrameOfType(t, conn, protocol.TypeError)
	if errFrame["error"] != protocol.ErrCodeInvalidJSON {
		t.Errorf("expected invalid_json, got %v", errFrame["error"])
	}

	// An unsupported type is an error too, not a disconnect.
	sendFrame(t, conn, map[string]any{"type": "subscribe"})
	errFrame = readFrameOfType(t, conn, protocol.TypeError)
	if errFrame["error"] != protocol.ErrCodeInvalidJSON {
		t.Errorf("expected invalid_json for unsupported type, got %v", errFrame["error"])
	}

	// The channel survives both.
	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeMessage, Content: "still here"})
	readFrameOfType(t, conn, protocol.TypeMessageAck)
}

func TestWSEmptyMessageRejected(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Validation")

	conn := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, conn, protocol.TypeParticipantList)

	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeMessage, Content: "   "})
	errFrame := readFrameOfType(t, conn, protocol.TypeError)
	if errFrame["error"] != protocol.ErrCodeContentTooLong {
		t.Errorf("expected content error code, got %v", errFrame["error"])
	}

	// Nothing was admitted.
	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeMessage, Content: "real"})
	ack := readFrameOfType(t, conn, protocol.TypeMessageAck)
	if ack["sequence_id"].(float64) != 1 {
		t.Errorf("expected the rejected frame to consume no sequence id, got %v", ack["sequence_id"])
	}
}

func TestWSNonMemberRejected(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Members only")

	header := http.Header{}
	header.Set("X-User-ID", "mallory")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, cid), header)
	if err == nil {
		t.Fatal("expected the handshake to fail for a non-member")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %v", resp)
	}

	// Unknown conversations answer identically.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "conv_missing"), header)
	if err == nil {
		t.Fatal("expected the handshake to fail for an unknown conversation")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %v", resp)
	}
}

func TestWSSupersededConnection(t *testing.T) {
	env := newTestEnv(t)
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Second tab")

	conn1 := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, conn1, protocol.TypeParticipantList)

	conn2 := dialWS(t, ts, cid, "alice")
	readFrameOfType(t, conn2, protocol.TypeParticipantList)

	// The first channel is retired with a close frame.
	_ = conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn1.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("expected a normal close on the old channel, got %v", err)
			}
			break
		}
	}

	// The replacement keeps working and the participant never went away.
	sendFrame(t, conn2, protocol.Inbound{Type: protocol.TypePing})
	readFrameOfType(t, conn2, protocol.TypePong)
	if !env.conns.IsOnline(cid, "alice") {
		t.Error("expected alice to stay online through the supersede")
	}
}

// scriptedAI is a deterministic AI participant: it streams fixed chunks
// and answers with their concatenation.
type scriptedAI struct {
	info   domain.Participant
	chunks []string
}

func (a *scriptedAI) Info() domain.Participant { return a.info }

func (a *scriptedAI) Process(ctx context.Context, msg *domain.Message, conv *participant.Context, sink participant.StreamSink) (*domain.Message, error) {
	for _, c := range a.chunks {
		if sink != nil {
			sink(c)
		}
	}
	return &domain.Message{
		ID:             id.NewMessage(),
		ConversationID: msg.ConversationID,
		Sender:         domain.Sender{ID: a.info.ID, DisplayName: a.info.DisplayName, Kind: domain.KindAI},
		Content:        strings.Join(a.chunks, ""),
		Kind:           domain.MessageKindAIResponse,
		Timestamp:      domain.Now(),
		Status:         domain.MessageStatusPending,
	}, nil
}

func TestWSAIStreamEndToEnd(t *testing.T) {
	assistant := domain.Participant{ID: "nlweb", DisplayName: "Assistant", Kind: domain.KindAI}
	scripted := &scriptedAI{info: assistant, chunks: []string{"Hel", "lo ", "there"}}
	env := buildEnv(t, envOptions{
		aiIdentity: &assistant,
		chatCfg: func(c *chat.Config) {
			c.Resolve = func(rec domain.Participant) participant.Participant {
				if rec.Kind == domain.KindAI {
					return scripted
				}
				return nil
			}
		},
	})
	ts := startWSServer(t, env)
	cid := env.createConversation(t, "alice", "Ask the assistant")

	conn := dialWS(t, ts, cid, "alice")
	list := readFrameOfType(t, conn, protocol.TypeParticipantList)
	entries, _ := list["participants"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected alice and the assistant in the roster, got %d entries", len(entries))
	}

	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeMessage, Content: "what is new"})

	// The ack, the chunk stream, and the final reply interleave; collect
	// until the reply lands.
	var (
		chunks  []string
		ackSeen bool
		reply   map[string]any
	)
	for reply == nil {
		m := readFrame(t, conn)
		switch m["type"] {
		case protocol.TypeMessageAck:
			ackSeen = true
		case protocol.TypeAIChunk:
			chunks = append(chunks, m["chunk"].(string))
			if m["participant_id"] != "nlweb" {
				t.Errorf("expected chunks attributed to nlweb, got %v", m["participant_id"])
			}
		case protocol.TypeMessage:
			if m["kind"] == domain.MessageKindAIResponse {
				reply = m
			}
		}
	}

	if !ackSeen {
		t.Error("expected a message_ack for the question")
	}
	if got := strings.Join(chunks, ""); got != "Hello there" {
		t.Errorf("expected the full stream 'Hello there', got %q", got)
	}
	if reply["content"] != "Hello there" {
		t.Errorf("expected reply content 'Hello there', got %v", reply["content"])
	}
	if reply["sequence_id"].(float64) != 2 {
		t.Errorf("expected the reply sequenced after the question, got %v", reply["sequence_id"])
	}
	sender, _ := reply["sender"].(map[string]any)
	if sender["id"] != "nlweb" || sender["kind"] != domain.KindAI {
		t.Errorf("unexpected reply sender: %v", sender)
	}
}
