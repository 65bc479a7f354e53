package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/longregen/parley/internal/chat"
	"github.com/longregen/parley/internal/config"
	"github.com/longregen/parley/internal/connection"
	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/id"
	"github.com/longregen/parley/internal/protocol"
	"github.com/longregen/parley/internal/server/handlers"
	"github.com/longregen/parley/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	// Processing is detached from the read loop so an accepted message
	// survives the client disconnecting right after sending it.
	processTimeout = 30 * time.Second
	catchupTimeout = 15 * time.Second

	historyCatchupLimit = 100
)

// wsSink adapts a gorilla connection to the connection manager's Sink.
// The mutex serializes the writer goroutine against close calls; gorilla
// connections allow only one concurrent writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) WriteMessage(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return s.conn.Close()
}

type WSHandler struct {
	cfg      *config.Config
	chat     *chat.Manager
	conns    *connection.Manager
	store    store.Store
	upgrader websocket.Upgrader
}

func NewWSHandler(cfg *config.Config, cm *chat.Manager, conns *connection.Manager, st store.Store) *WSHandler {
	h := &WSHandler{cfg: cfg, chat: cm, conns: conns, store: st}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}
	for _, o := range h.cfg.Server.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades /ws/conversations/{id}. Membership is checked
// before the upgrade; non-members get the same 404 as callers of
// unknown conversations.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid := handlers.UserIDFromContext(r.Context())
	cid := chi.URLParam(r, "id")

	member, err := h.store.IsParticipant(r.Context(), cid, uid)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if err != nil || !member {
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
		return
	}

	conv, err := h.chat.GetConversation(r.Context(), cid)
	if err != nil {
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
		return
	}
	self := h.selfRecord(conv, uid, r.URL.Query().Get("display_name"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "conversation_id", cid, "error", err)
		return
	}
	sink := &wsSink{conn: conn}

	release, err := h.conns.AddConnection(cid, uid, sink)
	if err != nil {
		_ = sink.Close(websocket.CloseGoingAway, "server is shutting down")
		return
	}
	slog.Info("ws: connected", "conversation_id", cid, "participant_id", uid)

	h.sendCatchup(cid, uid, conv)
	h.conns.BroadcastMessage(cid, protocol.NewParticipantJoined(cid, self, len(conv.Participants)), uid)

	h.readLoop(conn, cid, domain.Sender{ID: uid, DisplayName: self.DisplayName, Kind: domain.KindHuman})

	release()
	// A replacement connection keeps the participant present; only the
	// last channel going away announces the departure.
	if !h.conns.IsOnline(cid, uid) {
		if current, err := h.chat.GetConversation(context.Background(), cid); err == nil && current.HasParticipant(uid) {
			h.conns.BroadcastToConversation(cid, protocol.NewParticipantLeft(cid, self, len(current.Participants)))
		}
	}
	_ = conn.Close()
	slog.Info("ws: disconnected", "conversation_id", cid, "participant_id", uid)
}

// selfRecord finds the caller's membership record; the display_name
// query parameter fills in for records without one.
func (h *WSHandler) selfRecord(conv *domain.Conversation, uid, queryName string) domain.Participant {
	for _, p := range conv.Participants {
		if p.ID == uid {
			if p.DisplayName == "" {
				if queryName != "" {
					p.DisplayName = queryName
				} else {
					p.DisplayName = uid
				}
			}
			return p
		}
	}
	name := queryName
	if name == "" {
		name = uid
	}
	return domain.Participant{ID: uid, DisplayName: name, Kind: domain.KindHuman, JoinedAt: domain.Now()}
}

// sendCatchup queues the greeting sequence on the new channel:
// connected, the participant roster, then recent history ascending.
// Everything rides the channel's own queue, so later broadcasts stay
// ordered behind the catch-up.
func (h *WSHandler) sendCatchup(cid, uid string, conv *domain.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), catchupTimeout)
	defer cancel()

	timeoutMs := h.chat.InputTimeoutMs(conv.Mode)
	if err := h.conns.SendTo(ctx, cid, uid, protocol.NewConnected(cid, uid, conv.Mode, timeoutMs)); err != nil {
		slog.Debug("ws: send connected", "conversation_id", cid, "participant_id", uid, "error", err)
		return
	}

	entries := make([]protocol.ParticipantEntry, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		online := p.Kind == domain.KindAI || h.conns.IsOnline(cid, p.ID)
		entries = append(entries, protocol.ParticipantEntry{Participant: p, IsOnline: online})
	}
	if err := h.conns.SendTo(ctx, cid, uid, protocol.NewParticipantList(cid, entries)); err != nil {
		slog.Debug("ws: send participant list", "conversation_id", cid, "participant_id", uid, "error", err)
		return
	}

	history, err := h.chat.History(ctx, cid, historyCatchupLimit)
	if err != nil {
		slog.Warn("ws: load catch-up history", "conversation_id", cid, "error", err)
		return
	}
	for _, m := range history {
		if err := h.conns.SendTo(ctx, cid, uid, protocol.NewMessageFrame(m)); err != nil {
			slog.Debug("ws: send catch-up", "conversation_id", cid, "participant_id", uid, "error", err)
			return
		}
	}
}

func (h *WSHandler) readLoop(conn *websocket.Conn, cid string, sender domain.Sender) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws: read error", "conversation_id", cid, "participant_id", sender.ID, "error", err)
			}
			return
		}

		in, err := protocol.ParseInbound(data)
		if err != nil {
			h.sendFrame(cid, sender.ID, protocol.NewErrorFrame(protocol.ErrCodeInvalidJSON, err.Error(), 0))
			continue
		}

		switch in.Type {
		case protocol.TypePing:
			h.sendFrame(cid, sender.ID, protocol.NewPong())
		case protocol.TypeMessage:
			h.handleMessage(cid, sender, in)
		}
	}
}

func (h *WSHandler) handleMessage(cid string, sender domain.Sender, in *protocol.Inbound) {
	if err := domain.ValidateContent(in.Content); err != nil {
		h.sendFrame(cid, sender.ID, protocol.ErrorFrameFor(err))
		return
	}

	msg := &domain.Message{
		ID:             id.NewMessage(),
		ConversationID: cid,
		Sender:         sender,
		Content:        in.Content,
		Kind:           domain.MessageKindText,
		Timestamp:      domain.Now(),
		Metadata:       inboundMetadata(in),
	}

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()
	out, err := h.chat.ProcessMessage(ctx, msg)
	if err != nil {
		h.sendFrame(cid, sender.ID, protocol.ErrorFrameFor(err))
		return
	}
	h.sendFrame(cid, sender.ID, protocol.NewMessageAck(out.ID, out.SequenceID))
}

// inboundMetadata folds the frame's engine hints into the message
// metadata the AI adapter forwards as request parameters.
func inboundMetadata(in *protocol.Inbound) map[string]any {
	if len(in.Sites) == 0 && in.Mode == "" && len(in.Metadata) == 0 {
		return nil
	}
	md := make(map[string]any, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		md[k] = v
	}
	if len(in.Sites) > 0 {
		md["sites"] = in.Sites
	}
	if in.Mode != "" {
		md["mode"] = in.Mode
	}
	return md
}

func (h *WSHandler) sendFrame(cid, pid string, frame any) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.SendTimeout)
	defer cancel()
	if err := h.conns.SendTo(ctx, cid, pid, frame); err != nil {
		slog.Debug("ws: send frame", "conversation_id", cid, "participant_id", pid, "error", err)
	}
}
