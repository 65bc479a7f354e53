package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/longregen/parley/internal/chat"
	"github.com/longregen/parley/internal/connection"
	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/participant"
	"github.com/longregen/parley/internal/protocol"
	"github.com/longregen/parley/internal/store"
)

const historyWindow = 100

type ConversationHandler struct {
	chat  *chat.Manager
	conns *connection.Manager
	store store.Store

	maxUserConversations int

	// aiIdentity is the assistant participant added on with_ai creates;
	// nil when no engine is configured.
	aiIdentity *domain.Participant
}

func NewConversationHandler(cm *chat.Manager, conns *connection.Manager, st store.Store, maxUserConversations int, aiIdentity *domain.Participant) *ConversationHandler {
	return &ConversationHandler{
		chat:                 cm,
		conns:                conns,
		store:                st,
		maxUserConversations: maxUserConversations,
		aiIdentity:           aiIdentity,
	}
}

// conversationResponse decorates the record with the channel endpoint a
// client connects to next.
type conversationResponse struct {
	*domain.Conversation
	ChannelURL string `json:"channel_url,omitempty"`
}

func channelURL(cid string) string {
	return "/ws/conversations/" + cid
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req struct {
		Title       string         `json:"title"`
		DisplayName string         `json:"display_name"`
		WithAI      *bool          `json:"with_ai"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	_, total, err := h.store.GetUserConversations(r.Context(), userID, 1, 0)
	if err != nil {
		respondError(w, r, "failed to create conversation", http.StatusInternalServerError)
		return
	}
	if h.maxUserConversations > 0 && total >= h.maxUserConversations {
		respondError(w, r, "conversation limit reached", http.StatusTooManyRequests)
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New conversation"
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = userID
	}

	participants := []domain.Participant{{
		ID:          userID,
		DisplayName: displayName,
		Kind:        domain.KindHuman,
		JoinedAt:    domain.Now(),
	}}
	withAI := h.aiIdentity != nil
	if req.WithAI != nil {
		withAI = *req.WithAI && h.aiIdentity != nil
	}
	if withAI {
		assistant := *h.aiIdentity
		assistant.JoinedAt = domain.Now()
		participants = append(participants, assistant)
	}

	conv, err := h.chat.CreateConversation(r.Context(), title, participants, req.Metadata)
	if err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			respondError(w, r, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		respondError(w, r, "failed to create conversation", http.StatusInternalServerError)
		return
	}

	respond(w, r, http.StatusCreated, conversationResponse{
		Conversation: conv,
		ChannelURL:   channelURL(conv.ID),
	})
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	limit := parseIntQuery(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	convs, total, err := h.store.GetUserConversations(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, r, "failed to list conversations", http.StatusInternalServerError)
		return
	}

	respond(w, r, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	cid := chi.URLParam(r, "id")

	// Non-members get the same answer as callers of unknown ids.
	member, err := h.store.IsParticipant(r.Context(), cid, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		respondError(w, r, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	if err != nil || !member {
		respondError(w, r, "conversation not found", http.StatusNotFound)
		return
	}

	conv, err := h.chat.GetConversation(r.Context(), cid)
	if err != nil {
		respondError(w, r, "conversation not found", http.StatusNotFound)
		return
	}
	messages, err := h.chat.History(r.Context(), cid, historyWindow)
	if err != nil {
		respondError(w, r, "failed to load messages", http.StatusInternalServerError)
		return
	}

	respond(w, r, http.StatusOK, struct {
		*domain.Conversation
		Messages []*domain.Message `json:"messages"`
	}{conv, messages})
}

func (h *ConversationHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	cid := chi.URLParam(r, "id")

	var req struct {
		DisplayName string `json:"display_name"`
	}
	// The body is optional; a bare POST joins with the user id as name.
	_ = json.NewDecoder(r.Body).Decode(&req)
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = userID
	}

	snap, err := h.chat.AddParticipant(r.Context(), cid, participant.NewHuman(userID, displayName))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownConversation):
			respondError(w, r, "conversation not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrAlreadyMember):
			respondError(w, r, "already a member", http.StatusConflict)
		case errors.Is(err, domain.ErrLimitExceeded):
			respondError(w, r, "participant limit reached", http.StatusTooManyRequests)
		case errors.Is(err, domain.ErrShuttingDown):
			respondError(w, r, "server is shutting down", http.StatusServiceUnavailable)
		default:
			respondError(w, r, "failed to join conversation", http.StatusInternalServerError)
		}
		return
	}

	for _, p := range snap.Participants {
		if p.ID == userID {
			h.conns.BroadcastToConversation(cid, protocol.NewParticipantJoined(cid, p, len(snap.Participants)))
			break
		}
	}

	respond(w, r, http.StatusOK, conversationResponse{
		Conversation: snap,
		ChannelURL:   channelURL(cid),
	})
}

func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	cid := chi.URLParam(r, "id")

	var left domain.Participant
	if conv, err := h.chat.GetConversation(r.Context(), cid); err == nil {
		for _, p := range conv.Participants {
			if p.ID == userID {
				left = p
				break
			}
		}
	}

	snap, err := h.chat.RemoveParticipant(r.Context(), cid, userID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownConversation), errors.Is(err, domain.ErrNotMember):
			respondError(w, r, "conversation not found", http.StatusNotFound)
		default:
			respondError(w, r, "failed to leave conversation", http.StatusInternalServerError)
		}
		return
	}

	h.conns.Disconnect(cid, userID, "left the conversation")
	h.conns.BroadcastToConversation(cid, protocol.NewParticipantLeft(cid, left, len(snap.Participants)))

	respond(w, r, http.StatusOK, map[string]any{
		"status":          "left",
		"conversation_id": cid,
	})
}
