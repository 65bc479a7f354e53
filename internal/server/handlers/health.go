package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/longregen/parley/internal/chat"
	"github.com/longregen/parley/internal/connection"
	"github.com/longregen/parley/internal/store"
)

type HealthHandler struct {
	chat  *chat.Manager
	conns *connection.Manager
	store store.Store
}

func NewHealthHandler(cm *chat.Manager, conns *connection.Manager, st store.Store) *HealthHandler {
	return &HealthHandler{chat: cm, conns: conns, store: st}
}

type healthResponse struct {
	Status        string         `json:"status"` // healthy, degraded
	Timestamp     time.Time      `json:"timestamp"`
	Connections   int            `json:"connections"`
	Conversations int            `json:"conversations"`
	QueueDepths   map[string]int `json:"queue_depths"`
	Storage       string         `json:"storage"`
}

// Health reports a live snapshot. A failing storage ping degrades the
// status but keeps the endpoint at 200: the server still serves
// connected clients from memory.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		Connections:   h.conns.ConnectionCount(),
		Conversations: h.chat.ConversationCount(),
		QueueDepths:   h.chat.QueueDepths(),
		Storage:       "healthy",
	}
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Storage = err.Error()
	}

	respond(w, r, http.StatusOK, resp)
}
