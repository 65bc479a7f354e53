package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/longregen/parley/internal/encoding"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user id, or "" when the
// request never passed the auth middleware.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func SetUserIDInContext(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// respond writes data in the encoding the request negotiated.
func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if err := encoding.WriteNegotiated(w, r, status, data); err != nil {
		slog.Error("handlers: encode response", "path", r.URL.Path, "error", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, message string, status int) {
	respond(w, r, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
