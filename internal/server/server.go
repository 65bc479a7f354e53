// Package server assembles the HTTP surface: the lifecycle REST API,
// the health and metrics endpoints, and the WebSocket message channel.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/longregen/parley/internal/chat"
	"github.com/longregen/parley/internal/config"
	"github.com/longregen/parley/internal/connection"
	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/server/handlers"
	"github.com/longregen/parley/internal/store"
	"github.com/longregen/parley/internal/tracing"
)

const readTimeout = 30 * time.Second

// Deps are the assembled core components the HTTP surface fronts.
type Deps struct {
	Store store.Store
	Chat  *chat.Manager
	Conns *connection.Manager

	// AIIdentity is the assistant added to with_ai conversations; nil
	// when no engine is configured.
	AIIdentity *domain.Participant
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
}

func New(cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	if cfg.Otel.Enabled {
		router.Use(tracing.Middleware("parley"))
	}
	router.Use(Recovery)
	router.Use(Logger)
	router.Use(CORS(cfg.Server.AllowedOrigins))

	healthH := handlers.NewHealthHandler(deps.Chat, deps.Conns, deps.Store)
	router.Get("/health", healthH.Health)
	router.Handle("/metrics", promhttp.Handler())

	auth := AuthWithConfig(AuthConfig{RequireAuth: cfg.Server.RequireAuth})

	wsH := NewWSHandler(cfg, deps.Chat, deps.Conns, deps.Store)
	router.With(auth).Get("/ws/conversations/{id}", wsH.ServeHTTP)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)

		convH := handlers.NewConversationHandler(deps.Chat, deps.Conns, deps.Store, cfg.Chat.MaxUserConversations, deps.AIIdentity)
		r.Post("/conversations", convH.Create)
		r.Get("/conversations", convH.List)
		r.Get("/conversations/{id}", convH.Get)
		r.Post("/conversations/{id}/join", convH.Join)
		r.Delete("/conversations/{id}/leave", convH.Leave)
	})

	return &Server{cfg: cfg, router: router}
}

// Router exposes the assembled handler, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.cfg.Addr(),
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// No write timeout: the message channel stays open indefinitely.
		WriteTimeout: 0,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
