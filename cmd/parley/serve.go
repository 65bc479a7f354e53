package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/longregen/parley/internal/ai"
	"github.com/longregen/parley/internal/cache"
	"github.com/longregen/parley/internal/chat"
	"github.com/longregen/parley/internal/connection"
	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/logging"
	"github.com/longregen/parley/internal/participant"
	"github.com/longregen/parley/internal/server"
	"github.com/longregen/parley/internal/store"
	"github.com/longregen/parley/internal/tracing"
)

// serveCmd starts the chat server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the Parley chat server.

The server provides REST endpoints for conversation lifecycle and a
WebSocket endpoint per conversation for real-time messaging.

Optional configuration:
  - PostgreSQL persistence (PARLEY_STORAGE_BACKEND=postgres, PARLEY_POSTGRES_URL)
  - AI participant (PARLEY_ENGINE_BASE_URL or PARLEY_ENGINE_API_KEY)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the chat server
func runServer(ctx context.Context) error {
	logging.Setup(cfg.Log.Format, cfg.Log.Level)

	log.Println("Starting Parley chat server...")
	log.Printf("  HTTP:     http://%s", cfg.Addr())
	log.Printf("  Storage:  %s", cfg.Storage.Backend)
	if cfg.AI.Enabled && cfg.IsEngineConfigured() {
		log.Printf("  Engine:   %s (%s)", cfg.Engine.BaseURL, cfg.Engine.Model)
	}
	log.Println()

	// Initialize OpenTelemetry tracing
	if cfg.Otel.Enabled {
		log.Println("Initializing OpenTelemetry tracing...")
		shutdown, err := tracing.InitTracer("parley")
		if err != nil {
			log.Printf("Warning: Failed to initialize tracing: %v", err)
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error shutting down tracer: %v", err)
				}
			}()
			log.Println("OpenTelemetry tracing initialized")
		}
	}

	// Open the storage backend
	st, err := store.Open(ctx, store.Config{
		Backend:        cfg.Storage.Backend,
		PostgresURL:    cfg.Storage.PostgresURL,
		QueueSizeLimit: cfg.Chat.QueueSizeLimit,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	if pg, ok := st.(*store.Postgres); ok {
		log.Println("Connecting to PostgreSQL...")
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		if err := pg.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		log.Println("Database connection established")
	}

	// Message cache in front of the store
	msgCache := cache.New(cfg.Cache.MaxConversations, cfg.Cache.MaxMessagesPerConversation)

	// Initialize the AI participant (optional)
	var (
		adapter    *ai.Adapter
		aiIdentity *domain.Participant
	)
	if cfg.AI.Enabled && cfg.IsEngineConfigured() {
		engine := ai.NewEngine(cfg.Engine.BaseURL, cfg.Engine.APIKey,
			ai.WithModel(cfg.Engine.Model),
			ai.WithEmbeddingModel(cfg.Engine.EmbeddingModel),
			ai.WithMaxTokens(cfg.Engine.MaxTokens),
		)

		var exchanges store.ExchangeStore = store.NewMemoryExchanges()
		if pg, ok := st.(*store.Postgres); ok {
			exchanges = pg
		}

		adapter = ai.NewAdapter(engine.New, ai.Config{
			Timeout:       cfg.AI.AITimeout(),
			HumanMessages: cfg.AI.HumanMessagesContext,
			AIMessages:    cfg.AI.NLWebMessagesContext,
			Exchanges:     ai.NewRecorder(exchanges, engine),
		})
		identity := adapter.Info()
		aiIdentity = &identity
		log.Printf("AI participant initialized: %s (%s)", identity.DisplayName, identity.ID)
	} else {
		log.Println("AI engine not configured - conversations run without an AI participant")
	}

	// resolver rebinds stored participant records to live capabilities
	// after a restart. The AI record maps back onto the adapter; human
	// records fall through to the manager's default.
	resolver := func(rec domain.Participant) participant.Participant {
		if adapter != nil && rec.Kind == domain.KindAI && rec.ID == adapter.Info().ID {
			return adapter
		}
		return nil
	}

	// Conversation manager and connection registry
	chatMgr := chat.NewManager(st, msgCache, chat.Config{
		QueueSizeLimit:      cfg.Chat.QueueSizeLimit,
		MaxParticipants:     cfg.Chat.MaxParticipants,
		SingleModeTimeoutMs: cfg.Chat.SingleModeTimeoutMs,
		MultiModeTimeoutMs:  cfg.Chat.MultiModeTimeoutMs,
		Resolve:             resolver,
	})
	conns := connection.NewManager(connection.Config{
		SendBuffer:   cfg.Server.SendBuffer,
		WriteTimeout: cfg.Server.SendTimeout,
	})

	// Fan-out flows chat -> connections; delivery failures flow back.
	chatMgr.SetBroadcaster(conns)
	conns.SetFailureHandler(chatMgr.RecordDeliveryFailure)
	log.Println("Conversation manager initialized")

	// Create HTTP server
	srv := server.New(cfg, server.Deps{
		Store:      st,
		Chat:       chatMgr,
		Conns:      conns,
		AIIdentity: aiIdentity,
	})

	// Channel to listen for errors from the server
	serverErrors := make(chan error, 1)

	go func() {
		log.Printf("HTTP server listening on %s", cfg.Addr())
		serverErrors <- srv.Start()
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Stop accepting work, then drain in dependency order: chat
		// first so pending persists land, connections next so clients
		// get close frames, the HTTP listener last.
		if err := chatMgr.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: chat shutdown: %v", err)
		}
		if err := conns.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: connection shutdown: %v", err)
		}
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		log.Println("Server stopped")
		return nil
	}
}
