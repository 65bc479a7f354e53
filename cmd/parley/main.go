package main

import (
	"fmt"
	"os"

	"github.com/longregen/parley/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - multi-participant chat server",
		Long: `Parley is a multi-participant chat server with an optional AI participant.
It sequences messages per conversation, fans them out over WebSocket, and
streams AI answers into the conversation as they are generated.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		chatCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Address:      %s\n", cfg.Addr())
			fmt.Printf("  Require Auth: %t\n", cfg.Server.RequireAuth)
			fmt.Printf("  Send Buffer:  %d\n", cfg.Server.SendBuffer)
			fmt.Printf("  Send Timeout: %s\n", cfg.Server.SendTimeout)
			fmt.Println()

			fmt.Println("Chat:")
			fmt.Printf("  Single Mode Timeout:  %d ms\n", cfg.Chat.SingleModeTimeoutMs)
			fmt.Printf("  Multi Mode Timeout:   %d ms\n", cfg.Chat.MultiModeTimeoutMs)
			fmt.Printf("  Queue Size Limit:     %d\n", cfg.Chat.QueueSizeLimit)
			fmt.Printf("  Max Participants:     %d\n", cfg.Chat.MaxParticipants)
			fmt.Printf("  Max Conversations:    %d per user\n", cfg.Chat.MaxUserConversations)
			fmt.Println()

			fmt.Println("AI:")
			fmt.Printf("  Enabled:         %t\n", cfg.AI.Enabled)
			fmt.Printf("  Timeout:         %ds\n", cfg.AI.TimeoutSeconds)
			fmt.Printf("  Human Context:   %d messages\n", cfg.AI.HumanMessagesContext)
			fmt.Printf("  AI Context:      %d messages\n", cfg.AI.NLWebMessagesContext)
			fmt.Println()

			fmt.Println("Engine:")
			fmt.Printf("  Base URL:        %s\n", cfg.Engine.BaseURL)
			fmt.Printf("  Model:           %s\n", cfg.Engine.Model)
			fmt.Printf("  Embedding Model: %s\n", cfg.Engine.EmbeddingModel)
			fmt.Printf("  Max Tokens:      %d\n", cfg.Engine.MaxTokens)
			fmt.Printf("  API Key:         %s\n", maskSecret(cfg.Engine.APIKey))
			fmt.Printf("  Status:          %s\n", boolStatus(cfg.IsEngineConfigured()))
			fmt.Println()

			fmt.Println("Cache:")
			fmt.Printf("  Max Conversations:             %d\n", cfg.Cache.MaxConversations)
			fmt.Printf("  Max Messages Per Conversation: %d\n", cfg.Cache.MaxMessagesPerConversation)
			fmt.Println()

			fmt.Println("Storage:")
			fmt.Printf("  Backend:     %s\n", cfg.Storage.Backend)
			fmt.Printf("  PostgreSQL:  %s\n", maskSecret(cfg.Storage.PostgresURL))
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  PARLEY_SERVER_HOST, PARLEY_SERVER_PORT, PARLEY_CORS_ORIGINS, PARLEY_REQUIRE_AUTH")
			fmt.Println("  PARLEY_SINGLE_MODE_TIMEOUT, PARLEY_MULTI_MODE_TIMEOUT, PARLEY_QUEUE_SIZE_LIMIT")
			fmt.Println("  PARLEY_MAX_PARTICIPANTS, PARLEY_MAX_USER_CONVERSATIONS")
			fmt.Println("  PARLEY_AI_ENABLED, PARLEY_AI_TIMEOUT_SECONDS, PARLEY_AI_HUMAN_MESSAGES_CONTEXT")
			fmt.Println("  PARLEY_ENGINE_BASE_URL, PARLEY_ENGINE_API_KEY, PARLEY_ENGINE_MODEL")
			fmt.Println("  PARLEY_STORAGE_BACKEND, PARLEY_POSTGRES_URL")
			fmt.Println("  PARLEY_LOG_FORMAT, PARLEY_LOG_LEVEL, PARLEY_OTEL_ENABLED")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Parley %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
