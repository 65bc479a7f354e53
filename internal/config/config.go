package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Chat    ChatConfig
	AI      AIConfig
	Engine  EngineConfig
	Cache   CacheConfig
	Storage StorageConfig
	Log     LogConfig
	Otel    OtelConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	RequireAuth    bool
	SendBuffer     int
	SendTimeout    time.Duration
}

type ChatConfig struct {
	// Advisory client input timeouts, published on the wire; the server
	// never gates processing on them.
	SingleModeTimeoutMs int
	MultiModeTimeoutMs  int

	QueueSizeLimit       int
	MaxParticipants      int
	MaxUserConversations int
}

type AIConfig struct {
	Enabled bool

	// Hard wall-clock ceiling for a single AI job, in seconds.
	TimeoutSeconds int

	// Context window: how many recent human messages and how many recent
	// AI responses the adapter hands to the engine.
	HumanMessagesContext int
	NLWebMessagesContext int
}

// EngineConfig points the OpenAI-compatible engine at a provider.
type EngineConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
}

type CacheConfig struct {
	MaxConversations           int
	MaxMessagesPerConversation int
}

type StorageConfig struct {
	Backend     string
	PostgresURL string
}

type LogConfig struct {
	Format string // text, json
	Level  string // debug, info, warn, error
}

type OtelConfig struct {
	Enabled     bool
	Environment string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           GetEnvWithFallback("PARLEY_SERVER_HOST", "HOST", "0.0.0.0"),
			Port:           GetEnvIntWithFallback("PARLEY_SERVER_PORT", "PORT", 8080),
			AllowedOrigins: GetEnvSlice("PARLEY_CORS_ORIGINS", []string{"*"}),
			RequireAuth:    GetEnvBool("PARLEY_REQUIRE_AUTH", false),
			SendBuffer:     GetEnvInt("PARLEY_SEND_BUFFER", 64),
			SendTimeout:    GetEnvDuration("PARLEY_SEND_TIMEOUT", 5*time.Second),
		},
		Chat: ChatConfig{
			SingleModeTimeoutMs:  GetEnvInt("PARLEY_SINGLE_MODE_TIMEOUT", 100),
			MultiModeTimeoutMs:   GetEnvInt("PARLEY_MULTI_MODE_TIMEOUT", 2000),
			QueueSizeLimit:       GetEnvInt("PARLEY_QUEUE_SIZE_LIMIT", 1000),
			MaxParticipants:      GetEnvInt("PARLEY_MAX_PARTICIPANTS", 100),
			MaxUserConversations: GetEnvInt("PARLEY_MAX_USER_CONVERSATIONS", 50),
		},
		AI: AIConfig{
			Enabled:              GetEnvBool("PARLEY_AI_ENABLED", true),
			TimeoutSeconds:       GetEnvInt("PARLEY_AI_TIMEOUT_SECONDS", 20),
			HumanMessagesContext: GetEnvInt("PARLEY_AI_HUMAN_MESSAGES_CONTEXT", 5),
			NLWebMessagesContext: GetEnvInt("PARLEY_AI_NLWEB_MESSAGES_CONTEXT", 1),
		},
		Engine: EngineConfig{
			BaseURL:        GetEnvWithFallback("PARLEY_ENGINE_BASE_URL", "OPENAI_BASE_URL", ""),
			APIKey:         GetEnvWithFallback("PARLEY_ENGINE_API_KEY", "OPENAI_API_KEY", ""),
			Model:          GetEnv("PARLEY_ENGINE_MODEL", "gpt-4o-mini"),
			EmbeddingModel: GetEnv("PARLEY_ENGINE_EMBEDDING_MODEL", "text-embedding-3-small"),
			MaxTokens:      GetEnvInt("PARLEY_ENGINE_MAX_TOKENS", 1024),
		},
		Cache: CacheConfig{
			MaxConversations:           GetEnvInt("PARLEY_CACHE_MAX_CONVERSATIONS", 10),
			MaxMessagesPerConversation: GetEnvInt("PARLEY_CACHE_MAX_MESSAGES_PER_CONVERSATION", 100),
		},
		Storage: StorageConfig{
			Backend:     GetEnv("PARLEY_STORAGE_BACKEND", "memory"),
			PostgresURL: GetEnvWithFallback("PARLEY_POSTGRES_URL", "DATABASE_URL", "postgres://localhost:5432/parley?sslmode=disable"),
		},
		Log: LogConfig{
			Format: GetEnv("PARLEY_LOG_FORMAT", "text"),
			Level:  GetEnv("PARLEY_LOG_LEVEL", "info"),
		},
		Otel: OtelConfig{
			Enabled:     GetEnvBool("PARLEY_OTEL_ENABLED", false),
			Environment: GetEnvWithFallback("PARLEY_ENVIRONMENT", "ENVIRONMENT", "development"),
		},
	}
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AITimeout returns the per-job ceiling as a duration.
func (c *AIConfig) AITimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IsEngineConfigured reports whether an external engine endpoint is set.
func (c *Config) IsEngineConfigured() bool {
	return c.Engine.BaseURL != "" || c.Engine.APIKey != ""
}
