package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/longregen/parley/internal/domain"
)

const systemPrompt = "You are a helpful assistant in a group conversation. " +
	"Earlier messages are attributed to their authors; address people by name when it matters. " +
	"Respond concisely."

type engineConfig struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	maxTokens      int
	assistantID    string
	httpClient     *http.Client
}

// EngineOption configures the OpenAI-compatible engine.
type EngineOption func(*engineConfig)

// WithModel sets the chat completion model.
func WithModel(model string) EngineOption {
	return func(c *engineConfig) { c.model = model }
}

// WithEmbeddingModel sets the embedding model. Empty disables Embed.
func WithEmbeddingModel(model string) EngineOption {
	return func(c *engineConfig) { c.embeddingModel = model }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) EngineOption {
	return func(c *engineConfig) { c.maxTokens = n }
}

// WithAssistantID names the participant whose history entries map to
// the assistant role.
func WithAssistantID(pid string) EngineOption {
	return func(c *engineConfig) { c.assistantID = pid }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) EngineOption {
	return func(c *engineConfig) { c.httpClient = client }
}

// Engine is the production query engine: streaming chat completions
// against any OpenAI-compatible endpoint, plus embeddings for the
// exchange recorder. Engine.New satisfies the Factory contract.
type Engine struct {
	client         *openai.Client
	model          string
	embeddingModel string
	maxTokens      int
	assistantID    string
}

var _ Embedder = (*Engine)(nil)

// NewEngine builds an engine. baseURL is the full API base, e.g.
// "https://api.openai.com/v1"; empty keeps the client default.
func NewEngine(baseURL, apiKey string, opts ...EngineOption) *Engine {
	cfg := &engineConfig{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		model:       "gpt-4o-mini",
		maxTokens:   1024,
		assistantID: DefaultIdentity.ID,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	oc := openai.DefaultConfig(cfg.apiKey)
	if cfg.baseURL != "" {
		oc.BaseURL = cfg.baseURL
	}
	if cfg.httpClient != nil {
		oc.HTTPClient = cfg.httpClient
	}

	return &Engine{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.model,
		embeddingModel: cfg.embeddingModel,
		maxTokens:      cfg.maxTokens,
		assistantID:    cfg.assistantID,
	}
}

// New is the Factory for this engine.
func (e *Engine) New(params QueryParams, sink ChunkSink) (Handle, error) {
	if params.FirstString(ParamQuery) == "" {
		return nil, errors.New("missing query parameter")
	}
	return &completionHandle{engine: e, params: params, sink: sink}, nil
}

// completionHandle is one streaming chat completion.
type completionHandle struct {
	engine *Engine
	params QueryParams
	sink   ChunkSink

	mu       sync.Mutex
	messages []domain.Message
}

func (h *completionHandle) Run(ctx context.Context) error {
	req := openai.ChatCompletionRequest{
		Model:     h.engine.model,
		Messages:  h.prompt(),
		MaxTokens: h.engine.maxTokens,
		Stream:    true,
	}

	stream, err := h.engine.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if h.sink != nil {
			h.sink(delta)
		}
	}

	if content := b.String(); content != "" {
		h.mu.Lock()
		h.messages = append(h.messages, domain.Message{
			ConversationID: h.params.FirstString(ParamConversationID),
			Sender:         domain.Sender{ID: h.engine.assistantID, Kind: domain.KindAI},
			Content:        content,
			Kind:           domain.MessageKindAIResponse,
			Timestamp:      domain.Now(),
		})
		h.mu.Unlock()
	}
	return nil
}

// prompt renders the parameter bag as a chat transcript. History
// entries from the assistant participant take the assistant role;
// everything else is a named user turn.
func (h *completionHandle) prompt() []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	}}
	for _, q := range h.params.PrevQueries() {
		m := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: q.QueryText,
			Name:    q.ParticipantID,
		}
		if q.ParticipantID == h.engine.assistantID {
			m.Role = openai.ChatMessageRoleAssistant
			m.Name = ""
		}
		msgs = append(msgs, m)
	}
	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: h.params.FirstString(ParamQuery),
		Name:    h.params.FirstString(ParamUserID),
	})
}

func (h *completionHandle) Messages() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages
}

// ReturnValue is nil for chat completions: the transcript is the whole
// result, so the adapter's chunk concatenation is authoritative.
func (h *completionHandle) ReturnValue() *ReturnValue { return nil }

// Embed implements Embedder for the exchange recorder.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.embeddingModel == "" {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.embeddingModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("create embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}
