// Package ai bridges an external query engine into the participant
// abstraction: history context, streaming, the hard per-job timeout,
// and the best-effort exchange hook.
package ai

import (
	"context"
	"strings"

	"github.com/longregen/parley/internal/domain"
)

// Well-known engine parameter keys. Anything else in an EngineRequest's
// Extra map is forwarded verbatim.
const (
	ParamQuery          = "query"
	ParamPrev           = "prev"
	ParamUserID         = "user_id"
	ParamConversationID = "conversation_id"
	ParamStreaming      = "streaming"
)

// QueryParams is the multi-valued parameter bag an engine factory
// receives. Every key maps to a list of values.
type QueryParams map[string][]any

// ChunkSink receives response chunks as the engine produces them.
type ChunkSink func(chunk string)

// Factory constructs a handle for one engine invocation.
type Factory func(params QueryParams, sink ChunkSink) (Handle, error)

// Handle is one in-flight engine invocation.
type Handle interface {
	// Run executes the query, forwarding chunks to the sink, and returns
	// when the engine is done. Implementations honor ctx cancellation.
	Run(ctx context.Context) error

	// Messages returns message-shaped records the engine produced, if
	// any. Valid after Run returns.
	Messages() []domain.Message

	// ReturnValue returns the engine's structured result, or nil when it
	// produced none. Valid after Run returns.
	ReturnValue() *ReturnValue
}

// ReturnValue is an engine's structured result.
type ReturnValue struct {
	Content []ContentItem `json:"content"`
}

// ContentItem is one structured result entry.
type ContentItem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Render flattens the structured content into display text, one item
// per line. Safe on a nil receiver.
func (rv *ReturnValue) Render() string {
	if rv == nil {
		return ""
	}
	var b strings.Builder
	for _, item := range rv.Content {
		line := item.Description
		switch {
		case item.Name != "" && item.Description != "":
			line = item.Name + ": " + item.Description
		case item.Name != "":
			line = item.Name
		}
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

// PrevQuery is one history entry handed to the engine. ParticipantID
// attributes the entry so the engine can tell multiple humans apart.
type PrevQuery struct {
	QueryText     string `json:"query_text"`
	ParticipantID string `json:"participant_id"`
	TimestampISO  string `json:"timestamp_iso"`
}

// EngineRequest is the typed engine input the adapter assembles. Params
// flattens it into the multi-valued map of the factory contract.
type EngineRequest struct {
	Query          string
	Prev           []PrevQuery
	UserID         string
	ConversationID string
	Streaming      bool

	// Extra carries unrecognized inbound metadata through unchanged.
	Extra map[string]any
}

// Params converts the request into the factory's parameter map. Known
// fields take the well-known keys; Extra entries never override them.
func (r *EngineRequest) Params() QueryParams {
	p := QueryParams{
		ParamQuery:          {r.Query},
		ParamUserID:         {r.UserID},
		ParamConversationID: {r.ConversationID},
		ParamStreaming:      {r.Streaming},
	}
	prev := make([]any, len(r.Prev))
	for i, q := range r.Prev {
		prev[i] = q
	}
	p[ParamPrev] = prev
	for k, v := range r.Extra {
		if _, known := p[k]; known {
			continue
		}
		if list, ok := v.([]any); ok {
			p[k] = list
		} else {
			p[k] = []any{v}
		}
	}
	return p
}

// FirstString returns the first value under key when it is a string.
func (p QueryParams) FirstString(key string) string {
	vs := p[key]
	if len(vs) == 0 {
		return ""
	}
	s, _ := vs[0].(string)
	return s
}

// FirstBool returns the first value under key when it is a bool.
func (p QueryParams) FirstBool(key string) bool {
	vs := p[key]
	if len(vs) == 0 {
		return false
	}
	b, _ := vs[0].(bool)
	return b
}

// PrevQueries decodes the prev list back into typed entries.
func (p QueryParams) PrevQueries() []PrevQuery {
	vs := p[ParamPrev]
	out := make([]PrevQuery, 0, len(vs))
	for _, v := range vs {
		if q, ok := v.(PrevQuery); ok {
			out = append(out, q)
		}
	}
	return out
}
