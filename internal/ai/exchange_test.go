package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/participant"
	"github.com/longregen/parley/internal/store"
)

type recordingExchangeStore struct {
	stored chan *domain.Exchange
	err    error
}

func newRecordingExchangeStore() *recordingExchangeStore {
	return &recordingExchangeStore{stored: make(chan *domain.Exchange, 4)}
}

func (s *recordingExchangeStore) StoreExchange(ctx context.Context, ex *domain.Exchange) error {
	s.stored <- ex
	return s.err
}

type staticEmbedder struct {
	vec []float32
	err error
}

func (e *staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, e.err
}

func awaitExchange(t *testing.T, s *recordingExchangeStore) *domain.Exchange {
	t.Helper()
	select {
	case ex := <-s.stored:
		return ex
	case <-time.After(2 * time.Second):
		t.Fatal("exchange was never stored")
		return nil
	}
}

func TestRecorderStoresSummaryAndEmbedding(t *testing.T) {
	st := newRecordingExchangeStore()
	r := NewRecorder(st, &staticEmbedder{vec: []float32{0.1, 0.2}})

	query := inboundMessage()
	rv := &ReturnValue{Content: []ContentItem{{Name: "Doc", Description: "found it"}}}
	r.Record(query, "nlweb", rv, "fallback text")

	ex := awaitExchange(t, st)
	assert.Equal(t, "conv_1", ex.ConversationID)
	assert.Equal(t, "nlweb", ex.ParticipantID)
	assert.Equal(t, query.Content, ex.Query)
	assert.Equal(t, "Doc: found it", ex.Summary, "structured content beats the fallback")
	assert.Equal(t, []float32{0.1, 0.2}, ex.Embedding)
	assert.NotEmpty(t, ex.ID)
	assert.False(t, ex.CreatedAt.IsZero())
}

func TestRecorderFallsBackToChunkText(t *testing.T) {
	st := newRecordingExchangeStore()
	r := NewRecorder(st, nil)

	r.Record(inboundMessage(), "nlweb", nil, "the concatenated chunks")

	ex := awaitExchange(t, st)
	assert.Equal(t, "the concatenated chunks", ex.Summary)
	assert.Nil(t, ex.Embedding)
}

func TestRecorderEmbedderFailureStillStores(t *testing.T) {
	st := newRecordingExchangeStore()
	r := NewRecorder(st, &staticEmbedder{err: errors.New("embedding service down")})

	r.Record(inboundMessage(), "nlweb", nil, "summary")

	ex := awaitExchange(t, st)
	assert.Equal(t, "summary", ex.Summary)
	assert.Nil(t, ex.Embedding, "vector is dropped, the exchange is not")
}

func TestAdapterExchangeHookIsBestEffort(t *testing.T) {
	// The store fails every write; the reply path must not notice.
	st := newRecordingExchangeStore()
	st.err = errors.New("disk full")

	h := &scriptedHandle{chunks: []string{"an answer"}}
	a := NewAdapter(scriptedFactory(h, nil), Config{Exchanges: NewRecorder(st, nil)})

	reply, err := a.Process(context.Background(), inboundMessage(), &participant.Context{}, nil)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "an answer", reply.Content)

	// The hook did run, detached from the reply path.
	ex := awaitExchange(t, st)
	assert.Equal(t, "an answer", ex.Summary)
}

func TestMemoryExchangesRoundTrip(t *testing.T) {
	mem := store.NewMemoryExchanges()
	r := NewRecorder(mem, nil)

	r.Record(inboundMessage(), "nlweb", nil, "first")
	r.Record(inboundMessage(), "nlweb", nil, "second")

	got := mem.Exchanges("conv_1")
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Summary)
	assert.Equal(t, "second", got[1].Summary)
}
