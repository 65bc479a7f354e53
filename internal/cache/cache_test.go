package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longregen/parley/internal/domain"
)

func conv(id string) *domain.Conversation {
	now := domain.Now()
	return &domain.Conversation{
		ID:     id,
		Title:  "cached",
		Status: domain.ConversationStatusActive,
		Mode:   domain.ModeSingle,
		Participants: []domain.Participant{
			{ID: "usr_alice", DisplayName: "Alice", Kind: domain.KindHuman, JoinedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func msg(cid string, seq int64) *domain.Message {
	return &domain.Message{
		ID:             fmt.Sprintf("msg_%s_%d", cid, seq),
		ConversationID: cid,
		SequenceID:     seq,
		Sender:         domain.Sender{ID: "usr_alice", DisplayName: "Alice", Kind: domain.KindHuman},
		Content:        fmt.Sprintf("message %d", seq),
		Kind:           domain.MessageKindText,
		Timestamp:      domain.Now(),
		Status:         domain.MessageStatusDelivered,
	}
}

func seqs(msgs []*domain.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.SequenceID
	}
	return out
}

func TestCacheMessageWindow(t *testing.T) {
	t.Run("extends in sequence order", func(t *testing.T) {
		c := New(10, 100)
		c.PutConversation(conv("conv_a"))
		for seq := int64(1); seq <= 3; seq++ {
			c.AddMessage(msg("conv_a", seq))
		}

		got, ok := c.GetMessages("conv_a", 0)
		require.True(t, ok)
		assert.Equal(t, []int64{1, 2, 3}, seqs(got))
	})

	t.Run("stale sequence ignored", func(t *testing.T) {
		c := New(10, 100)
		c.PutConversation(conv("conv_a"))
		c.AddMessage(msg("conv_a", 1))
		c.AddMessage(msg("conv_a", 2))
		c.AddMessage(msg("conv_a", 2))
		c.AddMessage(msg("conv_a", 1))

		got, ok := c.GetMessages("conv_a", 0)
		require.True(t, ok)
		assert.Equal(t, []int64{1, 2}, seqs(got))
	})

	t.Run("gap restarts the window", func(t *testing.T) {
		c := New(10, 100)
		c.PutConversation(conv("conv_a"))
		c.AddMessage(msg("conv_a", 1))
		c.AddMessage(msg("conv_a", 2))
		c.AddMessage(msg("conv_a", 7))

		got, ok := c.GetMessages("conv_a", 0)
		require.True(t, ok)
		assert.Equal(t, []int64{7}, seqs(got))
		assert.Equal(t, int64(1), c.Stats().TotalCachedMessages)
	})

	t.Run("per-conversation cap drops the oldest", func(t *testing.T) {
		c := New(10, 3)
		c.PutConversation(conv("conv_a"))
		for seq := int64(1); seq <= 5; seq++ {
			c.AddMessage(msg("conv_a", seq))
		}

		got, ok := c.GetMessages("conv_a", 0)
		require.True(t, ok)
		assert.Equal(t, []int64{3, 4, 5}, seqs(got))
		assert.Equal(t, int64(3), c.Stats().TotalCachedMessages)
	})

	t.Run("limit returns the newest", func(t *testing.T) {
		c := New(10, 100)
		c.PutConversation(conv("conv_a"))
		for seq := int64(1); seq <= 5; seq++ {
			c.AddMessage(msg("conv_a", seq))
		}

		got, ok := c.GetMessages("conv_a", 2)
		require.True(t, ok)
		assert.Equal(t, []int64{4, 5}, seqs(got))
	})

	t.Run("uncached conversation is a no-op", func(t *testing.T) {
		c := New(10, 100)
		c.AddMessage(msg("conv_ghost", 1))

		_, ok := c.GetMessages("conv_ghost", 0)
		assert.False(t, ok)
	})
}

func TestCacheConversationEviction(t *testing.T) {
	c := New(2, 100)
	c.PutConversation(conv("conv_a"))
	c.AddMessage(msg("conv_a", 1))
	c.AddMessage(msg("conv_a", 2))
	c.PutConversation(conv("conv_b"))
	c.AddMessage(msg("conv_b", 1))

	// Third conversation evicts the least recently used one wholesale,
	// snapshot and messages together.
	c.PutConversation(conv("conv_c"))

	_, ok := c.GetConversation("conv_a")
	assert.False(t, ok, "evicted conversation still cached")
	_, ok = c.GetMessages("conv_a", 0)
	assert.False(t, ok, "evicted conversation messages still cached")

	st := c.Stats()
	assert.Equal(t, 2, st.CachedConversations)
	assert.Equal(t, int64(1), st.TotalCachedMessages)
}

func TestCacheLRUOrderOnAccess(t *testing.T) {
	c := New(2, 100)
	c.PutConversation(conv("conv_a"))
	c.PutConversation(conv("conv_b"))

	// Touch conv_a so conv_b becomes the eviction candidate.
	_, ok := c.GetConversation("conv_a")
	require.True(t, ok)

	c.PutConversation(conv("conv_c"))

	_, ok = c.GetConversation("conv_a")
	assert.True(t, ok, "recently used conversation was evicted")
	_, ok = c.GetConversation("conv_b")
	assert.False(t, ok, "least recently used conversation survived")
}

func TestCacheStats(t *testing.T) {
	c := New(10, 100)
	c.PutConversation(conv("conv_a"))

	_, ok := c.GetConversation("conv_a")
	require.True(t, ok)
	_, ok = c.GetConversation("conv_missing")
	require.False(t, ok)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}

func TestCacheInvalidate(t *testing.T) {
	c := New(10, 100)
	c.PutConversation(conv("conv_a"))
	c.AddMessage(msg("conv_a", 1))

	c.Invalidate("conv_a")

	_, ok := c.GetConversation("conv_a")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().TotalCachedMessages)
}

func TestCachePutRefreshKeepsWindow(t *testing.T) {
	c := New(10, 100)
	c.PutConversation(conv("conv_a"))
	c.AddMessage(msg("conv_a", 1))
	c.AddMessage(msg("conv_a", 2))

	refreshed := conv("conv_a")
	refreshed.Title = "renamed"
	c.PutConversation(refreshed)

	got, ok := c.GetConversation("conv_a")
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Title)

	window, ok := c.GetMessages("conv_a", 0)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, seqs(window))
}

func TestCacheParallelAccess(t *testing.T) {
	c := New(4, 50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			cid := fmt.Sprintf("conv_%d", w%4)
			c.PutConversation(conv(cid))
			for seq := int64(1); seq <= 20; seq++ {
				c.AddMessage(msg(cid, seq))
				c.GetMessages(cid, 10)
				c.GetConversation(cid)
			}
		}(w)
	}
	wg.Wait()

	// Windows must stay contiguous whatever the interleaving.
	for w := 0; w < 4; w++ {
		got, ok := c.GetMessages(fmt.Sprintf("conv_%d", w), 0)
		if !ok {
			continue
		}
		for i := 1; i < len(got); i++ {
			assert.Equal(t, got[i-1].SequenceID+1, got[i].SequenceID, "gap inside cached window")
		}
	}
}
