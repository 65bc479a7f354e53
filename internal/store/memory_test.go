package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/id"
)

func newTestConversation(id string, participants ...domain.Participant) *domain.Conversation {
	now := domain.Now()
	return &domain.Conversation{
		ID:           id,
		Title:        "Test Conversation",
		Status:       domain.ConversationStatusActive,
		Mode:         domain.ModeSingle,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func human(id, name string) domain.Participant {
	return domain.Participant{ID: id, DisplayName: name, Kind: domain.KindHuman, JoinedAt: domain.Now()}
}

func newTestMessage(convID, msgID string, seq int64, content string) *domain.Message {
	return &domain.Message{
		ID:             msgID,
		ConversationID: convID,
		SequenceID:     seq,
		Sender:         domain.Sender{ID: "usr_alice", DisplayName: "Alice", Kind: domain.KindHuman},
		Content:        content,
		Kind:           domain.MessageKindText,
		Timestamp:      domain.Now(),
		Status:         domain.MessageStatusDelivered,
	}
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	conv := newTestConversation(id.NewConversation(), human("usr_alice", "Alice"))

	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// Creating the same id again is a conflict.
	if err := s.CreateConversation(ctx, conv); err != domain.ErrConflict {
		t.Errorf("expected ErrConflict on duplicate create, got: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Title != conv.Title {
		t.Errorf("Title mismatch: got %q, want %q", got.Title, conv.Title)
	}
	if len(got.Participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(got.Participants))
	}

	// Mutating the returned copy must not touch the stored record.
	got.Title = "mutated"
	got.Participants[0].DisplayName = "mutated"
	again, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if again.Title != "Test Conversation" || again.Participants[0].DisplayName != "Alice" {
		t.Error("stored conversation shares memory with returned copy")
	}

	conv.Title = "Updated Title"
	if err := s.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}
	got, err = s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation after update failed: %v", err)
	}
	if got.Title != "Updated Title" {
		t.Errorf("Title not updated: got %q", got.Title)
	}

	if _, err := s.GetConversation(ctx, "conv_missing"); err != domain.ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown conversation, got: %v", err)
	}
}

func TestParticipantOperations(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	conv := newTestConversation(id.NewConversation(), human("usr_alice", "Alice"))
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	ok, err := s.IsParticipant(ctx, conv.ID, "usr_alice")
	if err != nil || !ok {
		t.Errorf("IsParticipant(alice) = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.IsParticipant(ctx, conv.ID, "usr_bob")
	if err != nil || ok {
		t.Errorf("IsParticipant(bob) = %v, %v; want false, nil", ok, err)
	}

	set := []domain.Participant{
		human("usr_alice", "Alice"),
		human("usr_bob", "Bob"),
		{ID: "usr_nlweb", DisplayName: "Assistant", Kind: domain.KindAI, JoinedAt: domain.Now()},
	}
	if err := s.UpdateParticipants(ctx, conv.ID, set); err != nil {
		t.Fatalf("UpdateParticipants failed: %v", err)
	}

	n, err := s.GetParticipantCount(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetParticipantCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("participant count: got %d, want 3", n)
	}

	ok, err = s.IsParticipant(ctx, conv.ID, "usr_bob")
	if err != nil || !ok {
		t.Errorf("IsParticipant(bob) after update = %v, %v; want true, nil", ok, err)
	}
}

func TestSequenceAllocationConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	conv := newTestConversation(id.NewConversation(), human("usr_alice", "Alice"))
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	const n = 50
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.NextSequenceID(ctx, conv.ID)
			if err != nil {
				t.Errorf("NextSequenceID failed: %v", err)
				return
			}
			results <- seq
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for seq := range results {
		if seen[seq] {
			t.Errorf("sequence id %d allocated twice", seq)
		}
		seen[seq] = true
	}
	// Exactly {1..n}: no duplicates, no gaps.
	for want := int64(1); want <= n; want++ {
		if !seen[want] {
			t.Errorf("sequence id %d never allocated", want)
		}
	}

	if _, err := s.NextSequenceID(ctx, "conv_missing"); err != domain.ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown conversation, got: %v", err)
	}
}

func TestStoreMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	conv := newTestConversation(id.NewConversation(), human("usr_alice", "Alice"))
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	msg := newTestMessage(conv.ID, id.NewMessage(), 1, "hello")
	dup, err := s.StoreMessage(ctx, msg)
	if err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}
	if dup {
		t.Error("first write reported as duplicate")
	}

	dup, err = s.StoreMessage(ctx, msg)
	if err != nil {
		t.Fatalf("StoreMessage (retry) failed: %v", err)
	}
	if !dup {
		t.Error("second write of same id not reported as duplicate")
	}

	msgs, err := s.GetConversationMessages(ctx, conv.ID, 0, -1)
	if err != nil {
		t.Fatalf("GetConversationMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 stored message after duplicate write, got %d", len(msgs))
	}
}

func TestMessageRetrievalBounds(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	conv := newTestConversation(id.NewConversation(), human("usr_alice", "Alice"))
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// Insert out of order; retrieval must still be ascending.
	for _, seq := range []int64{3, 1, 5, 2, 4} {
		m := newTestMessage(conv.ID, fmt.Sprintf("msg_%d", seq), seq, fmt.Sprintf("message %d", seq))
		if _, err := s.StoreMessage(ctx, m); err != nil {
			t.Fatalf("StoreMessage(%d) failed: %v", seq, err)
		}
	}

	all, err := s.GetConversationMessages(ctx, conv.ID, 0, -1)
	if err != nil {
		t.Fatalf("GetConversationMessages failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(all))
	}
	for i, m := range all {
		if m.SequenceID != int64(i+1) {
			t.Errorf("position %d: got sequence %d, want %d", i, m.SequenceID, i+1)
		}
	}

	// limit without after_seq returns the tail.
	tail, err := s.GetConversationMessages(ctx, conv.ID, 2, -1)
	if err != nil {
		t.Fatalf("GetConversationMessages(limit=2) failed: %v", err)
	}
	if len(tail) != 2 || tail[0].SequenceID != 4 || tail[1].SequenceID != 5 {
		t.Errorf("tail retrieval wrong: got %v", seqsOf(tail))
	}

	// after_seq excludes the given id and returns the first limit after it.
	after, err := s.GetConversationMessages(ctx, conv.ID, 2, 2)
	if err != nil {
		t.Fatalf("GetConversationMessages(after=2) failed: %v", err)
	}
	if len(after) != 2 || after[0].SequenceID != 3 || after[1].SequenceID != 4 {
		t.Errorf("after_seq retrieval wrong: got %v", seqsOf(after))
	}

	// after_seq past the end yields an empty page.
	empty, err := s.GetConversationMessages(ctx, conv.ID, 10, 5)
	if err != nil {
		t.Fatalf("GetConversationMessages(after=5) failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty page past the end, got %v", seqsOf(empty))
	}
}

func seqsOf(msgs []*domain.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.SequenceID
	}
	return out
}

func TestStoreMessageCeiling(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(3)

	conv := newTestConversation(id.NewConversation(), human("usr_alice", "Alice"))
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	for seq := int64(1); seq <= 3; seq++ {
		m := newTestMessage(conv.ID, fmt.Sprintf("msg_%d", seq), seq, "x")
		if _, err := s.StoreMessage(ctx, m); err != nil {
			t.Fatalf("StoreMessage(%d) failed: %v", seq, err)
		}
	}

	over := newTestMessage(conv.ID, "msg_4", 4, "x")
	if _, err := s.StoreMessage(ctx, over); !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull at ceiling, got: %v", err)
	}

	// A duplicate of an already-stored message still short-circuits.
	dup, err := s.StoreMessage(ctx, newTestMessage(conv.ID, "msg_2", 2, "x"))
	if err != nil {
		t.Fatalf("duplicate write at ceiling failed: %v", err)
	}
	if !dup {
		t.Error("duplicate at ceiling not recognized")
	}
}

func TestGetUserConversations(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		conv := newTestConversation(fmt.Sprintf("conv_%02d", i), human("usr_alice", "Alice"))
		conv.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		conv.UpdatedAt = conv.CreatedAt
		if err := s.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
		ids = append(ids, conv.ID)
	}
	// One conversation alice is not in.
	other := newTestConversation("conv_other", human("usr_bob", "Bob"))
	if err := s.CreateConversation(ctx, other); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	convs, total, err := s.GetUserConversations(ctx, "usr_alice", 10, 0)
	if err != nil {
		t.Fatalf("GetUserConversations failed: %v", err)
	}
	if total != 5 {
		t.Errorf("total: got %d, want 5", total)
	}
	if len(convs) != 5 {
		t.Fatalf("expected 5 conversations, got %d", len(convs))
	}
	// Newest update first.
	for i := 1; i < len(convs); i++ {
		if convs[i].UpdatedAt.After(convs[i-1].UpdatedAt) {
			t.Errorf("conversations not ordered by updated_at desc at %d", i)
		}
	}
	if convs[0].ID != ids[4] {
		t.Errorf("most recently updated first: got %s, want %s", convs[0].ID, ids[4])
	}

	// Pagination.
	page, total, err := s.GetUserConversations(ctx, "usr_alice", 2, 2)
	if err != nil {
		t.Fatalf("GetUserConversations(page) failed: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Errorf("page: got %d of %d, want 2 of 5", len(page), total)
	}
	if page[0].ID != ids[2] {
		t.Errorf("page start: got %s, want %s", page[0].ID, ids[2])
	}

	// Offset past the end.
	page, total, err = s.GetUserConversations(ctx, "usr_alice", 10, 99)
	if err != nil {
		t.Fatalf("GetUserConversations(offset=99) failed: %v", err)
	}
	if total != 5 || len(page) != 0 {
		t.Errorf("expected empty page with total 5, got %d of %d", len(page), total)
	}

	convs, total, err = s.GetUserConversations(ctx, "usr_carol", 10, 0)
	if err != nil {
		t.Fatalf("GetUserConversations(carol) failed: %v", err)
	}
	if total != 0 || len(convs) != 0 {
		t.Errorf("expected no conversations for non-member, got %d", total)
	}
}

func TestStoreMessageBumpsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(1000)

	conv := newTestConversation(id.NewConversation(), human("usr_alice", "Alice"))
	conv.CreatedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conv.UpdatedAt = conv.CreatedAt
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	msg := newTestMessage(conv.ID, id.NewMessage(), 1, "hello")
	if _, err := s.StoreMessage(ctx, msg); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if !got.UpdatedAt.After(conv.CreatedAt) {
		t.Errorf("updated_at not bumped by message write: %v", got.UpdatedAt)
	}
}

func TestOpenBackendSelection(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Backend: "memory", QueueSizeLimit: 10})
	if err != nil {
		t.Fatalf("Open(memory) failed: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Errorf("Open(memory) returned %T", s)
	}
	s.Close()

	s, err = Open(ctx, Config{Backend: "", QueueSizeLimit: 10})
	if err != nil {
		t.Fatalf("Open(default) failed: %v", err)
	}
	s.Close()

	if _, err := Open(ctx, Config{Backend: "cassandra"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
