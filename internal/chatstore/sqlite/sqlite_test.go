package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sourcenote/sourcenote-gateway/internal/chatstore"
	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "User@Example.com", "My chat")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("conversation id not minted")
	}
	if conv.UserEmail != "user@example.com" {
		t.Errorf("UserEmail = %q, want normalized", conv.UserEmail)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "My chat" {
		t.Errorf("Title = %q", got.Title)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, chatstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	list, err := s.ListConversations(ctx, "user@example.com", 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Errorf("list = %+v", list)
	}
	other, err := s.ListConversations(ctx, "other@example.com", 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other user sees %d conversations", len(other))
	}
}

func TestPersistAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "u@example.com", "t")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	userMsg, err := s.PersistMessage(ctx, conv.ID, "", "user", "hello", chatstore.Metadata{})
	if err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}
	if userMsg.ID == "" {
		t.Fatal("message id not minted")
	}

	// Keep created_at strictly increasing for the ordering assertion.
	time.Sleep(5 * time.Millisecond)

	start := 12.0
	meta := chatstore.Metadata{
		Model:      "claude-test",
		TokenCount: 7,
		Citations: map[string]protocol.Citation{
			"1": {SourceID: "src", ChunkID: "c1", Excerpt: "e", StartTime: &start},
		},
	}
	asst, err := s.PersistMessage(ctx, conv.ID, "fixed-id", "assistant", "answer [1]", meta)
	if err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}
	if asst.ID != "fixed-id" {
		t.Errorf("ID = %q, caller-supplied id must be kept", asst.ID)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("order wrong: %s then %s", msgs[0].Role, msgs[1].Role)
	}
	gotMeta := msgs[1].Meta
	if gotMeta.Model != "claude-test" || gotMeta.TokenCount != 7 {
		t.Errorf("meta = %+v", gotMeta)
	}
	cit := gotMeta.Citations["1"]
	if cit.SourceID != "src" || cit.StartTime == nil || *cit.StartTime != 12.0 {
		t.Errorf("citation = %+v", cit)
	}
}

func TestListMessagesEmptyConversation(t *testing.T) {
	s := newTestStore(t)
	msgs, err := s.ListMessages(context.Background(), "whatever")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %+v", msgs)
	}
}
