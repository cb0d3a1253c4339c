package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/sourcenote/sourcenote-gateway/internal/chatstore"
	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
	"github.com/sourcenote/sourcenote-gateway/internal/provider"
	"github.com/sourcenote/sourcenote-gateway/internal/push"
	"github.com/sourcenote/sourcenote-gateway/internal/retrieval"
	"github.com/sourcenote/sourcenote-gateway/internal/usage"
)

const testConvID = "conv-1"

// fakeStore keeps conversations and messages in memory. failRole makes
// PersistMessage fail for that role only.
type fakeStore struct {
	mu       sync.Mutex
	messages []chatstore.Message
	failRole string
}

func (s *fakeStore) CreateConversation(ctx context.Context, userEmail, title string) (*chatstore.Conversation, error) {
	return &chatstore.Conversation{ID: testConvID, UserEmail: userEmail, Title: title}, nil
}

func (s *fakeStore) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	if id != testConvID {
		return nil, chatstore.ErrNotFound
	}
	return &chatstore.Conversation{ID: id}, nil
}

func (s *fakeStore) ListConversations(ctx context.Context, userEmail string, limit int) ([]chatstore.Conversation, error) {
	return nil, nil
}

func (s *fakeStore) PersistMessage(ctx context.Context, conversationID, id, role, content string, meta chatstore.Metadata) (*chatstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRole != "" && role == s.failRole {
		return nil, errors.New("disk full")
	}
	if id == "" {
		id = uuid.NewString()
	}
	m := chatstore.Message{ID: id, ConversationID: conversationID, Role: role, Content: content, Meta: meta}
	s.messages = append(s.messages, m)
	return &m, nil
}

func (s *fakeStore) ListMessages(ctx context.Context, conversationID string) ([]chatstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatstore.Message(nil), s.messages...), nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) stored(role string) []chatstore.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chatstore.Message
	for _, m := range s.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// recordConn captures broadcast events in arrival order.
type recordConn struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *recordConn) WriteEvent(e protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *recordConn) Close() error { return nil }

func (c *recordConn) all() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func (c *recordConn) byType(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, e := range c.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeProvider drives StreamChat through an injected function.
type fakeProvider struct {
	stream func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error
}

func (p *fakeProvider) StreamChat(ctx context.Context, messages []provider.Message, cfg provider.GenerationConfig, onDelta provider.DeltaHandler) error {
	return p.stream(ctx, messages, onDelta)
}

func (p *fakeProvider) Name() string  { return "fake" }
func (p *fakeProvider) Model() string { return "fake-model" }

type fakeResolver struct{ p provider.ChatProvider }

func (r *fakeResolver) Provider(name string) (provider.ChatProvider, error) {
	if name == "unknown" {
		return nil, provider.ErrUnsupportedProvider
	}
	return r.p, nil
}

// fakeRetriever returns a fixed chunk list.
type fakeRetriever struct{ chunks []retrieval.Chunk }

func (r *fakeRetriever) Search(ctx context.Context, query string, sourceIDs []string, limit int) ([]retrieval.Chunk, error) {
	return r.chunks, nil
}
func (r *fakeRetriever) AddChunk(ctx context.Context, c retrieval.Chunk) error { return nil }
func (r *fakeRetriever) Close() error                                          { return nil }

// memUsage records ledger entries in memory.
type memUsage struct {
	mu      sync.Mutex
	entries []usage.Entry
}

func (u *memUsage) Record(ctx context.Context, e usage.Entry) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = append(u.entries, e)
	return nil
}

func (u *memUsage) Summary(ctx context.Context, conversationID string) (usage.Summary, error) {
	return usage.Summary{}, nil
}
func (u *memUsage) Close() error { return nil }

func newTestController(p provider.ChatProvider, store *fakeStore, retr retrieval.Retriever, ledger usage.Store) (*Controller, *recordConn) {
	registry := push.NewRegistry(nil)
	conn := &recordConn{}
	registry.Attach(testConvID, conn)
	c := NewController(Deps{
		Providers:  &fakeResolver{p: p},
		Registry:   registry,
		Messages:   store,
		Retriever:  retr,
		Usage:      ledger,
		Generation: provider.DefaultConfig(),
	})
	return c, conn
}

func TestRunOrderingAndAccumulation(t *testing.T) {
	deltas := []string{"The ", "answer ", "is 42."}
	p := &fakeProvider{stream: func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		for _, d := range deltas {
			onDelta(d)
		}
		return nil
	}}
	store := &fakeStore{}
	ledger := &memUsage{}
	c, conn := newTestController(p, store, nil, ledger)

	err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "question", Provider: "fake"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := conn.all()
	var sawStart, sawComplete bool
	var deltaTexts []string
	for _, e := range events {
		switch e.Type {
		case protocol.EventStart:
			if sawStart {
				t.Error("duplicate start event")
			}
			if len(deltaTexts) > 0 {
				t.Error("delta before start")
			}
			sawStart = true
		case protocol.EventDelta:
			if !sawStart || sawComplete {
				t.Error("delta outside start..complete window")
			}
			deltaTexts = append(deltaTexts, e.Content)
		case protocol.EventComplete:
			if !sawStart {
				t.Error("complete before start")
			}
			sawComplete = true
		case protocol.EventError:
			t.Errorf("unexpected error event: %+v", e)
		}
	}
	if !sawStart || !sawComplete {
		t.Fatalf("missing lifecycle events: start=%v complete=%v", sawStart, sawComplete)
	}

	complete := conn.byType(protocol.EventComplete)[0]
	if got := strings.Join(deltaTexts, ""); got != complete.Content {
		t.Errorf("delta concat %q != complete content %q", got, complete.Content)
	}
	if complete.Content != "The answer is 42." {
		t.Errorf("content = %q", complete.Content)
	}
	if complete.Model != "fake-model" {
		t.Errorf("model = %q", complete.Model)
	}

	// User and assistant messages both persisted.
	if n := len(store.stored(provider.RoleUser)); n != 1 {
		t.Errorf("user messages stored = %d", n)
	}
	assistants := store.stored(provider.RoleAssistant)
	if len(assistants) != 1 || assistants[0].Content != complete.Content {
		t.Errorf("assistant messages stored = %+v", assistants)
	}
	if assistants[0].ID != complete.MessageID {
		t.Error("persisted assistant id differs from streamed message id")
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.entries) != 1 || ledger.entries[0].Provider != "fake" {
		t.Errorf("ledger entries = %+v", ledger.entries)
	}
}

func TestRunRejectsEmptyContent(t *testing.T) {
	c, _ := newTestController(&fakeProvider{}, &fakeStore{}, nil, nil)
	err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "   ", Provider: "fake"})
	if !errors.Is(err, provider.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestRunUnknownConversation(t *testing.T) {
	c, _ := newTestController(&fakeProvider{}, &fakeStore{}, nil, nil)
	err := c.Run(context.Background(), TurnRequest{ConversationID: "missing", Content: "hi", Provider: "fake"})
	if !errors.Is(err, chatstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunUnknownProvider(t *testing.T) {
	c, _ := newTestController(&fakeProvider{}, &fakeStore{}, nil, nil)
	err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "hi", Provider: "unknown"})
	if !errors.Is(err, provider.ErrUnsupportedProvider) {
		t.Fatalf("err = %v, want ErrUnsupportedProvider", err)
	}
}

func TestRunConversationBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := &fakeProvider{stream: func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		close(started)
		<-release
		onDelta("done")
		return nil
	}}
	store := &fakeStore{}
	c, _ := newTestController(p, store, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "first", Provider: "fake"})
	}()
	<-started

	if !c.Active(testConvID) {
		t.Fatal("Active should report the in-flight turn")
	}
	err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "second", Provider: "fake"})
	if !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("err = %v, want ErrConversationBusy", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if c.Active(testConvID) {
		t.Error("turn must release the conversation on completion")
	}

	// The lock is free again: a new turn runs.
	p.stream = func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		onDelta("again")
		return nil
	}
	if err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "third", Provider: "fake"}); err != nil {
		t.Fatalf("follow-up turn: %v", err)
	}
}

func TestRunProviderFailure(t *testing.T) {
	p := &fakeProvider{stream: func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		onDelta("partial ")
		return &provider.ProviderError{Provider: "fake", Detail: "upstream exploded: secret-internal-detail"}
	}}
	store := &fakeStore{}
	c, conn := newTestController(p, store, nil, nil)

	err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "hi", Provider: "fake"})
	if err == nil {
		t.Fatal("expected provider error")
	}

	errs := conn.byType(protocol.EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want exactly 1", len(errs))
	}
	if strings.Contains(errs[0].Message, "secret-internal-detail") {
		t.Errorf("error event leaks vendor detail: %q", errs[0].Message)
	}
	if len(conn.byType(protocol.EventComplete)) != 0 {
		t.Error("complete must not follow a failure")
	}
	if n := len(store.stored(provider.RoleAssistant)); n != 0 {
		t.Errorf("partial text persisted: %d assistant messages", n)
	}
	if c.Active(testConvID) {
		t.Error("failed turn must release the conversation")
	}
}

func TestRunPersistFailure(t *testing.T) {
	p := &fakeProvider{stream: func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		onDelta("text")
		return nil
	}}
	// The user message persists fine; only the assistant persist fails.
	store := &fakeStore{failRole: provider.RoleAssistant}
	c, conn := newTestController(p, store, nil, nil)

	err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "hi", Provider: "fake"})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if len(conn.byType(protocol.EventError)) != 1 {
		t.Error("persist failure must surface as one error event")
	}
	if len(conn.byType(protocol.EventComplete)) != 0 {
		t.Error("complete must not follow a persist failure")
	}
}

func TestCancelSuppressesTerminalEvent(t *testing.T) {
	streaming := make(chan struct{})
	p := &fakeProvider{stream: func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		onDelta("first ")
		close(streaming)
		<-ctx.Done()
		return ctx.Err()
	}}
	store := &fakeStore{}
	c, conn := newTestController(p, store, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "hi", Provider: "fake"})
	}()
	<-streaming

	if !c.Cancel(testConvID) {
		t.Fatal("Cancel should find the in-flight turn")
	}
	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if n := len(conn.byType(protocol.EventComplete)); n != 0 {
		t.Errorf("complete events after cancel = %d", n)
	}
	if n := len(conn.byType(protocol.EventError)); n != 0 {
		t.Errorf("error events after cancel = %d", n)
	}
	if n := len(store.stored(provider.RoleAssistant)); n != 0 {
		t.Errorf("cancelled turn persisted %d assistant messages", n)
	}
	if c.Active(testConvID) {
		t.Error("cancelled turn must release the conversation")
	}
	if c.Cancel(testConvID) {
		t.Error("Cancel with no active turn must report false")
	}
}

func TestRunRetrievalGroundsContextAndCitations(t *testing.T) {
	start := 30.0
	chunks := []retrieval.Chunk{
		{SourceID: "src-a", ChunkID: "ch-1", Text: "grounding fact one"},
		{SourceID: "vid-b", ChunkID: "ch-2", Text: "spoken at half a minute", StartTime: &start},
	}
	var gotMessages []provider.Message
	p := &fakeProvider{stream: func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		gotMessages = messages
		onDelta("As stated [1], and at video://vid-b/30 [2].")
		return nil
	}}
	store := &fakeStore{}
	c, conn := newTestController(p, store, &fakeRetriever{chunks: chunks}, nil)

	err := c.Run(context.Background(), TurnRequest{
		ConversationID: testConvID,
		Content:        "what is the fact?",
		SourceIDs:      []string{"src-a", "vid-b"},
		Provider:       "fake",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctxEvents := conn.byType(protocol.EventContext)
	if len(ctxEvents) != 1 || len(ctxEvents[0].Chunks) != 2 {
		t.Fatalf("context events = %+v", ctxEvents)
	}

	// The provider context carries a system prompt with numbered excerpts.
	if len(gotMessages) == 0 || gotMessages[0].Role != provider.RoleSystem {
		t.Fatalf("first provider message = %+v, want system prompt", gotMessages)
	}
	if !strings.Contains(gotMessages[0].Content, "[1]") || !strings.Contains(gotMessages[0].Content, "grounding fact one") {
		t.Errorf("system prompt missing excerpts: %q", gotMessages[0].Content)
	}

	complete := conn.byType(protocol.EventComplete)[0]
	if len(complete.Citations) != 2 {
		t.Fatalf("citations = %+v", complete.Citations)
	}
	if complete.Citations["1"].SourceID != "src-a" {
		t.Errorf("citation 1 = %+v", complete.Citations["1"])
	}
	c2 := complete.Citations["2"]
	if c2.SourceID != "vid-b" || c2.StartTime == nil || *c2.StartTime != 30.0 {
		t.Errorf("citation 2 = %+v", c2)
	}
}

func TestRunNoRetrieverSkipsContextEvent(t *testing.T) {
	p := &fakeProvider{stream: func(ctx context.Context, messages []provider.Message, onDelta provider.DeltaHandler) error {
		onDelta("plain answer")
		return nil
	}}
	c, conn := newTestController(p, &fakeStore{}, nil, nil)

	if err := c.Run(context.Background(), TurnRequest{ConversationID: testConvID, Content: "hi", Provider: "fake"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(conn.byType(protocol.EventContext)); n != 0 {
		t.Errorf("context events = %d, want 0", n)
	}
	complete := conn.byType(protocol.EventComplete)[0]
	if complete.Citations != nil {
		t.Errorf("citations = %+v, want none", complete.Citations)
	}
}

func TestBuildCitationMapIgnoresOutOfRangeLabels(t *testing.T) {
	chunks := []retrieval.Chunk{{SourceID: "s", ChunkID: "c", Text: "t"}}
	got := buildCitationMap("valid [1] invalid [5] zero [0]", chunks)
	if len(got) != 1 {
		t.Fatalf("map = %+v, want only label 1", got)
	}
	if _, ok := got["1"]; !ok {
		t.Error("label 1 missing")
	}
}
