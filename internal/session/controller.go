// Package session drives one "ask the model, push deltas, finalize" turn
// per conversation: it validates the request, streams provider deltas out
// through the connection registry, and persists the finalized message.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sourcenote/sourcenote-gateway/internal/chatstore"
	"github.com/sourcenote/sourcenote-gateway/internal/citation"
	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
	"github.com/sourcenote/sourcenote-gateway/internal/provider"
	"github.com/sourcenote/sourcenote-gateway/internal/push"
	"github.com/sourcenote/sourcenote-gateway/internal/retrieval"
	"github.com/sourcenote/sourcenote-gateway/internal/usage"
)

// ErrConversationBusy marks a second turn request while one is in flight.
var ErrConversationBusy = errors.New("session: conversation busy")

// ErrEmptyContent marks a turn request with no content.
var ErrEmptyContent = fmt.Errorf("%w: empty content", provider.ErrInvalidRequest)

// retrievalLimit bounds the chunks fetched per turn.
const retrievalLimit = 8

// State of a turn's lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateDispatched State = "dispatched"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// ProviderResolver maps a provider identifier to an adapter.
type ProviderResolver interface {
	Provider(name string) (provider.ChatProvider, error)
}

// TurnRequest initiates one chat turn.
type TurnRequest struct {
	ConversationID string
	Content        string
	SourceIDs      []string
	Provider       string
}

// Deps are the controller's collaborators. Retriever and Usage are
// optional; the rest are required.
type Deps struct {
	Providers  ProviderResolver
	Registry   *push.Registry
	Messages   chatstore.Store
	Retriever  retrieval.Retriever
	Usage      usage.Store
	Logger     *log.Logger
	Generation provider.GenerationConfig
}

// Controller enforces the one-active-turn-per-conversation rule and owns
// each turn's lifecycle.
type Controller struct {
	deps Deps

	mu     sync.Mutex
	active map[string]*turn
}

// turn is the per-request state machine. The accumulator is owned
// exclusively by the running turn; state transitions happen under mu.
type turn struct {
	messageID string
	state     State
	cancel    context.CancelFunc
}

// NewController creates a Controller. Generation falls back to defaults
// when zero-valued.
func NewController(deps Deps) *Controller {
	if deps.Generation == (provider.GenerationConfig{}) {
		deps.Generation = provider.DefaultConfig()
	}
	return &Controller{deps: deps, active: make(map[string]*turn)}
}

// Active reports whether a turn is in flight for the conversation.
func (c *Controller) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

// Cancel aborts the in-flight turn for the conversation, if any. The
// provider request itself is cancelled, not merely ignored.
func (c *Controller) Cancel(conversationID string) bool {
	c.mu.Lock()
	t, ok := c.active[conversationID]
	if ok {
		t.state = StateCancelled
	}
	c.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Run executes one complete turn, blocking until a terminal state. Events
// reach every connection attached to the conversation; ctx cancellation
// (client disconnect or explicit stop) aborts the provider call promptly.
func (c *Controller) Run(ctx context.Context, req TurnRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return ErrEmptyContent
	}
	if _, err := c.deps.Messages.GetConversation(ctx, req.ConversationID); err != nil {
		return err
	}
	p, err := c.deps.Providers.Provider(req.Provider)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := &turn{state: StateDispatched, cancel: cancel}
	c.mu.Lock()
	if _, busy := c.active[req.ConversationID]; busy {
		c.mu.Unlock()
		return ErrConversationBusy
	}
	c.active[req.ConversationID] = t
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, req.ConversationID)
		c.mu.Unlock()
	}()

	return c.run(ctx, req, p, t)
}

func (c *Controller) run(ctx context.Context, req TurnRequest, p provider.ChatProvider, t *turn) error {
	reg := c.deps.Registry

	userMsg, err := c.deps.Messages.PersistMessage(ctx, req.ConversationID, "", provider.RoleUser, req.Content, chatstore.Metadata{})
	if err != nil {
		return fmt.Errorf("session: persist user message: %w", err)
	}
	reg.Broadcast(req.ConversationID, protocol.Event{
		Type:      protocol.EventUserMessage,
		MessageID: userMsg.ID,
		Content:   userMsg.Content,
	})

	chunks, err := c.retrieve(ctx, req)
	if err != nil {
		// Retrieval degrades to an ungrounded turn rather than failing it.
		c.logf("session: retrieval failed conversation=%s err=%v", req.ConversationID, err)
		chunks = nil
	}
	if len(chunks) > 0 {
		reg.Broadcast(req.ConversationID, protocol.Event{
			Type:   protocol.EventContext,
			Chunks: toProtocolChunks(chunks),
		})
	}

	messageID := uuid.NewString()
	c.mu.Lock()
	t.messageID = messageID
	t.state = StateStreaming
	c.mu.Unlock()

	reg.Broadcast(req.ConversationID, protocol.Event{
		Type:      protocol.EventStart,
		MessageID: messageID,
	})

	history, err := c.deps.Messages.ListMessages(ctx, req.ConversationID)
	if err != nil {
		return c.fail(req.ConversationID, messageID, t, fmt.Errorf("session: load history: %w", err), "failed to load conversation history")
	}
	messages := buildContext(history, chunks)

	var accumulated strings.Builder
	onDelta := func(text string) {
		c.mu.Lock()
		cancelled := t.state == StateCancelled
		c.mu.Unlock()
		if cancelled {
			// Deltas racing a cancellation are dropped, never broadcast.
			return
		}
		accumulated.WriteString(text)
		reg.Broadcast(req.ConversationID, protocol.Event{
			Type:      protocol.EventDelta,
			MessageID: messageID,
			Content:   text,
		})
	}

	err = p.StreamChat(ctx, messages, c.deps.Generation, onDelta)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled: no terminal event, nothing persisted, lock released
			// by the caller so a new turn can start immediately.
			c.setState(t, StateCancelled)
			c.logf("session: turn cancelled conversation=%s message=%s", req.ConversationID, messageID)
			return ctx.Err()
		}
		return c.fail(req.ConversationID, messageID, t, err, userSafeMessage(err))
	}

	finalText := accumulated.String()
	citations := buildCitationMap(finalText, chunks)
	tokenCount := approximateTokens(finalText)

	stored, err := c.deps.Messages.PersistMessage(ctx, req.ConversationID, messageID, provider.RoleAssistant, finalText, chatstore.Metadata{
		Model:      p.Model(),
		TokenCount: tokenCount,
		Citations:  citations,
	})
	if err != nil {
		return c.fail(req.ConversationID, messageID, t, fmt.Errorf("session: persist assistant message: %w", err), "failed to store the response")
	}

	c.setState(t, StateCompleted)
	reg.Broadcast(req.ConversationID, protocol.Event{
		Type:       protocol.EventComplete,
		MessageID:  stored.ID,
		Content:    stored.Content,
		Model:      p.Model(),
		TokenCount: tokenCount,
		Citations:  citations,
	})

	c.recordUsage(req, p, messages, tokenCount)
	return nil
}

// fail converts any mid-turn error into exactly one terminal error event
// with a user-safe message; the partial accumulated text is discarded.
func (c *Controller) fail(conversationID, messageID string, t *turn, err error, userMsg string) error {
	c.setState(t, StateFailed)
	c.logf("session: turn failed conversation=%s message=%s err=%v", conversationID, messageID, err)
	c.deps.Registry.Broadcast(conversationID, protocol.Event{
		Type:      protocol.EventError,
		MessageID: messageID,
		Message:   userMsg,
	})
	return err
}

func (c *Controller) setState(t *turn, s State) {
	c.mu.Lock()
	if t.state != StateCancelled || s == StateCancelled {
		t.state = s
	}
	c.mu.Unlock()
}

func (c *Controller) retrieve(ctx context.Context, req TurnRequest) ([]retrieval.Chunk, error) {
	if c.deps.Retriever == nil || len(req.SourceIDs) == 0 {
		return nil, nil
	}
	return c.deps.Retriever.Search(ctx, req.Content, req.SourceIDs, retrievalLimit)
}

func (c *Controller) recordUsage(req TurnRequest, p provider.ChatProvider, messages []provider.Message, completionTokens int) {
	if c.deps.Usage == nil {
		return
	}
	prompt := 0
	for _, m := range messages {
		prompt += approximateTokens(m.Content)
	}
	err := c.deps.Usage.Record(context.Background(), usage.Entry{
		ConversationID:   req.ConversationID,
		Provider:         p.Name(),
		Model:            p.Model(),
		PromptTokens:     int64(prompt),
		CompletionTokens: int64(completionTokens),
	})
	if err != nil {
		c.logf("session: record usage failed conversation=%s err=%v", req.ConversationID, err)
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.deps.Logger != nil {
		c.deps.Logger.Printf(format, args...)
	}
}

// buildContext assembles the provider message sequence: a grounding system
// prompt when chunks were retrieved, then the stored history. The just-
// persisted user message is already the tail of history.
func buildContext(history []chatstore.Message, chunks []retrieval.Chunk) []provider.Message {
	var messages []provider.Message
	if len(chunks) > 0 {
		var b strings.Builder
		b.WriteString("Answer using the numbered source excerpts below. ")
		b.WriteString("Cite an excerpt inline as [N]. For time-coded media, reference moments as video://{source_id}/{seconds}.\n")
		for i, ch := range chunks {
			fmt.Fprintf(&b, "\n[%d] (source %s) %s", i+1, ch.SourceID, ch.Text)
		}
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: b.String()})
	}
	for _, m := range history {
		if m.Role != provider.RoleUser && m.Role != provider.RoleAssistant {
			continue
		}
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

// buildCitationMap resolves the citation labels actually used in the final
// text against the retrieved chunks, label N referring to chunk N-1.
func buildCitationMap(text string, chunks []retrieval.Chunk) map[string]protocol.Citation {
	if len(chunks) == 0 {
		return nil
	}
	out := make(map[string]protocol.Citation)
	for _, seg := range citation.Parse(text) {
		if seg.Kind != citation.KindCitation {
			continue
		}
		idx := 0
		fmt.Sscanf(seg.Label, "%d", &idx)
		if idx < 1 || idx > len(chunks) {
			continue
		}
		ch := chunks[idx-1]
		out[seg.Label] = protocol.Citation{
			SourceID:  ch.SourceID,
			ChunkID:   ch.ChunkID,
			Excerpt:   ch.Text,
			StartTime: ch.StartTime,
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toProtocolChunks(chunks []retrieval.Chunk) []protocol.Chunk {
	out := make([]protocol.Chunk, len(chunks))
	for i, ch := range chunks {
		out[i] = protocol.Chunk{
			SourceID:  ch.SourceID,
			ChunkID:   ch.ChunkID,
			Text:      ch.Text,
			StartTime: ch.StartTime,
		}
	}
	return out
}

// approximateTokens estimates tokens from character count.
func approximateTokens(text string) int {
	return len(text) / 4
}

func userSafeMessage(err error) string {
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		return pe.UserMessage()
	}
	if errors.Is(err, provider.ErrInvalidRequest) {
		return "the request was rejected as invalid"
	}
	return "the response could not be generated"
}
