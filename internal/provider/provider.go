// Package provider defines the streaming contract every model vendor adapter
// implements, along with the shared request types and error taxonomy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role values accepted in a conversation context.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversational context sent to a vendor.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig tunes a single generation request.
type GenerationConfig struct {
	Temperature float64
	Stream      bool
	MaxTokens   *int
}

// DefaultConfig returns the baseline generation settings.
func DefaultConfig() GenerationConfig {
	return GenerationConfig{Temperature: 1.0, Stream: true}
}

// DeltaHandler receives non-empty text fragments in arrival order.
type DeltaHandler func(text string)

// ChatProvider streams a chat completion from one vendor.
//
// StreamChat invokes onDelta zero or more times before returning. In
// non-streaming mode (cfg.Stream=false) the full response is accumulated
// and onDelta fires exactly once. Empty fragments are never delivered.
type ChatProvider interface {
	StreamChat(ctx context.Context, messages []Message, cfg GenerationConfig, onDelta DeltaHandler) error
	Name() string
	Model() string
}

// ErrInvalidRequest marks a request rejected before any vendor call.
var ErrInvalidRequest = errors.New("provider: invalid request")

// ErrUnsupportedProvider marks an unknown provider identifier.
var ErrUnsupportedProvider = errors.New("provider: unsupported provider")

// ProviderError wraps a vendor-side failure. Error() retains the raw vendor
// detail for logs; UserMessage() is safe to surface to clients.
type ProviderError struct {
	Provider string
	Detail   string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UserMessage returns a short non-leaking description of the failure.
func (e *ProviderError) UserMessage() string {
	return fmt.Sprintf("the %s provider failed to generate a response", e.Provider)
}

// SplitSystem validates the context and separates the system prompt from the
// remaining messages. Every adapter calls this before touching the network.
//
// Rules: after removing system entries at least one message must remain and
// the first remaining message must not be from the assistant. Multiple
// system entries are joined; only the combined prompt is meaningful.
func SplitSystem(messages []Message) (rest []Message, system string, err error) {
	var sys []string
	for _, m := range messages {
		if strings.EqualFold(m.Role, RoleSystem) {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	if len(rest) == 0 {
		return nil, "", fmt.Errorf("%w: no non-system messages", ErrInvalidRequest)
	}
	if strings.EqualFold(rest[0].Role, RoleAssistant) {
		return nil, "", fmt.Errorf("%w: context must not start with an assistant message", ErrInvalidRequest)
	}
	return rest, strings.Join(sys, "\n\n"), nil
}
