// Package usage records per-turn token consumption in a local ledger.
package usage

import (
	"context"
	"time"
)

// Entry represents a single completed turn written to the ledger.
type Entry struct {
	ID               int64     `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates token usage for a conversation.
type Summary struct {
	Turns            int64 `json:"turns"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, conversationID string) (Summary, error)
	Close() error
}
