// Package chatstore persists conversations and their messages.
package chatstore

import (
	"context"
	"errors"
	"time"

	"github.com/sourcenote/sourcenote-gateway/internal/protocol"
)

// ErrNotFound marks a lookup for a conversation or message that does not exist.
var ErrNotFound = errors.New("chatstore: not found")

// Conversation is a chat thread owned by a user.
type Conversation struct {
	ID        string    `json:"id"`
	UserEmail string    `json:"user_email"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata rides alongside a stored message. For assistant messages it
// carries the model, token count and the citation map shipped in the
// complete event.
type Metadata struct {
	Model      string                       `json:"model,omitempty"`
	TokenCount int                          `json:"token_count,omitempty"`
	Citations  map[string]protocol.Citation `json:"citations,omitempty"`
}

// Message is one stored chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Meta           Metadata  `json:"meta"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store defines persistence behaviour for conversations and messages.
type Store interface {
	CreateConversation(ctx context.Context, userEmail, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userEmail string, limit int) ([]Conversation, error)
	// PersistMessage durably stores one message; id may be empty, in which
	// case the store mints one. Invoked exactly once per completed turn per
	// role.
	PersistMessage(ctx context.Context, conversationID, id, role, content string, meta Metadata) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	Close() error
}
