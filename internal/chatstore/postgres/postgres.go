// Package postgres provides the multi-node chat store, using the pgx stdlib
// driver through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sourcenote/sourcenote-gateway/internal/chatstore"
)

// Store implements chatstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed chat store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_email TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	meta JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_email);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation and returns it.
func (s *Store) CreateConversation(ctx context.Context, userEmail, title string) (*chatstore.Conversation, error) {
	c := chatstore.Conversation{
		ID:        uuid.NewString(),
		UserEmail: strings.TrimSpace(strings.ToLower(userEmail)),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_email, title, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.UserEmail, c.Title, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &c, nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*chatstore.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_email, title, created_at FROM conversations WHERE id = $1`, id)
	var c chatstore.Conversation
	if err := row.Scan(&c.ID, &c.UserEmail, &c.Title, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, chatstore.ErrNotFound
		}
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns the user's most recent conversations.
func (s *Store) ListConversations(ctx context.Context, userEmail string, limit int) ([]chatstore.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_email, title, created_at FROM conversations WHERE user_email = $1 ORDER BY created_at DESC LIMIT $2`,
		strings.TrimSpace(strings.ToLower(userEmail)), limit)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}
	defer rows.Close()
	var out []chatstore.Conversation
	for rows.Next() {
		var c chatstore.Conversation
		if err := rows.Scan(&c.ID, &c.UserEmail, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PersistMessage durably stores one message.
func (s *Store) PersistMessage(ctx context.Context, conversationID, id, role, content string, meta chatstore.Metadata) (*chatstore.Message, error) {
	if id == "" {
		id = uuid.NewString()
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	m := chatstore.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Meta:           meta,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, meta, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ConversationID, m.Role, m.Content, string(metaJSON), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &m, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chatstore.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, meta, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()
	var out []chatstore.Message
	for rows.Next() {
		var m chatstore.Message
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
