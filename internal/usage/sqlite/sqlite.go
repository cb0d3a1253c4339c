// Package sqlite provides the SQLite-backed usage ledger.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sourcenote/sourcenote-gateway/internal/usage"
)

// Store implements usage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite usage ledger at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_entries(conversation_id);
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

// Record appends one entry to the ledger.
func (s *Store) Record(ctx context.Context, entry usage.Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_entries (conversation_id, provider, model, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ConversationID, entry.Provider, entry.Model, entry.PromptTokens, entry.CompletionTokens, createdAt)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// Summary aggregates token usage for a conversation.
func (s *Store) Summary(ctx context.Context, conversationID string) (usage.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM usage_entries WHERE conversation_id = ?`, conversationID)
	var sum usage.Summary
	if err := row.Scan(&sum.Turns, &sum.PromptTokens, &sum.CompletionTokens); err != nil {
		return usage.Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	return sum, nil
}
