// Package sqlite provides the default single-node chunk store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sourcenote/sourcenote-gateway/internal/retrieval"
)

// Store implements retrieval.Retriever backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite chunk store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chunk store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	text TEXT NOT NULL,
	start_time REAL
);

CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);
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

// AddChunk inserts or replaces one chunk.
func (s *Store) AddChunk(ctx context.Context, c retrieval.Chunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks (chunk_id, source_id, text, start_time) VALUES (?, ?, ?, ?)`,
		c.ChunkID, c.SourceID, c.Text, c.StartTime)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// Search returns the highest-scoring chunks among the given sources.
func (s *Store) Search(ctx context.Context, query string, sourceIDs []string, limit int) ([]retrieval.Chunk, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sourceIDs)), ",")
	args := make([]any, len(sourceIDs))
	for i, id := range sourceIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, source_id, text, start_time FROM chunks WHERE source_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()

	var candidates []retrieval.Chunk
	for rows.Next() {
		var c retrieval.Chunk
		var start sql.NullFloat64
		if err := rows.Scan(&c.ChunkID, &c.SourceID, &c.Text, &start); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if start.Valid {
			v := start.Float64
			c.StartTime = &v
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return retrieval.Rank(query, candidates, limit), nil
}
