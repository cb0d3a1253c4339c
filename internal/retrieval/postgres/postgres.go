// Package postgres provides the multi-node chunk store on the lib/pq
// driver, matching the deployment that pairs it with the Postgres chat
// store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sourcenote/sourcenote-gateway/internal/retrieval"
)

// Store implements retrieval.Retriever backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed chunk store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
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
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	text TEXT NOT NULL,
	start_time DOUBLE PRECISION
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

// AddChunk inserts or updates one chunk.
func (s *Store) AddChunk(ctx context.Context, c retrieval.Chunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (chunk_id, source_id, text, start_time) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chunk_id) DO UPDATE SET source_id = $2, text = $3, start_time = $4`,
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, source_id, text, start_time FROM chunks WHERE source_id = ANY($1)`,
		pq.Array(sourceIDs))
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
