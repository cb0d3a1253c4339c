// Package retrieval serves ranked content chunks for grounding a chat turn.
// Ingestion pipelines write chunks; the session controller reads them to
// build the provider context and the citation map.
package retrieval

import (
	"context"
	"sort"
	"strings"
)

// Chunk is one retrievable fragment of an ingested source. StartTime is set
// for time-coded media sources (seconds from the start).
type Chunk struct {
	SourceID  string   `json:"source_id"`
	ChunkID   string   `json:"chunk_id"`
	Text      string   `json:"text"`
	StartTime *float64 `json:"start_time,omitempty"`
}

// Retriever returns the chunks most relevant to a query, restricted to the
// given sources. limit bounds the result size.
type Retriever interface {
	Search(ctx context.Context, query string, sourceIDs []string, limit int) ([]Chunk, error)
	AddChunk(ctx context.Context, c Chunk) error
	Close() error
}

// Score ranks a chunk by query term overlap. Exported so both store
// implementations rank identically.
func Score(query, text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, term := range strings.Fields(strings.ToLower(query)) {
		score += strings.Count(lower, term)
	}
	return score
}

// Rank sorts chunks by descending score and truncates to limit, dropping
// zero-score chunks.
func Rank(query string, chunks []Chunk, limit int) []Chunk {
	type scored struct {
		c Chunk
		s int
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		if s := Score(query, c.Text); s > 0 {
			ranked = append(ranked, scored{c, s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].s > ranked[j].s })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Chunk, len(ranked))
	for i, r := range ranked {
		out[i] = r.c
	}
	return out
}
