// Package search provides semantic search over embedded journal chunks.
//
// Scoring is brute-force cosine similarity against every embedded chunk in
// the requested date range, which is plenty for a personal journal.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/hurttlocker/quill/internal/embed"
	"github.com/hurttlocker/quill/internal/journal"
)

// scoreEpsilon treats scores this close as tied.
const scoreEpsilon = 1e-12

// ChunkReader is the storage the index reads from.
type ChunkReader interface {
	ListEmbeddedChunks(ctx context.Context, r *journal.DateRange) ([]journal.Chunk, error)
}

// Hit is one search result. The chunk is returned without its vector.
type Hit struct {
	Chunk journal.Chunk `json:"chunk"`
	Score float64       `json:"score"`
}

// Index answers similarity queries.
type Index struct {
	chunks   ChunkReader
	embedder embed.Embedder
	logger   *slog.Logger
}

// NewIndex creates an index. embedder may be nil when only vector queries
// are needed.
func NewIndex(chunks ChunkReader, embedder embed.Embedder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Index{chunks: chunks, embedder: embedder, logger: logger.With("component", "search")}
}

// Search returns up to k chunks ordered by descending cosine similarity,
// then more recent date, then chunk id. k <= 0 returns every eligible chunk.
// Chunks whose vector length differs from the query are not comparable and
// are left out.
func (ix *Index) Search(ctx context.Context, query []float32, k int, r *journal.DateRange) ([]Hit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector: %w", journal.ErrInvalidArgument)
	}

	chunks, err := ix.chunks.ListEmbeddedChunks(ctx, r)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(chunks))
	skipped := 0
	for _, c := range chunks {
		if len(c.Embedding) != len(query) {
			skipped++
			continue
		}
		score := cosineSimilarity(query, c.Embedding)
		c.Embedding = nil
		hits = append(hits, Hit{Chunk: c, Score: score})
	}
	if skipped > 0 {
		ix.logger.Debug("chunks with mismatched dimensions skipped", "count", skipped, "dims", len(query))
	}

	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchText embeds text with the configured embedder and searches with it.
func (ix *Index) SearchText(ctx context.Context, text string, k int, r *journal.DateRange) ([]Hit, error) {
	if ix.embedder == nil {
		return nil, fmt.Errorf("semantic search needs an embedder")
	}
	vec, err := embed.EmbedOne(ctx, ix.embedder, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return ix.Search(ctx, vec, k, r)
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if delta := a.Score - b.Score; math.Abs(delta) > scoreEpsilon {
			return delta > 0
		}
		if !a.Chunk.Date.Equal(b.Chunk.Date) {
			return a.Chunk.Date.After(b.Chunk.Date)
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
