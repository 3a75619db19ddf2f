package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions is the vector size of HashEmbedder.
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic, offline embedder: lower-cased words are
// hashed into a fixed number of buckets and the vector is L2-normalised.
// Texts sharing words get positive cosine similarity, which is enough for
// tests and demos without a model.
type HashEmbedder struct {
	Dims  int
	Batch int
}

// NewHashEmbedder creates a HashEmbedder with default sizes.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dims: DefaultHashDimensions, Batch: DefaultMaxBatch}
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int {
	if h.Dims <= 0 {
		return DefaultHashDimensions
	}
	return h.Dims
}

// MaxBatch implements Embedder.
func (h *HashEmbedder) MaxBatch() int {
	if h.Batch <= 0 {
		return DefaultMaxBatch
	}
	return h.Batch
}

// EmbedBatch implements Embedder.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	dims := h.Dimensions()
	vec := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		f.Write([]byte(w))
		vec[f.Sum32()%uint32(dims)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
