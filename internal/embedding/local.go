// Package embedding provides text embedders for transaction descriptions.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LocalEmbedder produces deterministic embeddings without an external
// model service. Each token is hashed into a dense vector, token vectors
// are mean-pooled, and the result is L2-normalized so cosine similarity
// reduces to a dot product. Quality is far below a learned model but the
// output is stable, fast, and dependency-free, which is what the
// community tier needs.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a local feature-hashing embedder.
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}
}

// Embed converts text to a unit vector.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty text", domain.ErrEmbeddingUnavailable)
	}

	vec := make([]float32, e.dimension)
	for _, token := range tokens {
		token = strings.Trim(token, ".,;:!?\"'()$")
		if token == "" {
			continue
		}
		// Two independent hashes per token: position and sign. The sign
		// flip keeps pooled vectors from collapsing toward the positive
		// orthant.
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dimension))
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	meanPool(vec, len(tokens))
	if !normalize(vec) {
		return nil, fmt.Errorf("%w: text produced a zero vector", domain.ErrEmbeddingUnavailable)
	}
	return vec, nil
}

// Dimension returns the embedding dimensionality.
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

func meanPool(vec []float32, n int) {
	if n <= 1 {
		return
	}
	inv := float32(1) / float32(n)
	for i := range vec {
		vec[i] *= inv
	}
}

// normalize scales vec to unit length in place. Returns false for the
// zero vector.
func normalize(vec []float32) bool {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return false
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return true
}
