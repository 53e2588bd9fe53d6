package domain

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable indicates the embedding provider failed or
// timed out. The merchant agent recovers by zeroing its semantic term.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// Embedder turns text into a fixed-length vector. Implementations must
// be pure and safe for concurrent use: the same text always yields the
// same vector while the underlying model is unchanged.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the length of produced vectors.
	Dimension() int
}

// EmbeddingConfig holds configuration for embedder initialization.
type EmbeddingConfig struct {
	// Provider is "local" (hash embedder) or "remote" (HTTP service).
	Provider string

	// Dimension of produced vectors (local provider).
	Dimension int

	// Remote provider settings
	RemoteURL     string
	RemoteTimeout int // milliseconds
}
