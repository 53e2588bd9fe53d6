package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RemoteEmbedder calls an external embedding service over HTTP. The pro
// tier points this at a model server; any endpoint accepting
// {"text": ...} and returning {"embedding": [...]} works.
type RemoteEmbedder struct {
	url       string
	dimension int
	client    *http.Client
}

// NewRemoteEmbedder creates an HTTP-backed embedder.
func NewRemoteEmbedder(url string, dimension int, timeout time.Duration) *RemoteEmbedder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteEmbedder{
		url:       url,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests an embedding from the remote service. Failures are
// wrapped in ErrEmbeddingUnavailable so callers can degrade to the
// lexical path instead of failing the request.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: service returned %d", domain.ErrEmbeddingUnavailable, resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", domain.ErrEmbeddingUnavailable, err)
	}
	if len(out.Embedding) != e.dimension {
		return nil, fmt.Errorf("%w: expected dimension %d, got %d",
			domain.ErrEmbeddingUnavailable, e.dimension, len(out.Embedding))
	}

	if !normalize(out.Embedding) {
		return nil, fmt.Errorf("%w: zero vector from service", domain.ErrEmbeddingUnavailable)
	}
	return out.Embedding, nil
}

// Dimension returns the embedding dimensionality.
func (e *RemoteEmbedder) Dimension() int {
	return e.dimension
}

// New creates an embedder based on configuration.
func New(cfg domain.EmbeddingConfig) (domain.Embedder, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocalEmbedder(cfg.Dimension), nil
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("remote embedder requires a URL")
		}
		return NewRemoteEmbedder(cfg.RemoteURL, cfg.Dimension, time.Duration(cfg.RemoteTimeout)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
