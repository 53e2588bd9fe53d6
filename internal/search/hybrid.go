// Package search fuses lexical and semantic retrieval over transaction
// history.
package search

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Hit is one fused search result. Score is the weighted combination of
// the two passes; a transaction found by only one pass contributes zero
// on the other.
type Hit struct {
	TxID       string
	Merchant   string
	Amount     float64
	FraudLabel bool
	Lexical    float64
	Semantic   float64
	Score      float64
}

// Hybrid runs lexical and vector searches concurrently and fuses the
// rankings. The passes fail independently: a pass that errors or times
// out contributes an empty result instead of failing the search. Only
// the store being unreachable is fatal.
type Hybrid struct {
	store    domain.Store
	embedder domain.Embedder
	cfg      domain.HybridConfig
}

// NewHybrid creates a hybrid searcher.
func NewHybrid(store domain.Store, embedder domain.Embedder, cfg domain.HybridConfig) *Hybrid {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	return &Hybrid{store: store, embedder: embedder, cfg: cfg}
}

// Search retrieves the top k transactions matching the query, ranked by
// fused score.
func (h *Hybrid) Search(ctx context.Context, tenantID string, query string, k int, filter domain.SearchFilter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}

	lexical, semantic, err := h.runPasses(ctx, tenantID, query, filter)
	if err != nil {
		return nil, err
	}
	return h.fuse(lexical, semantic, k), nil
}

// TopScores returns the best relevance of each pass: the lexical score
// of the strongest keyword match and the similarity of the nearest
// embedding. Callers that fuse at the score level (rather than over
// ranked hits) combine these with the configured weights. A pass that
// returned nothing scores 0.
func (h *Hybrid) TopScores(ctx context.Context, tenantID string, query string, filter domain.SearchFilter) (float64, float64, error) {
	lexical, semantic, err := h.runPasses(ctx, tenantID, query, filter)
	if err != nil {
		return 0, 0, err
	}

	var textScore, vectorScore float64
	for _, l := range lexical {
		if l.Relevance > textScore {
			textScore = l.Relevance
		}
	}
	for _, v := range semantic {
		if v.Similarity > vectorScore {
			vectorScore = v.Similarity
		}
	}
	return textScore, vectorScore, nil
}

// runPasses issues the two passes concurrently. Each pass times out or
// fails individually without failing the other.
func (h *Hybrid) runPasses(ctx context.Context, tenantID string, query string, filter domain.SearchFilter) ([]domain.LexicalHit, []domain.VectorHit, error) {
	var lexical []domain.LexicalHit
	var semantic []domain.VectorHit

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := h.store.LexicalSearch(gctx, tenantID, query, h.cfg.CandidateLimit, filter)
		if err != nil {
			return fatalOnly(err)
		}
		lexical = hits
		return nil
	})

	g.Go(func() error {
		vector, err := h.embedder.Embed(gctx, query)
		if err != nil {
			// Embedding failure zeroes the semantic term only.
			return nil
		}
		hits, err := h.store.VectorSearch(gctx, tenantID, vector, h.cfg.CandidateLimit, filter)
		if err != nil {
			return fatalOnly(err)
		}
		semantic = hits
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return lexical, semantic, nil
}

// fatalOnly swallows pass-local failures. A timed-out or failed pass
// contributes an empty result; the store being unreachable is the only
// error worth failing the whole search for.
func fatalOnly(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return nil
}

func (h *Hybrid) fuse(lexical []domain.LexicalHit, semantic []domain.VectorHit, k int) []Hit {
	merged := make(map[string]*Hit, len(lexical)+len(semantic))

	for _, l := range lexical {
		merged[l.TxID] = &Hit{
			TxID:     l.TxID,
			Merchant: l.Merchant,
			Lexical:  l.Relevance,
		}
	}
	for _, v := range semantic {
		hit, ok := merged[v.TxID]
		if !ok {
			hit = &Hit{TxID: v.TxID, Merchant: v.Merchant}
			merged[v.TxID] = hit
		}
		hit.Semantic = v.Similarity
		hit.Amount = v.Amount
		hit.FraudLabel = v.FraudLabel
	}

	out := make([]Hit, 0, len(merged))
	for _, hit := range merged {
		hit.Score = h.cfg.TextWeight*hit.Lexical + h.cfg.VectorWeight*hit.Semantic
		out = append(out, *hit)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TxID < out[j].TxID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
