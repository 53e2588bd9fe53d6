package agents

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PatternAgent scores deviation from the user's spending habits: how far
// the amount sits from the user's average, whether the category is
// familiar, and how closely the transaction resembles past fraud.
type PatternAgent struct {
	store    domain.Store
	embedder domain.Embedder
	cfg      domain.PatternConfig
}

// NewPatternAgent creates the pattern agent.
func NewPatternAgent(store domain.Store, embedder domain.Embedder, cfg domain.PatternConfig) *PatternAgent {
	return &PatternAgent{store: store, embedder: embedder, cfg: cfg}
}

// Name returns the agent identifier.
func (a *PatternAgent) Name() string { return domain.AgentPattern }

// Assess computes the pattern sub-score.
func (a *PatternAgent) Assess(ctx context.Context, tx *domain.Transaction) (domain.AgentScore, error) {
	profile, err := a.store.GetUserProfile(ctx, tx.TenantID, tx.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.AgentScore{}, err
	}

	deviation, devReason := a.deviationTerm(tx, profile)
	category, catReason := a.categoryTerm(tx, profile)

	similarity, err := a.similarityTerm(ctx, tx)
	if err != nil {
		return domain.AgentScore{}, err
	}

	score := a.cfg.DeviationWeight*deviation +
		a.cfg.CategoryWeight*category +
		a.cfg.SimilarityWeight*similarity

	reason := devReason
	if category >= 1 {
		reason = catReason
	}
	if similarity > 0.5 {
		reason = "closely resembles previously confirmed fraud"
	}

	return domain.AgentScore{
		Score:  clamp01(score),
		Reason: reason,
		Details: map[string]any{
			"deviation":  deviation,
			"category":   category,
			"similarity": similarity,
		},
	}, nil
}

func (a *PatternAgent) deviationTerm(tx *domain.Transaction, profile *domain.UserProfile) (float64, string) {
	if profile == nil || profile.AverageAmount <= 0 {
		return 0.5, "no spending history for user"
	}

	ratio := math.Abs(tx.Amount-profile.AverageAmount) / (a.cfg.DeviationScale * profile.AverageAmount)
	term := clamp01(ratio)
	if term > 0.5 {
		return term, fmt.Sprintf("amount $%.2f deviates strongly from user average $%.2f", tx.Amount, profile.AverageAmount)
	}
	return term, "amount within normal range for user"
}

func (a *PatternAgent) categoryTerm(tx *domain.Transaction, profile *domain.UserProfile) (float64, string) {
	if profile == nil || len(profile.CommonCategories) == 0 {
		return 0.5, "no category history for user"
	}
	if profile.KnowsCategory(tx.MerchantCategory) {
		return 0, "familiar merchant category"
	}
	return 1, fmt.Sprintf("category %s is new for this user", tx.MerchantCategory)
}

// similarityTerm is the similarity-weighted fraud fraction among the
// user's nearest historical transactions. The embedder failing zeroes
// the term instead of degrading the whole agent.
func (a *PatternAgent) similarityTerm(ctx context.Context, tx *domain.Transaction) (float64, error) {
	vector, err := a.embedder.Embed(ctx, tx.Description())
	if err != nil {
		if errors.Is(err, domain.ErrEmbeddingUnavailable) {
			return 0, nil
		}
		return 0, err
	}

	hits, err := a.store.VectorSearch(ctx, tx.TenantID, vector, a.cfg.SimilarLimit,
		domain.SearchFilter{UserID: tx.UserID})
	if err != nil {
		return 0, err
	}
	if len(hits) == 0 {
		return 0, nil
	}

	var fraudMass, totalMass float64
	for _, hit := range hits {
		totalMass += hit.Similarity
		if hit.FraudLabel {
			fraudMass += hit.Similarity
		}
	}
	if totalMass == 0 {
		return 0, nil
	}
	return clamp01(fraudMass / totalMass), nil
}
