package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/search"
)

// MerchantAgent scores merchant risk by running the transaction's
// description through hybrid retrieval over confirmed fraud: the best
// lexical match and the nearest embedding fuse with the configured
// weights, and the merchant's own historical fraud rate applies as a
// floor, so a merchant with a well-established bad history is never
// under-scored by a single clean-looking description.
type MerchantAgent struct {
	store  domain.Store
	hybrid *search.Hybrid
	cfg    domain.HybridConfig
}

// NewMerchantAgent creates the merchant agent.
func NewMerchantAgent(store domain.Store, hybrid *search.Hybrid, cfg domain.HybridConfig) *MerchantAgent {
	return &MerchantAgent{store: store, hybrid: hybrid, cfg: cfg}
}

// Name returns the agent identifier.
func (a *MerchantAgent) Name() string { return domain.AgentMerchant }

// Assess computes the merchant sub-score.
func (a *MerchantAgent) Assess(ctx context.Context, tx *domain.Transaction) (domain.AgentScore, error) {
	textScore, vectorScore, err := a.hybrid.TopScores(ctx, tx.TenantID, tx.Description(),
		domain.SearchFilter{FraudOnly: true})
	if err != nil {
		return domain.AgentScore{}, err
	}

	risk := a.cfg.TextWeight*textScore + a.cfg.VectorWeight*vectorScore

	fraudRate, totalTxns, err := a.fraudRate(ctx, tx)
	if err != nil {
		return domain.AgentScore{}, err
	}

	score := risk
	reason := fmt.Sprintf("resembles confirmed fraud (text %.2f, vector %.2f)", textScore, vectorScore)
	if fraudRate > score {
		score = fraudRate
		reason = fmt.Sprintf("merchant %s fraud rate %.0f%% over %d transactions",
			tx.Merchant, fraudRate*100, totalTxns)
	}
	if score <= 0.3 {
		reason = "no adverse merchant signals"
	}

	return domain.AgentScore{
		Score:  clamp01(score),
		Reason: reason,
		Details: map[string]any{
			"text_score":   textScore,
			"vector_score": vectorScore,
			"fraud_rate":   fraudRate,
			"merchant":     tx.Merchant,
		},
	}, nil
}

// fraudRate reads the merchant's historical fraud rate. An unseen
// merchant has no history to hold against it and contributes no floor.
func (a *MerchantAgent) fraudRate(ctx context.Context, tx *domain.Transaction) (float64, int64, error) {
	profile, err := a.store.GetMerchantProfile(ctx, tx.TenantID, tx.Merchant)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return clamp01(profile.FraudRate), profile.TotalTxns, nil
}
