package agents

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AnomalyAgent scores short-term behavioral anomalies: a burst of
// transactions relative to the user's baseline rate, or an amount far
// above the recent average. Terms combine by max, not sum: one strong
// anomaly should not be diluted by the absence of another.
type AnomalyAgent struct {
	store domain.Store
	cfg   domain.AnomalyConfig
}

// NewAnomalyAgent creates the anomaly agent.
func NewAnomalyAgent(store domain.Store, cfg domain.AnomalyConfig) *AnomalyAgent {
	return &AnomalyAgent{store: store, cfg: cfg}
}

// Name returns the agent identifier.
func (a *AnomalyAgent) Name() string { return domain.AgentAnomaly }

// Assess computes the anomaly sub-score.
func (a *AnomalyAgent) Assess(ctx context.Context, tx *domain.Transaction) (domain.AgentScore, error) {
	since := tx.Timestamp.Add(-a.cfg.BaselineWindow)
	recent, err := a.store.RecentTransactions(ctx, tx.TenantID, tx.UserID, since, a.cfg.RecentLimit)
	if err != nil {
		return domain.AgentScore{}, err
	}

	// Exclude the transaction being scored so re-scoring is stable.
	history := recent[:0]
	for _, r := range recent {
		if r.ID != tx.ID {
			history = append(history, r)
		}
	}

	if len(history) == 0 {
		return domain.AgentScore{
			Score:  0,
			Reason: "no recent activity to compare against",
		}, nil
	}

	spike, spikeRatio := a.velocityTerm(tx, history)
	jump, jumpRatio := a.amountTerm(tx, history)

	score := spike
	reason := fmt.Sprintf("transaction rate %.1fx the user baseline", spikeRatio)
	if jump > score {
		score = jump
		reason = fmt.Sprintf("amount %.1fx the recent average", jumpRatio)
	}
	if score <= 0.3 {
		reason = "activity consistent with recent behavior"
	}

	return domain.AgentScore{
		Score:  clamp01(score),
		Reason: reason,
		Details: map[string]any{
			"velocity":    spike,
			"amount_jump": jump,
			"history":     len(history),
		},
	}, nil
}

// velocityTerm compares the count inside the sliding window to the rate
// the baseline window implies for the same span.
func (a *AnomalyAgent) velocityTerm(tx *domain.Transaction, history []*domain.Transaction) (float64, float64) {
	cutoff := tx.Timestamp.Add(-a.cfg.Window)
	var windowCount float64
	for _, h := range history {
		if !h.Timestamp.Before(cutoff) {
			windowCount++
		}
	}

	expected := float64(len(history)) * a.cfg.Window.Seconds() / a.cfg.BaselineWindow.Seconds()
	if expected < 1 {
		expected = 1
	}

	ratio := (windowCount + 1) / expected
	if a.cfg.SpikeRatio <= 1 {
		return 0, ratio
	}
	return clamp01((ratio - 1) / (a.cfg.SpikeRatio - 1)), ratio
}

// amountTerm compares the amount to the recent average.
func (a *AnomalyAgent) amountTerm(tx *domain.Transaction, history []*domain.Transaction) (float64, float64) {
	var sum float64
	for _, h := range history {
		sum += h.Amount
	}
	avg := sum / float64(len(history))
	if avg <= 0 {
		return 0, 0
	}

	ratio := tx.Amount / avg
	if a.cfg.JumpRatio <= 1 {
		return 0, ratio
	}
	return clamp01((ratio - 1) / (a.cfg.JumpRatio - 1)), ratio
}
