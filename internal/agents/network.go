package agents

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ring"
)

// NetworkAgent scores coordinated-fraud signals: shared device
// fingerprints and bursts of distinct users at one merchant. It is the
// only agent with a side effect: crossing the cluster threshold
// persists a fraud ring, idempotently.
type NetworkAgent struct {
	detector *ring.Detector
}

// NewNetworkAgent creates the network agent.
func NewNetworkAgent(detector *ring.Detector) *NetworkAgent {
	return &NetworkAgent{detector: detector}
}

// Name returns the agent identifier.
func (a *NetworkAgent) Name() string { return domain.AgentNetwork }

// Assess computes the network sub-score. Ring detection is surfaced to
// the aggregator through the Details map.
func (a *NetworkAgent) Assess(ctx context.Context, tx *domain.Transaction) (domain.AgentScore, error) {
	det, err := a.detector.Inspect(ctx, tx.TenantID, tx)
	if err != nil {
		return domain.AgentScore{}, err
	}

	details := map[string]any{
		"coordinated": det.Coordinated,
	}
	if det.Ring != nil {
		details["ring_id"] = det.Ring.ID
		details["ring_detected"] = true
		details["victim_count"] = det.Ring.VictimCount
	}

	return domain.AgentScore{
		Score:   clamp01(det.Score),
		Reason:  det.Reason,
		Details: details,
	}, nil
}
