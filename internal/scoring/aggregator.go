package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Aggregator folds agent sub-scores into a risk score, decision,
// confidence and human-readable reasoning. It is pure: same inputs,
// same assessment fields.
type Aggregator struct {
	cfg domain.ScoringConfig
}

// NewAggregator creates an aggregator with an explicit decision policy.
func NewAggregator(cfg domain.ScoringConfig) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate fills the decision fields of an assessment whose AgentScores
// map is already populated (with defaults substituted for degraded
// agents). Weights are renormalized by their sum so a drifted config
// still yields a score in [0,1].
func (g *Aggregator) Aggregate(a *domain.Assessment) {
	weightSum := g.cfg.Weights.Sum()
	if weightSum <= 0 {
		weightSum = 1
	}

	var weighted float64
	for _, name := range domain.AgentNames {
		weighted += g.cfg.Weights.For(name) * a.AgentScores[name].Score
	}
	a.RiskScore = clamp01(weighted / weightSum)

	a.Decision = g.decide(a.RiskScore)
	if a.RingDetected && a.Decision == domain.DecisionApprove {
		// A detected ring is never waved through, whatever the
		// weighted score says.
		a.Decision = domain.DecisionReview
	}

	a.Confidence = g.confidence(a)
	a.Reasoning = g.reasoning(a)
}

func (g *Aggregator) decide(risk float64) domain.Decision {
	switch {
	case risk >= g.cfg.BlockThreshold:
		return domain.DecisionBlock
	case risk >= g.cfg.ReviewThreshold:
		return domain.DecisionReview
	default:
		return domain.DecisionApprove
	}
}

// confidence reflects agreement between agents: tightly clustered
// sub-scores give high confidence, a wide spread low. Degraded agents
// discount it proportionally, since their defaults carry no signal.
func (g *Aggregator) confidence(a *domain.Assessment) float64 {
	n := float64(len(domain.AgentNames))

	var mean float64
	for _, name := range domain.AgentNames {
		mean += a.AgentScores[name].Score
	}
	mean /= n

	var variance float64
	for _, name := range domain.AgentNames {
		d := a.AgentScores[name].Score - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / n)

	// Max stddev for values in [0,1] is 0.5.
	agreement := 1 - stddev/0.5
	healthy := (n - float64(len(a.DegradedAgents))) / n

	return clamp01(agreement * healthy)
}

// reasoning assembles the notable evidence in canonical agent order.
func (g *Aggregator) reasoning(a *domain.Assessment) string {
	var parts []string

	if a.RingDetected {
		parts = append(parts, "transaction linked to an active fraud ring")
	}

	for _, name := range domain.AgentNames {
		score := a.AgentScores[name]
		if score.Degraded || score.Score < g.cfg.NotableThreshold || score.Reason == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, score.Reason))
	}

	if len(a.DegradedAgents) > 0 {
		parts = append(parts, fmt.Sprintf("degraded signals substituted with defaults: %s",
			strings.Join(a.DegradedAgents, ", ")))
	}

	if len(parts) == 0 {
		return "no elevated risk signals"
	}
	return strings.Join(parts, "; ")
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
