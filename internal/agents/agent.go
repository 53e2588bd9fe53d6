// Package agents implements the specialized risk signals that feed the
// scoring orchestrator. Each agent inspects one dimension of a
// transaction and returns a sub-score in [0,1] with an explanation.
package agents

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Agent produces one risk signal for a transaction. Assess must be
// deterministic given the same transaction and store contents, must not
// mutate any shared state, and must honor ctx cancellation: the
// orchestrator enforces a per-agent deadline through the context.
type Agent interface {
	Name() string
	Assess(ctx context.Context, tx *domain.Transaction) (domain.AgentScore, error)
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
