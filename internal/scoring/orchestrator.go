package scoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/agents"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineVersion is stamped into assessment metadata.
const EngineVersion = "1.0.0"

// Escalator applies post-aggregation decision overrides. Overrides may
// only escalate a decision, never downgrade it.
type Escalator interface {
	Escalate(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) error
}

// Orchestrator fans a transaction out to all signal agents in parallel,
// enforces the per-agent and overall time budgets, and aggregates the
// results. A degraded agent (timeout or internal error) is replaced by
// the default sub-score so a single slow signal never stalls scoring.
type Orchestrator struct {
	agents     []agents.Agent
	aggregator *Aggregator
	escalator  Escalator
	cfg        domain.ScoringConfig
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewOrchestrator creates an orchestrator. escalator may be nil.
func NewOrchestrator(agentList []agents.Agent, cfg domain.ScoringConfig, escalator Escalator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		agents:     agentList,
		aggregator: NewAggregator(cfg),
		escalator:  escalator,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("kestrel/scoring"),
	}
}

type agentResult struct {
	name  string
	score domain.AgentScore
	err   error
}

// Score produces the assessment for one transaction. The returned
// assessment is usable even when ErrPartialAgentFailure accompanies it;
// only a store outage yields a nil assessment.
func (o *Orchestrator) Score(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallDeadline)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(
			attribute.String("tenant.id", tx.TenantID),
			attribute.String("tx.id", tx.ID),
		))
	defer span.End()

	scores, fatal := o.runAgents(ctx, tx)
	agentsMs := time.Since(start).Milliseconds()
	if fatal != nil {
		span.RecordError(fatal)
		return nil, fatal
	}

	decisionStart := time.Now()
	a := &domain.Assessment{
		ID:          uuid.New().String(),
		TenantID:    tx.TenantID,
		TxID:        tx.ID,
		AgentScores: scores,
		Timestamp:   time.Now().UTC(),
	}

	for _, name := range domain.AgentNames {
		if scores[name].Degraded {
			a.DegradedAgents = append(a.DegradedAgents, name)
		}
	}

	if detected, _ := scores[domain.AgentNetwork].Details["ring_detected"].(bool); detected {
		a.RingDetected = true
		a.RingID, _ = scores[domain.AgentNetwork].Details["ring_id"].(string)
	}

	o.aggregator.Aggregate(a)

	if o.escalator != nil {
		if err := o.escalator.Escalate(ctx, tx, a); err != nil {
			// Policy evaluation failing must not fail scoring.
			o.logger.Warn("policy escalation failed",
				"tenant_id", tx.TenantID, "tx_id", tx.ID, "error", err)
		}
	}

	a.LatencyMs = time.Since(start).Milliseconds()
	a.Metadata = domain.AssessmentMetadata{
		TraceID:       span.SpanContext().TraceID().String(),
		AgentsMs:      agentsMs,
		DecisionMs:    time.Since(decisionStart).Milliseconds(),
		TotalMs:       a.LatencyMs,
		EngineVersion: EngineVersion,
	}

	span.SetAttributes(
		attribute.Float64("risk.score", a.RiskScore),
		attribute.String("risk.decision", string(a.Decision)),
		attribute.Int("agents.degraded", len(a.DegradedAgents)),
	)

	if len(a.DegradedAgents) > o.cfg.MaxDegraded {
		o.logger.Error("scoring degraded below tolerance",
			"tenant_id", tx.TenantID, "tx_id", tx.ID,
			"degraded", a.DegradedAgents)
		return a, ErrPartialAgentFailure
	}
	return a, nil
}

// runAgents fans out to all agents with a per-agent deadline. Only a
// store outage is fatal; every other failure degrades that one agent.
func (o *Orchestrator) runAgents(ctx context.Context, tx *domain.Transaction) (map[string]domain.AgentScore, error) {
	results := make(chan agentResult, len(o.agents))

	for _, ag := range o.agents {
		go func(ag agents.Agent) {
			actx, acancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
			defer acancel()

			score, err := ag.Assess(actx, tx)
			results <- agentResult{name: ag.Name(), score: score, err: err}
		}(ag)
	}

	scores := make(map[string]domain.AgentScore, len(o.agents))
	var fatal error

	for range o.agents {
		r := <-results
		if r.err != nil {
			if errors.Is(r.err, domain.ErrStoreUnavailable) {
				fatal = r.err
				continue
			}
			o.logger.Warn("agent degraded",
				"agent", r.name, "tx_id", tx.ID, "error", r.err)
			scores[r.name] = domain.AgentScore{
				Score:    o.cfg.DefaultSubScore,
				Reason:   "signal unavailable, default substituted",
				Degraded: true,
			}
			continue
		}
		scores[r.name] = r.score
	}

	if fatal != nil {
		return nil, fatal
	}

	// Agents missing from the wiring still get the default so the
	// weighted sum stays comparable.
	for _, name := range domain.AgentNames {
		if _, ok := scores[name]; !ok {
			scores[name] = domain.AgentScore{
				Score:    o.cfg.DefaultSubScore,
				Reason:   "signal not configured",
				Degraded: true,
			}
		}
	}
	return scores, nil
}
