// Package policy provides the CEL-based decision override engine.
//
// Policies are tenant-defined expressions evaluated after aggregation.
// A matching policy may only escalate the decision (APPROVE → REVIEW →
// BLOCK); the weighted scoring core remains the floor, so a policy can
// never wave a risky transaction through.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based policy evaluation engine.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	store    domain.Store
	compiled map[string][]*CompiledPolicy // tenantID -> policies
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Config  *domain.PolicyConfig
	Program cel.Program
}

// NewEngine creates a policy engine. Policies are loaded per tenant via
// Reload; an unknown tenant simply has no overrides.
func NewEngine(store domain.Store) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("pattern", cel.DoubleType),
		cel.Variable("anomaly", cel.DoubleType),
		cel.Variable("geographic", cel.DoubleType),
		cel.Variable("merchant", cel.DoubleType),
		cel.Variable("network", cel.DoubleType),
		cel.Variable("ring_detected", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		store:    store,
		compiled: make(map[string][]*CompiledPolicy),
	}, nil
}

// Validate compiles a policy without loading it.
func (e *Engine) Validate(cfg *domain.PolicyConfig) error {
	if cfg == nil {
		return fmt.Errorf("policy config is required")
	}
	_, err := e.compile(cfg)
	return err
}

func (e *Engine) compile(cfg *domain.PolicyConfig) (*CompiledPolicy, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("policy %s: expression is required", cfg.ID)
	}
	switch cfg.EscalateTo {
	case domain.DecisionReview, domain.DecisionBlock:
	default:
		return nil, fmt.Errorf("policy %s: escalateTo must be REVIEW or BLOCK", cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy %s: compile failed: %w", cfg.ID, issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy %s: program creation failed: %w", cfg.ID, err)
	}

	return &CompiledPolicy{Config: cfg, Program: program}, nil
}

// Reload replaces a tenant's loaded policies from the store. Policies
// that fail to compile are skipped; the rest still load.
func (e *Engine) Reload(ctx context.Context, tenantID string) (int, error) {
	configs, err := e.store.ListPolicies(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	compiled := make([]*CompiledPolicy, 0, len(configs))
	for _, cfg := range configs {
		p, err := e.compile(cfg)
		if err != nil {
			continue
		}
		compiled = append(compiled, p)
	}

	e.mu.Lock()
	e.compiled[tenantID] = compiled
	e.mu.Unlock()

	return len(compiled), nil
}

// Escalate evaluates the tenant's policies against a finished
// assessment and applies the strongest matching escalation.
func (e *Engine) Escalate(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) error {
	e.mu.RLock()
	policies := e.compiled[tx.TenantID]
	e.mu.RUnlock()

	if len(policies) == 0 {
		return nil
	}

	activation := map[string]any{
		"risk_score":        a.RiskScore,
		"confidence":        a.Confidence,
		"pattern":           a.SubScore(domain.AgentPattern),
		"anomaly":           a.SubScore(domain.AgentAnomaly),
		"geographic":        a.SubScore(domain.AgentGeographic),
		"merchant":          a.SubScore(domain.AgentMerchant),
		"network":           a.SubScore(domain.AgentNetwork),
		"ring_detected":     a.RingDetected,
		"amount":            tx.Amount,
		"merchant_category": tx.MerchantCategory,
		"payment_method":    tx.PaymentMethod,
	}

	var firstErr error
	for _, p := range policies {
		out, _, err := p.Program.Eval(activation)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("policy %s: %w", p.Config.ID, err)
			}
			continue
		}
		if !toBool(out) {
			continue
		}
		if escalates(a.Decision, p.Config.EscalateTo) {
			a.Decision = p.Config.EscalateTo
			a.Reasoning = fmt.Sprintf("%s; policy %s escalated to %s",
				a.Reasoning, p.Config.Name, p.Config.EscalateTo)
		}
	}
	return firstErr
}

// escalates reports whether to is strictly stronger than from.
func escalates(from, to domain.Decision) bool {
	return rank(to) > rank(from)
}

func rank(d domain.Decision) int {
	switch d {
	case domain.DecisionBlock:
		return 2
	case domain.DecisionReview:
		return 1
	default:
		return 0
	}
}

func toBool(val ref.Val) bool {
	if b, ok := val.(types.Bool); ok {
		return bool(b)
	}
	return false
}
