package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type stubStore struct {
	domain.Store

	policies []*domain.PolicyConfig
	err      error
}

func (s *stubStore) ListPolicies(ctx context.Context, tenantID string) ([]*domain.PolicyConfig, error) {
	return s.policies, s.err
}

func newEngine(t *testing.T, policies ...*domain.PolicyConfig) *Engine {
	t.Helper()

	e, err := NewEngine(&stubStore{policies: policies})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	n, err := e.Reload(context.Background(), "tenant-001")
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n != len(policies) {
		t.Fatalf("expected %d policies loaded, got %d", len(policies), n)
	}
	return e
}

func assessment(risk float64, decision domain.Decision) *domain.Assessment {
	return &domain.Assessment{
		TenantID:  "tenant-001",
		RiskScore: risk,
		Decision:  decision,
		Reasoning: "baseline",
		AgentScores: map[string]domain.AgentScore{
			domain.AgentPattern: {Score: 0.3},
			domain.AgentNetwork: {Score: 0.2},
		},
	}
}

func TestEscalateOnMatch(t *testing.T) {
	e := newEngine(t, &domain.PolicyConfig{
		ID:         "p1",
		Name:       "large-card-payments",
		Expression: `amount > 5000.0 && payment_method == "credit_card"`,
		EscalateTo: domain.DecisionReview,
		Enabled:    true,
	})

	tx := &domain.Transaction{TenantID: "tenant-001", Amount: 9000, PaymentMethod: "credit_card"}
	a := assessment(0.2, domain.DecisionApprove)

	if err := e.Escalate(context.Background(), tx, a); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if a.Decision != domain.DecisionReview {
		t.Errorf("expected REVIEW, got %s", a.Decision)
	}
	if !strings.Contains(a.Reasoning, "large-card-payments") {
		t.Errorf("expected policy named in reasoning, got %q", a.Reasoning)
	}
}

func TestNeverDowngrades(t *testing.T) {
	e := newEngine(t, &domain.PolicyConfig{
		ID:         "p1",
		Name:       "always-review",
		Expression: `true`,
		EscalateTo: domain.DecisionReview,
		Enabled:    true,
	})

	tx := &domain.Transaction{TenantID: "tenant-001", Amount: 100}
	a := assessment(0.9, domain.DecisionBlock)

	if err := e.Escalate(context.Background(), tx, a); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if a.Decision != domain.DecisionBlock {
		t.Errorf("expected BLOCK preserved, got %s", a.Decision)
	}
	if strings.Contains(a.Reasoning, "always-review") {
		t.Errorf("expected no reasoning change for non-escalating match, got %q", a.Reasoning)
	}
}

func TestNoMatchNoChange(t *testing.T) {
	e := newEngine(t, &domain.PolicyConfig{
		ID:         "p1",
		Name:       "ring-block",
		Expression: `ring_detected && network > 0.5`,
		EscalateTo: domain.DecisionBlock,
		Enabled:    true,
	})

	tx := &domain.Transaction{TenantID: "tenant-001", Amount: 100}
	a := assessment(0.2, domain.DecisionApprove)

	if err := e.Escalate(context.Background(), tx, a); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if a.Decision != domain.DecisionApprove {
		t.Errorf("expected APPROVE unchanged, got %s", a.Decision)
	}
}

func TestSubScoreVariables(t *testing.T) {
	e := newEngine(t, &domain.PolicyConfig{
		ID:         "p1",
		Name:       "pattern-spike",
		Expression: `pattern >= 0.3 && risk_score < 0.4`,
		EscalateTo: domain.DecisionReview,
		Enabled:    true,
	})

	tx := &domain.Transaction{TenantID: "tenant-001"}
	a := assessment(0.2, domain.DecisionApprove)

	if err := e.Escalate(context.Background(), tx, a); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if a.Decision != domain.DecisionReview {
		t.Errorf("expected sub-score variable match, got %s", a.Decision)
	}
}

func TestUnknownTenantNoop(t *testing.T) {
	e, err := NewEngine(&stubStore{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	tx := &domain.Transaction{TenantID: "tenant-unseen"}
	a := assessment(0.2, domain.DecisionApprove)
	if err := e.Escalate(context.Background(), tx, a); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if a.Decision != domain.DecisionApprove {
		t.Errorf("expected no change for unknown tenant, got %s", a.Decision)
	}
}

func TestValidate(t *testing.T) {
	e, err := NewEngine(&stubStore{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := e.Validate(&domain.PolicyConfig{
		ID: "ok", Expression: `risk_score > 0.5`, EscalateTo: domain.DecisionBlock,
	}); err != nil {
		t.Errorf("expected valid policy, got %v", err)
	}

	if err := e.Validate(&domain.PolicyConfig{
		ID: "bad-expr", Expression: `risk_score >>> 0.5`, EscalateTo: domain.DecisionBlock,
	}); err == nil {
		t.Error("expected compile error")
	}

	if err := e.Validate(&domain.PolicyConfig{
		ID: "bad-target", Expression: `true`, EscalateTo: domain.DecisionApprove,
	}); err == nil {
		t.Error("expected escalation target error")
	}

	if err := e.Validate(&domain.PolicyConfig{
		ID: "unknown-var", Expression: `nonexistent_variable > 1.0`, EscalateTo: domain.DecisionBlock,
	}); err == nil {
		t.Error("expected undeclared variable error")
	}
}

func TestReloadSkipsBroken(t *testing.T) {
	store := &stubStore{policies: []*domain.PolicyConfig{
		{ID: "good", Expression: `true`, EscalateTo: domain.DecisionReview, Enabled: true},
		{ID: "broken", Expression: `)((`, EscalateTo: domain.DecisionReview, Enabled: true},
	}}
	e, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	n, err := e.Reload(context.Background(), "tenant-001")
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 policy loaded, got %d", n)
	}
}
