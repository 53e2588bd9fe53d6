package domain

import "time"

// PolicyConfig is a decision override rule. Policies are CEL expressions
// evaluated over the final score vector; a matching policy escalates the
// decision to EscalateTo. Policies can only tighten a decision, never
// loosen one, so aggregate monotonicity is preserved.
type PolicyConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Expression is a CEL expression returning bool. Available variables:
	// risk_score, confidence, pattern, anomaly, geographic, merchant,
	// network, ring_detected, amount, merchant_category, payment_method.
	Expression string `json:"expression"`

	// EscalateTo is the minimum decision when the expression matches:
	// "REVIEW" or "BLOCK".
	EscalateTo Decision `json:"escalateTo"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
