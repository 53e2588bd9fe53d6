package domain

import (
	"time"
)

// Decision is the final verdict on a scored transaction.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReview  Decision = "REVIEW"
	DecisionBlock   Decision = "BLOCK"
)

// Agent names. Aggregation weights and evidence ordering are keyed on these.
const (
	AgentPattern    = "pattern"
	AgentAnomaly    = "anomaly"
	AgentGeographic = "geographic"
	AgentMerchant   = "merchant"
	AgentNetwork    = "network"
)

// AgentNames lists all agents in canonical order. Reasoning assembly and
// weighted aggregation iterate this slice so output is deterministic.
var AgentNames = []string{AgentPattern, AgentAnomaly, AgentGeographic, AgentMerchant, AgentNetwork}

// AgentScore is one agent's bounded risk estimate with supporting evidence.
type AgentScore struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`

	// Degraded marks a substituted default score after a timeout or
	// internal agent error.
	Degraded bool `json:"degraded,omitempty"`

	// Details carries agent-specific evidence for auditability. Not
	// authoritative, purely explanatory.
	Details map[string]any `json:"details,omitempty"`
}

// Assessment is the scoring result for a single transaction. It is
// produced exactly once per transaction and never mutated afterward.
type Assessment struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId"`

	AgentScores map[string]AgentScore `json:"agentScores"`

	RiskScore  float64  `json:"riskScore"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`

	RingDetected bool   `json:"ringDetected"`
	RingID       string `json:"ringId,omitempty"`

	Reasoning string `json:"reasoning"`

	// DegradedAgents names the agents whose scores were substituted.
	DegradedAgents []string `json:"degradedAgents,omitempty"`

	LatencyMs int64     `json:"latencyMs"`
	Timestamp time.Time `json:"timestamp"`

	Metadata AssessmentMetadata `json:"metadata"`
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID       string `json:"traceId"`
	AgentsMs      int64  `json:"agentsMs"`
	DecisionMs    int64  `json:"decisionMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// SubScore returns the named agent's score, or 0 when absent.
func (a *Assessment) SubScore(agent string) float64 {
	return a.AgentScores[agent].Score
}
