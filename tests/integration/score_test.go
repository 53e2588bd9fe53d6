//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel fraud
// scoring engine.
//
// These tests verify the COMPLETE scoring pipeline:
//
//	Transaction → 5 agents in parallel → weighted aggregate → decision
//
// Run against a live instance with:
//
//	go run ./cmd/kestrel &
//	go test -tags=integration -v ./tests/integration/...
//
// Set KESTREL_TEST_URL to target a non-default instance.
//
// UNDERSTANDING THE DOMAIN:
//
//  1. TRANSACTION: one card/payment event for a user at a merchant.
//  2. AGENTS: five independent signals scored in parallel —
//     pattern (user habit fit), anomaly (velocity/amount spikes),
//     geographic (travel plausibility), merchant (reputation and fraud
//     similarity), network (shared-device ring clustering).
//  3. DECISION: weighted aggregate mapped to APPROVE / REVIEW / BLOCK
//     (REVIEW at 0.4, BLOCK at 0.7, both inclusive).
//  4. RING: three or more distinct users on one device fingerprint;
//     a detected ring forces at least REVIEW.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig(t *testing.T) testConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	// Unique tenant per run so reruns never see stale history.
	return testConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("itest-%d", time.Now().UnixNano()),
	}
}

type scoreRequest struct {
	UserID            string    `json:"userId"`
	Amount            float64   `json:"amount"`
	Merchant          string    `json:"merchant"`
	MerchantCategory  string    `json:"merchantCategory"`
	Location          *location `json:"location,omitempty"`
	PaymentMethod     string    `json:"paymentMethod,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
}

type location struct {
	City    string  `json:"city"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type agentScore struct {
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
	Degraded bool    `json:"degraded,omitempty"`
}

type scoreResponse struct {
	AssessmentID   string                `json:"assessmentId"`
	TxID           string                `json:"txId"`
	RiskScore      float64               `json:"riskScore"`
	Decision       string                `json:"decision"`
	Confidence     float64               `json:"confidence"`
	Reasoning      string                `json:"reasoning"`
	AgentScores    map[string]agentScore `json:"agentScores"`
	RingDetected   bool                  `json:"ringDetected"`
	RingID         string                `json:"ringId,omitempty"`
	Partial        bool                  `json:"partial,omitempty"`
	DegradedAgents []string              `json:"degradedAgents,omitempty"`
	Metadata       struct {
		TraceID       string `json:"traceId"`
		TotalMs       int64  `json:"totalMs"`
		EngineVersion string `json:"engineVersion"`
	} `json:"metadata"`
}

func score(t *testing.T, cfg testConfig, req scoreRequest) scoreResponse {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, cfg.BaseURL+"/score", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", cfg.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	require.NoError(t, err, "is kestrel running? start with: go run ./cmd/kestrel")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result scoreResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func TestNormalTransaction_Approved(t *testing.T) {
	// A modest first purchase with no history carries no strong signal
	// from any agent, so the aggregate stays under the review threshold.
	cfg := getTestConfig(t)

	result := score(t, cfg, scoreRequest{
		UserID:           "customer-normal-001",
		Amount:           45.00,
		Merchant:         "Corner Grocery",
		MerchantCategory: "groceries",
		PaymentMethod:    "card",
	})

	assert.Equal(t, "APPROVE", result.Decision)
	assert.Less(t, result.RiskScore, 0.4)
	assert.Len(t, result.AgentScores, 5)
	assert.False(t, result.Partial)
	assert.NotEmpty(t, result.Reasoning)
}

func TestImpossibleTravel_GeographicSignal(t *testing.T) {
	// Two transactions minutes apart on different continents. The
	// implied speed is far beyond any airliner, so the geographic agent
	// must score its maximum.
	cfg := getTestConfig(t)

	score(t, cfg, scoreRequest{
		UserID:           "customer-travel-001",
		Amount:           60.00,
		Merchant:         "NYC Deli",
		MerchantCategory: "restaurants",
		Location:         &location{City: "New York", Country: "US", Lat: 40.7128, Lon: -74.0060},
	})

	result := score(t, cfg, scoreRequest{
		UserID:           "customer-travel-001",
		Amount:           800.00,
		Merchant:         "Lagos Electronics",
		MerchantCategory: "electronics",
		Location:         &location{City: "Lagos", Country: "NG", Lat: 6.5244, Lon: 3.3792},
	})

	geo := result.AgentScores["geographic"]
	assert.InDelta(t, 1.0, geo.Score, 0.001, "impossible travel should max the geographic score")
	assert.False(t, geo.Degraded)
}

func TestVelocityBurst_AnomalySignal(t *testing.T) {
	// A burst of purchases in quick succession against an empty
	// baseline. The anomaly agent's velocity term should climb as the
	// burst grows.
	cfg := getTestConfig(t)

	var last scoreResponse
	for i := 0; i < 8; i++ {
		last = score(t, cfg, scoreRequest{
			UserID:           "customer-burst-001",
			Amount:           99.00,
			Merchant:         "Gift Cards Direct",
			MerchantCategory: "gift_cards",
		})
	}

	anomaly := last.AgentScores["anomaly"]
	assert.Greater(t, anomaly.Score, 0.0, "a burst should register on the velocity term")
}

func TestSharedDevice_RingDetection(t *testing.T) {
	// Three distinct users transacting from one device fingerprint
	// crosses the cluster threshold. A detected ring forces at least
	// REVIEW regardless of the weighted aggregate.
	cfg := getTestConfig(t)

	fingerprint := "device-itest-ring"
	var last scoreResponse
	for i := 1; i <= 3; i++ {
		last = score(t, cfg, scoreRequest{
			UserID:            fmt.Sprintf("ring-user-%03d", i),
			Amount:            150.00,
			Merchant:          "Gift Cards Direct",
			MerchantCategory:  "gift_cards",
			DeviceFingerprint: fingerprint,
		})
	}

	assert.True(t, last.RingDetected, "three users on one device should form a ring")
	assert.NotEmpty(t, last.RingID)
	assert.Contains(t, []string{"REVIEW", "BLOCK"}, last.Decision,
		"ring detection must escalate past APPROVE")

	// The ring is queryable through the investigation API.
	req, _ := http.NewRequest(http.MethodGet, cfg.BaseURL+"/rings", nil)
	req.Header.Set("X-Tenant-ID", cfg.TenantID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rings struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rings))
	assert.GreaterOrEqual(t, rings.Count, 1)
}

func TestAssessmentRetrieval(t *testing.T) {
	cfg := getTestConfig(t)

	scored := score(t, cfg, scoreRequest{
		UserID:           "customer-retrieval-001",
		Amount:           25.00,
		Merchant:         "Bookshop",
		MerchantCategory: "retail",
	})

	req, _ := http.NewRequest(http.MethodGet, cfg.BaseURL+"/assessments/"+scored.AssessmentID, nil)
	req.Header.Set("X-Tenant-ID", cfg.TenantID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a struct {
		TxID      string  `json:"txId"`
		RiskScore float64 `json:"riskScore"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	assert.Equal(t, scored.TxID, a.TxID)
	assert.InDelta(t, scored.RiskScore, a.RiskScore, 1e-9)
}

func TestValidation(t *testing.T) {
	cfg := getTestConfig(t)
	client := &http.Client{Timeout: 10 * time.Second}

	post := func(t *testing.T, tenant string, body string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, cfg.BaseURL+"/score", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if tenant != "" {
			req.Header.Set("X-Tenant-ID", tenant)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	cases := []struct {
		name   string
		tenant string
		body   string
		want   int
	}{
		{"MissingTenant", "", `{"userId":"u","amount":10,"merchant":"m"}`, http.StatusBadRequest},
		{"MissingUserID", cfg.TenantID, `{"amount":10,"merchant":"m"}`, http.StatusBadRequest},
		{"ZeroAmount", cfg.TenantID, `{"userId":"u","amount":0,"merchant":"m"}`, http.StatusBadRequest},
		{"MalformedJSON", cfg.TenantID, `not-json`, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, post(t, tc.tenant, tc.body))
		})
	}
}

func TestResponseMetadata(t *testing.T) {
	cfg := getTestConfig(t)

	result := score(t, cfg, scoreRequest{
		UserID:           "customer-metadata-001",
		Amount:           100.00,
		Merchant:         "Hardware Store",
		MerchantCategory: "retail",
	})

	assert.NotEmpty(t, result.AssessmentID)
	assert.NotEmpty(t, result.TxID)
	assert.Contains(t, []string{"APPROVE", "REVIEW", "BLOCK"}, result.Decision)
	assert.GreaterOrEqual(t, result.RiskScore, 0.0)
	assert.LessOrEqual(t, result.RiskScore, 1.0)
	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)
	assert.NotEmpty(t, result.Metadata.TraceID)
	assert.NotEmpty(t, result.Metadata.EngineVersion)
	assert.GreaterOrEqual(t, result.Metadata.TotalMs, int64(0))
}
