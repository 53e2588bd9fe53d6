package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	s, err := New(domain.StoreConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestSQLiteStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		fraud := true
		tx := &domain.Transaction{
			ID:               "tx-001",
			UserID:           "user-001",
			Amount:           150.00,
			Merchant:         "Whole Foods",
			MerchantCategory: "groceries",
			Location: &domain.Location{
				Lat:     40.7128,
				Lon:     -74.0060,
				City:    "New York",
				Country: "US",
			},
			Timestamp:         time.Now().UTC(),
			PaymentMethod:     "credit_card",
			DeviceFingerprint: "device-abc",
			FraudLabel:        &fraud,
			CreatedAt:         time.Now().UTC(),
		}

		if err := s.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		got, err := s.GetTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if got.ID != tx.ID {
			t.Errorf("expected ID %s, got %s", tx.ID, got.ID)
		}
		if got.Amount != tx.Amount {
			t.Errorf("expected Amount %.2f, got %.2f", tx.Amount, got.Amount)
		}
		if got.Location == nil || got.Location.City != "New York" {
			t.Errorf("expected location round-trip, got %+v", got.Location)
		}
		if got.DeviceFingerprint != "device-abc" {
			t.Errorf("expected device fingerprint, got %q", got.DeviceFingerprint)
		}
		if got.FraudLabel == nil || !*got.FraudLabel {
			t.Errorf("expected fraud label true, got %v", got.FraudLabel)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := s.GetTransaction(ctx, "tenant-002", "tx-001")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for wrong tenant, got %v", err)
		}
	})

	t.Run("GetMissingTransaction", func(t *testing.T) {
		_, err := s.GetTransaction(ctx, tenantID, "tx-missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RecentAndLastTransaction", func(t *testing.T) {
		base := time.Now().UTC().Add(-48 * time.Hour)
		for i := 0; i < 5; i++ {
			tx := &domain.Transaction{
				ID:               fmt.Sprintf("tx-recent-%d", i),
				UserID:           "user-recent",
				Amount:           float64(10 * (i + 1)),
				Merchant:         "Shell",
				MerchantCategory: "gas",
				Timestamp:        base.Add(time.Duration(i) * time.Hour),
				PaymentMethod:    "debit_card",
				CreatedAt:        time.Now().UTC(),
			}
			if err := s.SaveTransaction(ctx, tenantID, tx); err != nil {
				t.Fatalf("SaveTransaction failed: %v", err)
			}
		}

		recent, err := s.RecentTransactions(ctx, tenantID, "user-recent", base.Add(90*time.Minute), 10)
		if err != nil {
			t.Fatalf("RecentTransactions failed: %v", err)
		}
		if len(recent) != 3 {
			t.Fatalf("expected 3 recent transactions, got %d", len(recent))
		}
		if recent[0].ID != "tx-recent-4" {
			t.Errorf("expected newest first, got %s", recent[0].ID)
		}

		last, err := s.LastTransaction(ctx, tenantID, "user-recent", base.Add(150*time.Minute))
		if err != nil {
			t.Fatalf("LastTransaction failed: %v", err)
		}
		if last.ID != "tx-recent-2" {
			t.Errorf("expected tx-recent-2, got %s", last.ID)
		}

		_, err = s.LastTransaction(ctx, tenantID, "user-nobody", time.Now().UTC())
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown user, got %v", err)
		}
	})

	t.Run("UserProfile", func(t *testing.T) {
		profile := &domain.UserProfile{
			UserID:           "user-001",
			AverageAmount:    150.0,
			CommonCategories: []string{"groceries", "gas"},
			HomeLocation: &domain.Location{
				Lat:     40.7128,
				Lon:     -74.0060,
				City:    "New York",
				Country: "US",
			},
		}

		if err := s.SaveUserProfile(ctx, tenantID, profile); err != nil {
			t.Fatalf("SaveUserProfile failed: %v", err)
		}

		got, err := s.GetUserProfile(ctx, tenantID, "user-001")
		if err != nil {
			t.Fatalf("GetUserProfile failed: %v", err)
		}
		if got.AverageAmount != 150.0 {
			t.Errorf("expected average 150, got %.2f", got.AverageAmount)
		}
		if len(got.CommonCategories) != 2 || got.CommonCategories[0] != "groceries" {
			t.Errorf("unexpected categories: %v", got.CommonCategories)
		}

		// Upsert overwrites
		profile.AverageAmount = 200.0
		if err := s.SaveUserProfile(ctx, tenantID, profile); err != nil {
			t.Fatalf("SaveUserProfile upsert failed: %v", err)
		}
		got, err = s.GetUserProfile(ctx, tenantID, "user-001")
		if err != nil {
			t.Fatalf("GetUserProfile failed: %v", err)
		}
		if got.AverageAmount != 200.0 {
			t.Errorf("expected average 200 after upsert, got %.2f", got.AverageAmount)
		}
	})

	t.Run("MerchantProfile", func(t *testing.T) {
		profile := &domain.MerchantProfile{
			Name:      "QuickCash4U",
			Category:  "financial_services",
			FraudRate: 0.45,
			TotalTxns: 120,
			Embedding: []float32{0.1, 0.2, 0.3},
		}

		if err := s.SaveMerchantProfile(ctx, tenantID, profile); err != nil {
			t.Fatalf("SaveMerchantProfile failed: %v", err)
		}

		got, err := s.GetMerchantProfile(ctx, tenantID, "QuickCash4U")
		if err != nil {
			t.Fatalf("GetMerchantProfile failed: %v", err)
		}
		if got.FraudRate != 0.45 {
			t.Errorf("expected fraud rate 0.45, got %.2f", got.FraudRate)
		}
		if len(got.Embedding) != 3 {
			t.Errorf("expected embedding round-trip, got %v", got.Embedding)
		}

		_, err = s.GetMerchantProfile(ctx, tenantID, "Unknown Shop")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestFraudRingPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	ring := &domain.FraudRing{
		SharedIdentifier: "device_fingerprint:device-xyz",
		Merchant:         "QuickCash4U",
		MemberUsers:      []string{"u1", "u2", "u3"},
		MemberTxIDs:      []string{"t1", "t2", "t3"},
		VictimCount:      3,
		TotalAmount:      1500.00,
	}

	created, err := s.UpsertFraudRing(ctx, tenantID, ring)
	if err != nil {
		t.Fatalf("UpsertFraudRing failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ring ID")
	}
	if created.Status != domain.RingStatusActive {
		t.Errorf("expected ACTIVE status, got %s", created.Status)
	}

	// Re-detecting the same cluster updates, never duplicates.
	ring.VictimCount = 5
	ring.MemberUsers = append(ring.MemberUsers, "u4", "u5")
	ring.TotalAmount = 2500.00

	updated, err := s.UpsertFraudRing(ctx, tenantID, ring)
	if err != nil {
		t.Fatalf("UpsertFraudRing update failed: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("expected stable ring ID %s, got %s", created.ID, updated.ID)
	}
	if updated.VictimCount != 5 {
		t.Errorf("expected victim count 5, got %d", updated.VictimCount)
	}
	if len(updated.MemberUsers) != 5 {
		t.Errorf("expected 5 member users, got %d", len(updated.MemberUsers))
	}

	rings, err := s.ListFraudRings(ctx, tenantID, domain.RingStatusActive)
	if err != nil {
		t.Fatalf("ListFraudRings failed: %v", err)
	}
	if len(rings) != 1 {
		t.Fatalf("expected 1 active ring, got %d", len(rings))
	}

	if err := s.ResolveFraudRing(ctx, tenantID, created.ID); err != nil {
		t.Fatalf("ResolveFraudRing failed: %v", err)
	}

	resolved, err := s.GetFraudRing(ctx, tenantID, created.ID)
	if err != nil {
		t.Fatalf("GetFraudRing failed: %v", err)
	}
	if resolved.Status != domain.RingStatusResolved {
		t.Errorf("expected RESOLVED status, got %s", resolved.Status)
	}

	if err := s.ResolveFraudRing(ctx, tenantID, "ring-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound resolving missing ring, got %v", err)
	}
}

func TestAssessmentIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	a := &domain.Assessment{
		ID:     "assess-001",
		TxID:   "tx-100",
		AgentScores: map[string]domain.AgentScore{
			domain.AgentPattern: {Score: 0.3, Reason: "amount within normal range"},
		},
		RiskScore:  0.35,
		Decision:   domain.DecisionApprove,
		Confidence: 0.9,
		Reasoning:  "all signals nominal",
		LatencyMs:  42,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.SaveAssessment(ctx, tenantID, a); err != nil {
		t.Fatalf("SaveAssessment failed: %v", err)
	}

	// Same transaction scored again: first assessment wins.
	dup := *a
	dup.ID = "assess-002"
	dup.RiskScore = 0.99
	if err := s.SaveAssessment(ctx, tenantID, &dup); err != nil {
		t.Fatalf("duplicate SaveAssessment failed: %v", err)
	}

	got, err := s.GetAssessment(ctx, tenantID, "assess-001")
	if err != nil {
		t.Fatalf("GetAssessment failed: %v", err)
	}
	if got.RiskScore != 0.35 {
		t.Errorf("expected original risk score 0.35, got %.2f", got.RiskScore)
	}
	if got.Decision != domain.DecisionApprove {
		t.Errorf("expected APPROVE, got %s", got.Decision)
	}
	if got.AgentScores[domain.AgentPattern].Score != 0.3 {
		t.Errorf("expected pattern score round-trip, got %+v", got.AgentScores)
	}

	if _, err := s.GetAssessment(ctx, tenantID, "assess-002"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for suppressed duplicate, got %v", err)
	}
}

func TestLexicalSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	seed := []struct {
		id       string
		merchant string
		category string
		amount   float64
	}{
		{"tx-l1", "Whole Foods", "groceries", 85.00},
		{"tx-l2", "Shell", "gas", 40.00},
		{"tx-l3", "Electronics Depot", "electronics", 999.00},
	}
	for _, row := range seed {
		tx := &domain.Transaction{
			ID:               row.id,
			UserID:           "user-lex",
			Amount:           row.amount,
			Merchant:         row.merchant,
			MerchantCategory: row.category,
			Timestamp:        time.Now().UTC(),
			PaymentMethod:    "credit_card",
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}

	hits, err := s.LexicalSearch(ctx, tenantID, "electronics spending", 10, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("LexicalSearch failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].TxID != "tx-l3" {
		t.Errorf("expected tx-l3 ranked first, got %s", hits[0].TxID)
	}
	if hits[0].Relevance <= hits[len(hits)-1].Relevance && len(hits) > 1 {
		t.Errorf("expected descending relevance: %+v", hits)
	}

	// Unknown terms match nothing.
	hits, err = s.LexicalSearch(ctx, tenantID, "zzqqxx", 10, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("LexicalSearch failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	fraud := true
	seed := []struct {
		id        string
		embedding []float32
		fraud     *bool
	}{
		{"tx-v1", []float32{1, 0, 0}, nil},
		{"tx-v2", []float32{0.9, 0.1, 0}, &fraud},
		{"tx-v3", []float32{0, 1, 0}, nil},
	}
	for _, row := range seed {
		tx := &domain.Transaction{
			ID:               row.id,
			UserID:           "user-vec",
			Amount:           100,
			Merchant:         "Shop",
			MerchantCategory: "retail",
			Timestamp:        time.Now().UTC(),
			PaymentMethod:    "credit_card",
			FraudLabel:       row.fraud,
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
		if err := s.SetTransactionEmbedding(ctx, tenantID, row.id, row.embedding); err != nil {
			t.Fatalf("SetTransactionEmbedding failed: %v", err)
		}
	}

	hits, err := s.VectorSearch(ctx, tenantID, []float32{1, 0, 0}, 2, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].TxID != "tx-v1" {
		t.Errorf("expected exact match first, got %s", hits[0].TxID)
	}
	if hits[0].Similarity <= hits[1].Similarity {
		t.Errorf("expected descending similarity: %+v", hits)
	}
	if hits[1].TxID != "tx-v2" || !hits[1].FraudLabel {
		t.Errorf("expected fraud-labeled tx-v2 second, got %+v", hits[1])
	}

	// FraudOnly filter narrows candidates.
	hits, err = s.VectorSearch(ctx, tenantID, []float32{1, 0, 0}, 5, domain.SearchFilter{FraudOnly: true})
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if len(hits) != 1 || hits[0].TxID != "tx-v2" {
		t.Errorf("expected only fraud-labeled hit, got %+v", hits)
	}
}

func TestGroupedCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		tx := &domain.Transaction{
			ID:                fmt.Sprintf("tx-g%d", i),
			UserID:            fmt.Sprintf("user-g%d", i),
			Amount:            250.00,
			Merchant:          "QuickCash4U",
			MerchantCategory:  "financial_services",
			Timestamp:         now.Add(-time.Duration(i) * time.Minute),
			PaymentMethod:     "credit_card",
			DeviceFingerprint: "device-shared",
			CreatedAt:         now,
		}
		if err := s.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}

	since := now.Add(-24 * time.Hour)

	count, err := s.DistinctUsersByDevice(ctx, tenantID, "device-shared", "user-g0", since)
	if err != nil {
		t.Fatalf("DistinctUsersByDevice failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 other users, got %d", count)
	}

	count, err = s.DistinctUsersByMerchant(ctx, tenantID, "QuickCash4U", now, time.Hour)
	if err != nil {
		t.Fatalf("DistinctUsersByMerchant failed: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 users at merchant, got %d", count)
	}

	users, err := s.UsersByDevice(ctx, tenantID, "device-shared", since)
	if err != nil {
		t.Fatalf("UsersByDevice failed: %v", err)
	}
	if len(users) != 4 {
		t.Errorf("expected 4 users, got %v", users)
	}

	total, err := s.AmountByDevice(ctx, tenantID, "device-shared", since)
	if err != nil {
		t.Fatalf("AmountByDevice failed: %v", err)
	}
	if total != 1000.00 {
		t.Errorf("expected total 1000, got %.2f", total)
	}
}

func TestPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	p := &domain.PolicyConfig{
		ID:         "policy-001",
		Name:       "high-amount-review",
		Expression: `amount > 5000.0 && risk_score > 0.3`,
		EscalateTo: domain.DecisionReview,
		Enabled:    true,
	}
	if err := s.SavePolicy(ctx, tenantID, p); err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}

	disabled := &domain.PolicyConfig{
		ID:         "policy-002",
		Name:       "disabled-rule",
		Expression: `true`,
		EscalateTo: domain.DecisionBlock,
		Enabled:    false,
	}
	if err := s.SavePolicy(ctx, tenantID, disabled); err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}

	policies, err := s.ListPolicies(ctx, tenantID)
	if err != nil {
		t.Fatalf("ListPolicies failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 enabled policy, got %d", len(policies))
	}
	if policies[0].ID != "policy-001" || policies[0].EscalateTo != domain.DecisionReview {
		t.Errorf("unexpected policy: %+v", policies[0])
	}
}
