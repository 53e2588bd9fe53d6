package ring

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type stubStore struct {
	domain.Store

	usersOnDevice    int64
	usersAtMerchant  int64
	deviceUsers      []string
	deviceAmount     float64
	existingRing     *domain.FraudRing
	upserted         *domain.FraudRing
	deviceErr        error
}

func (s *stubStore) DistinctUsersByDevice(ctx context.Context, tenantID, fingerprint, excludeUser string, since time.Time) (int64, error) {
	return s.usersOnDevice, s.deviceErr
}

func (s *stubStore) DistinctUsersByMerchant(ctx context.Context, tenantID, merchant string, around time.Time, window time.Duration) (int64, error) {
	return s.usersAtMerchant, nil
}

func (s *stubStore) UsersByDevice(ctx context.Context, tenantID, fingerprint string, since time.Time) ([]string, error) {
	return s.deviceUsers, nil
}

func (s *stubStore) AmountByDevice(ctx context.Context, tenantID, fingerprint string, since time.Time) (float64, error) {
	return s.deviceAmount, nil
}

func (s *stubStore) GetFraudRingByIdentifier(ctx context.Context, tenantID, sharedIdentifier string) (*domain.FraudRing, error) {
	if s.existingRing == nil {
		return nil, domain.ErrNotFound
	}
	return s.existingRing, nil
}

func (s *stubStore) UpsertFraudRing(ctx context.Context, tenantID string, ring *domain.FraudRing) (*domain.FraudRing, error) {
	if ring.ID == "" {
		ring.ID = uuid.New().String()
	}
	ring.Status = domain.RingStatusActive
	s.upserted = ring
	return ring, nil
}

func testCfg() domain.RingConfig {
	return domain.RingConfig{
		MinClusterSize:     3,
		Lookback:           30 * 24 * time.Hour,
		Saturation:         2.0,
		CoordinationWindow: time.Hour,
		CoordinationMin:    5,
	}
}

func testTx(device string) *domain.Transaction {
	return &domain.Transaction{
		ID:                "tx-001",
		UserID:            "user-001",
		Amount:            250.00,
		Merchant:          "QuickCash4U",
		MerchantCategory:  "financial_services",
		Timestamp:         time.Now().UTC(),
		PaymentMethod:     "credit_card",
		DeviceFingerprint: device,
	}
}

func TestNoFingerprint(t *testing.T) {
	d := NewDetector(&stubStore{usersOnDevice: 99}, testCfg())

	det, err := d.Inspect(context.Background(), "tenant-001", testTx(""))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if det.Score != 0 {
		t.Errorf("expected score 0 without fingerprint, got %.2f", det.Score)
	}
	if det.Ring != nil {
		t.Error("expected no ring without fingerprint")
	}
}

func TestSingleUserDevice(t *testing.T) {
	d := NewDetector(&stubStore{usersOnDevice: 0}, testCfg())

	det, err := d.Inspect(context.Background(), "tenant-001", testTx("device-solo"))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if det.Score != 0 {
		t.Errorf("expected score 0 for single-user device, got %.2f", det.Score)
	}
	if det.Ring != nil {
		t.Error("expected no ring for single-user device")
	}
}

func TestSharedDeviceBelowThreshold(t *testing.T) {
	store := &stubStore{usersOnDevice: 1} // 2 total, below cluster size 3
	d := NewDetector(store, testCfg())

	det, err := d.Inspect(context.Background(), "tenant-001", testTx("device-pair"))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	// 2/(2+2) = 0.5
	if math.Abs(det.Score-0.5) > 1e-9 {
		t.Errorf("expected score 0.5, got %.4f", det.Score)
	}
	if det.Ring != nil {
		t.Error("expected no ring below cluster threshold")
	}
	if store.upserted != nil {
		t.Error("expected no upsert below cluster threshold")
	}
}

func TestRingDetected(t *testing.T) {
	store := &stubStore{
		usersOnDevice: 4, // 5 total
		deviceUsers:   []string{"user-001", "user-002", "user-003", "user-004", "user-005"},
		deviceAmount:  2500.00,
	}
	d := NewDetector(store, testCfg())

	det, err := d.Inspect(context.Background(), "tenant-001", testTx("device-ring"))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	// 5/(5+2) ≈ 0.714
	if math.Abs(det.Score-5.0/7.0) > 1e-9 {
		t.Errorf("expected score %.4f, got %.4f", 5.0/7.0, det.Score)
	}
	if det.Ring == nil {
		t.Fatal("expected ring detection")
	}
	if det.Ring.SharedIdentifier != "device_fingerprint:device-ring" {
		t.Errorf("unexpected identifier: %s", det.Ring.SharedIdentifier)
	}
	if det.Ring.VictimCount != 5 {
		t.Errorf("expected victim count 5, got %d", det.Ring.VictimCount)
	}
	if det.Ring.TotalAmount != 2500.00 {
		t.Errorf("expected total amount 2500, got %.2f", det.Ring.TotalAmount)
	}
	if len(det.Ring.MemberUsers) != 5 {
		t.Errorf("expected 5 members, got %v", det.Ring.MemberUsers)
	}
}

func TestRingMergesWithExisting(t *testing.T) {
	store := &stubStore{
		usersOnDevice: 2, // 3 total, at threshold
		deviceUsers:   []string{"user-001", "user-002", "user-003"},
		deviceAmount:  900.00,
		existingRing: &domain.FraudRing{
			ID:               "ring-existing",
			SharedIdentifier: "device_fingerprint:device-ring",
			MemberUsers:      []string{"user-002", "user-009"},
			MemberTxIDs:      []string{"tx-old"},
			VictimCount:      4,
		},
	}
	d := NewDetector(store, testCfg())

	det, err := d.Inspect(context.Background(), "tenant-001", testTx("device-ring"))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if det.Ring.ID != "ring-existing" {
		t.Errorf("expected stable ring ID, got %s", det.Ring.ID)
	}
	// Union of {u1,u2,u3} and {u2,u9}.
	if len(det.Ring.MemberUsers) != 4 {
		t.Errorf("expected 4 merged members, got %v", det.Ring.MemberUsers)
	}
	if len(det.Ring.MemberTxIDs) != 2 {
		t.Errorf("expected merged tx IDs, got %v", det.Ring.MemberTxIDs)
	}
	// Victim count never shrinks on re-detection.
	if det.Ring.VictimCount != 4 {
		t.Errorf("expected victim count 4, got %d", det.Ring.VictimCount)
	}
}

func TestCoordinationFloor(t *testing.T) {
	store := &stubStore{usersOnDevice: 0, usersAtMerchant: 8}
	d := NewDetector(store, testCfg())

	det, err := d.Inspect(context.Background(), "tenant-001", testTx("device-solo"))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !det.Coordinated {
		t.Error("expected coordination flag")
	}
	if det.Score != 0.5 {
		t.Errorf("expected coordination floor 0.5, got %.4f", det.Score)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	store := &stubStore{deviceErr: domain.ErrStoreUnavailable}
	d := NewDetector(store, testCfg())

	_, err := d.Inspect(context.Background(), "tenant-001", testTx("device-x"))
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}
