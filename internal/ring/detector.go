// Package ring detects coordinated fraud clusters from shared
// identifiers.
package ring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detection is the outcome of inspecting one transaction for ring
// membership. Score is in [0,1] and grows with cluster size; Ring is
// non-nil only when the cluster crossed the detection threshold and was
// persisted.
type Detection struct {
	Score       float64
	Ring        *domain.FraudRing
	Coordinated bool
	Reason      string
}

// Detector clusters users by shared device fingerprint and persists
// detected rings. Detection is idempotent: re-scoring a transaction
// updates the same ring record instead of creating a new one.
type Detector struct {
	store domain.Store
	cfg   domain.RingConfig
}

// NewDetector creates a ring detector.
func NewDetector(store domain.Store, cfg domain.RingConfig) *Detector {
	return &Detector{store: store, cfg: cfg}
}

// Inspect checks a transaction's device fingerprint against recent
// history. A transaction without a fingerprint carries no network
// signal and scores zero.
func (d *Detector) Inspect(ctx context.Context, tenantID string, tx *domain.Transaction) (*Detection, error) {
	if tx.DeviceFingerprint == "" {
		return &Detection{Score: 0, Reason: "no device fingerprint present"}, nil
	}

	since := tx.Timestamp.Add(-d.cfg.Lookback)

	others, err := d.store.DistinctUsersByDevice(ctx, tenantID, tx.DeviceFingerprint, tx.UserID, since)
	if err != nil {
		return nil, err
	}

	coordinated, err := d.checkCoordination(ctx, tenantID, tx)
	if err != nil {
		return nil, err
	}

	total := others + 1
	det := &Detection{
		Score:       d.clusterScore(total, others, coordinated),
		Coordinated: coordinated,
	}

	if others == 0 {
		det.Reason = "device used by a single account"
		if coordinated {
			det.Reason = fmt.Sprintf("burst of distinct users at %s within %s", tx.Merchant, d.cfg.CoordinationWindow)
		}
		return det, nil
	}

	det.Reason = fmt.Sprintf("device shared by %d distinct users in last %s", total, d.cfg.Lookback)

	if total < d.cfg.MinClusterSize {
		return det, nil
	}

	ring, err := d.persistRing(ctx, tenantID, tx, total, since)
	if err != nil {
		return nil, err
	}
	det.Ring = ring
	return det, nil
}

// clusterScore saturates with the distinct-user count: a cluster of
// MinClusterSize scores well above the review threshold while growth
// beyond it still raises the score.
func (d *Detector) clusterScore(total, others int64, coordinated bool) float64 {
	var score float64
	if others > 0 {
		score = float64(total) / (float64(total) + d.cfg.Saturation)
	}
	if coordinated && score < 0.5 {
		score = 0.5
	}
	return score
}

func (d *Detector) checkCoordination(ctx context.Context, tenantID string, tx *domain.Transaction) (bool, error) {
	if d.cfg.CoordinationMin <= 0 {
		return false, nil
	}
	count, err := d.store.DistinctUsersByMerchant(ctx, tenantID, tx.Merchant, tx.Timestamp, d.cfg.CoordinationWindow)
	if err != nil {
		return false, err
	}
	return count >= d.cfg.CoordinationMin, nil
}

func (d *Detector) persistRing(ctx context.Context, tenantID string, tx *domain.Transaction, total int64, since time.Time) (*domain.FraudRing, error) {
	identifier := "device_fingerprint:" + tx.DeviceFingerprint

	users, err := d.store.UsersByDevice(ctx, tenantID, tx.DeviceFingerprint, since)
	if err != nil {
		return nil, err
	}
	amount, err := d.store.AmountByDevice(ctx, tenantID, tx.DeviceFingerprint, since)
	if err != nil {
		return nil, err
	}

	ring := &domain.FraudRing{
		SharedIdentifier: identifier,
		Merchant:         tx.Merchant,
		MemberUsers:      mergeSet(users, tx.UserID),
		MemberTxIDs:      []string{tx.ID},
		VictimCount:      total,
		TotalAmount:      amount,
	}

	// Merge with the existing record so member lists accumulate across
	// detections instead of being replaced.
	existing, err := d.store.GetFraudRingByIdentifier(ctx, tenantID, identifier)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		ring.ID = existing.ID
		ring.MemberUsers = mergeSet(existing.MemberUsers, ring.MemberUsers...)
		ring.MemberTxIDs = mergeSet(existing.MemberTxIDs, tx.ID)
		if existing.VictimCount > ring.VictimCount {
			ring.VictimCount = existing.VictimCount
		}
	}

	return d.store.UpsertFraudRing(ctx, tenantID, ring)
}

// mergeSet unions values into base, deduplicated and sorted.
func mergeSet(base []string, values ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(values))
	var out []string
	for _, v := range append(append([]string{}, base...), values...) {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
