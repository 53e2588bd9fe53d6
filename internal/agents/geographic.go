package agents

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GeoAgent scores location plausibility: movement since the previous
// transaction that would require implausible travel speed, and distance
// from the user's home region. Terms combine by max.
type GeoAgent struct {
	store domain.Store
	cfg   domain.GeoConfig
}

// NewGeoAgent creates the geographic agent.
func NewGeoAgent(store domain.Store, cfg domain.GeoConfig) *GeoAgent {
	return &GeoAgent{store: store, cfg: cfg}
}

// Name returns the agent identifier.
func (a *GeoAgent) Name() string { return domain.AgentGeographic }

// Assess computes the geographic sub-score. A transaction without
// usable coordinates scores a fixed moderate value: absence of location
// is itself weak evidence, not proof of fraud.
func (a *GeoAgent) Assess(ctx context.Context, tx *domain.Transaction) (domain.AgentScore, error) {
	if !tx.Location.Known() {
		return domain.AgentScore{
			Score:  a.cfg.UnknownLocationScore,
			Reason: "transaction location unknown or unusable",
		}, nil
	}

	travel, travelReason, err := a.travelTerm(ctx, tx)
	if err != nil {
		return domain.AgentScore{}, err
	}

	home, homeReason, err := a.homeTerm(ctx, tx)
	if err != nil {
		return domain.AgentScore{}, err
	}

	score := travel
	reason := travelReason
	if home > score {
		score = home
		reason = homeReason
	}
	if score == 0 {
		reason = "location consistent with user history"
	}

	return domain.AgentScore{
		Score:  clamp01(score),
		Reason: reason,
		Details: map[string]any{
			"travel": travel,
			"home":   home,
			"city":   tx.Location.City,
		},
	}, nil
}

// travelTerm flags movement from the previous transaction that exceeds
// plausible travel speed.
func (a *GeoAgent) travelTerm(ctx context.Context, tx *domain.Transaction) (float64, string, error) {
	last, err := a.store.LastTransaction(ctx, tx.TenantID, tx.UserID, tx.Timestamp)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, "", nil
		}
		return 0, "", err
	}
	if !last.Location.Known() {
		return 0, "", nil
	}

	dist := haversineKm(tx.Location, last.Location)
	hours := tx.Timestamp.Sub(last.Timestamp).Hours()

	if hours <= 0 {
		if dist > 50 {
			return 1, fmt.Sprintf("simultaneous activity %.0f km apart", dist), nil
		}
		return 0, "", nil
	}

	speed := dist / hours
	if speed <= a.cfg.MaxPlausibleSpeedKmh {
		return 0, "", nil
	}

	// Ramp above the plausible maximum; twice the maximum saturates at 1.
	term := clamp01((speed - a.cfg.MaxPlausibleSpeedKmh) / a.cfg.MaxPlausibleSpeedKmh)
	reason := fmt.Sprintf("implausible travel: %.0f km in %.1f h since previous transaction (%.0f km/h)",
		dist, hours, speed)
	return term, reason, nil
}

// homeTerm scales with distance from the user's home location, dampened
// when the user has recent history near the current location.
func (a *GeoAgent) homeTerm(ctx context.Context, tx *domain.Transaction) (float64, string, error) {
	profile, err := a.store.GetUserProfile(ctx, tx.TenantID, tx.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, "", nil
		}
		return 0, "", err
	}
	if !profile.HomeLocation.Known() {
		return 0, "", nil
	}

	dist := haversineKm(tx.Location, profile.HomeLocation)
	if dist <= a.cfg.HomeDistanceMinKm {
		return 0, "", nil
	}

	term := clamp01((dist - a.cfg.HomeDistanceMinKm) / a.cfg.HomeDistanceScaleKm)
	reason := fmt.Sprintf("%.0f km from home location %s", dist, profile.HomeLocation.City)

	established, err := a.hasNearbyHistory(ctx, tx)
	if err != nil {
		return 0, "", err
	}
	if established {
		term *= 0.5
		reason = fmt.Sprintf("far from home but consistent with recent travel to %s", tx.Location.City)
	}

	return term, reason, nil
}

// hasNearbyHistory reports whether the user transacted near the current
// location within the travel-history window.
func (a *GeoAgent) hasNearbyHistory(ctx context.Context, tx *domain.Transaction) (bool, error) {
	since := tx.Timestamp.Add(-a.cfg.TravelHistoryWindow)
	recent, err := a.store.RecentTransactions(ctx, tx.TenantID, tx.UserID, since, 50)
	if err != nil {
		return false, err
	}

	for _, r := range recent {
		if r.ID == tx.ID || !r.Location.Known() {
			continue
		}
		if haversineKm(tx.Location, r.Location) < 100 {
			return true, nil
		}
	}
	return false, nil
}

const earthRadiusKm = 6371.0

func haversineKm(a, b *domain.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
