package domain

import "time"

// UserProfile is behavioral context for a user, maintained by external
// batch processes. The scoring core treats it as read-only.
type UserProfile struct {
	UserID           string    `json:"userId"`
	TenantID         string    `json:"tenantId"`
	AverageAmount    float64   `json:"averageAmount"`
	CommonCategories []string  `json:"commonCategories"`
	HomeLocation     *Location `json:"homeLocation,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// KnowsCategory reports whether the category appears in the user's
// common categories.
func (p *UserProfile) KnowsCategory(category string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.CommonCategories {
		if c == category {
			return true
		}
	}
	return false
}

// MerchantProfile is reputation context for a merchant. Fraud rate and
// embedding are refreshed by external async processes; staleness is
// tolerated.
type MerchantProfile struct {
	Name      string  `json:"name"`
	TenantID  string  `json:"tenantId"`
	Category  string  `json:"category"`
	FraudRate float64 `json:"fraudRate"` // fraud_count / total_count
	TotalTxns int64   `json:"totalTxns"`

	// Embedding summarizes the merchant's transaction-description corpus.
	Embedding []float32 `json:"embedding,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Ring status values. Transitions out of ACTIVE are driven by external
// investigation, never by the scoring core.
const (
	RingStatusActive   = "ACTIVE"
	RingStatusResolved = "RESOLVED"
)

// FraudRing is a detected cluster of users sharing an identifier.
// Upserts are idempotent, keyed by (tenant, shared identifier).
type FraudRing struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// SharedIdentifier is the clustering key, e.g. a device fingerprint.
	SharedIdentifier string `json:"sharedIdentifier"`

	Merchant    string   `json:"merchant,omitempty"`
	MemberTxIDs []string `json:"memberTxIds,omitempty"`
	MemberUsers []string `json:"memberUsers,omitempty"`

	VictimCount int64   `json:"victimCount"`
	TotalAmount float64 `json:"totalAmount"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
