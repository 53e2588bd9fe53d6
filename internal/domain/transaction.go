// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
	"time"
)

// Location is a geographic point attached to a transaction or profile.
type Location struct {
	City    string  `json:"city"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Known reports whether the location carries usable coordinates.
func (l *Location) Known() bool {
	if l == nil {
		return false
	}
	if l.Lat == 0 && l.Lon == 0 {
		return false
	}
	return l.Country != "" && l.Country != "XX"
}

// Transaction is an incoming transaction to be scored.
// It is read-only input to the scoring core; all fields are set by
// upstream ingestion before scoring starts.
type Transaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`

	Amount           float64   `json:"amount"`
	Merchant         string    `json:"merchant"`
	MerchantCategory string    `json:"merchantCategory"`
	Location         *Location `json:"location,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	PaymentMethod    string    `json:"paymentMethod"`

	// DeviceFingerprint is an opaque device identifier. Empty means the
	// upstream rail did not capture one.
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// FraudLabel is set by external investigation after the fact and is
	// only read back as historical ground truth.
	FraudLabel *bool `json:"fraudLabel,omitempty"`
}

// Description renders the canonical text used for lexical and semantic
// search over historical transactions.
func (t *Transaction) Description() string {
	return fmt.Sprintf("User %s spending $%.2f at %s in category %s",
		t.UserID, t.Amount, t.Merchant, t.MerchantCategory)
}

// ScoreRequest is the API request payload for transaction scoring.
type ScoreRequest struct {
	UserID            string    `json:"userId"`
	Amount            float64   `json:"amount"`
	Merchant          string    `json:"merchant"`
	MerchantCategory  string    `json:"merchantCategory"`
	Location          *Location `json:"location,omitempty"`
	PaymentMethod     string    `json:"paymentMethod"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *ScoreRequest) ToTransaction(id, tenantID string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:                id,
		TenantID:          tenantID,
		UserID:            r.UserID,
		Amount:            r.Amount,
		Merchant:          r.Merchant,
		MerchantCategory:  r.MerchantCategory,
		Location:          r.Location,
		Timestamp:         now,
		PaymentMethod:     r.PaymentMethod,
		DeviceFingerprint: r.DeviceFingerprint,
		CreatedAt:         now,
	}
}
