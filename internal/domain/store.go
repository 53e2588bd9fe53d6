package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrNotFound indicates a point lookup matched no record.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable indicates the store cannot be reached at all.
	// It is the only store error that fails a scoring request outright.
	ErrStoreUnavailable = errors.New("historical store unavailable")
)

// SearchFilter narrows lexical and vector searches.
type SearchFilter struct {
	// UserID restricts results to one user's history.
	UserID string

	// FraudOnly restricts results to transactions labeled fraudulent.
	FraudOnly bool

	// Since restricts results to records at or after this time.
	Since time.Time
}

// LexicalHit is one ranked result from a lexical search.
type LexicalHit struct {
	TxID      string
	Merchant  string
	Relevance float64 // normalized to [0,1]
}

// VectorHit is one ranked result from a vector similarity search.
type VectorHit struct {
	TxID       string
	Merchant   string
	Amount     float64
	FraudLabel bool
	Similarity float64 // 1 - cosine distance, in [0,1]
}

// Store is the queryable historical repository backing the agents.
// All methods require tenantID for strict multi-tenancy isolation; all
// reads are side-effect-free. UpsertFraudRing and the Save* methods are
// the only mutations the scoring pipeline performs.
type Store interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	SetTransactionEmbedding(ctx context.Context, tenantID string, txID string, vector []float32) error
	RecentTransactions(ctx context.Context, tenantID string, userID string, since time.Time, limit int) ([]*Transaction, error)
	LastTransaction(ctx context.Context, tenantID string, userID string, before time.Time) (*Transaction, error)

	// Profile reads (profiles are maintained by external processes)
	GetUserProfile(ctx context.Context, tenantID string, userID string) (*UserProfile, error)
	SaveUserProfile(ctx context.Context, tenantID string, profile *UserProfile) error
	GetMerchantProfile(ctx context.Context, tenantID string, name string) (*MerchantProfile, error)
	SaveMerchantProfile(ctx context.Context, tenantID string, profile *MerchantProfile) error

	// Search primitives
	LexicalSearch(ctx context.Context, tenantID string, query string, limit int, filter SearchFilter) ([]LexicalHit, error)
	VectorSearch(ctx context.Context, tenantID string, vector []float32, k int, filter SearchFilter) ([]VectorHit, error)

	// Grouped-count queries for ring detection
	DistinctUsersByDevice(ctx context.Context, tenantID string, fingerprint string, excludeUser string, since time.Time) (int64, error)
	DistinctUsersByMerchant(ctx context.Context, tenantID string, merchant string, around time.Time, window time.Duration) (int64, error)
	UsersByDevice(ctx context.Context, tenantID string, fingerprint string, since time.Time) ([]string, error)
	AmountByDevice(ctx context.Context, tenantID string, fingerprint string, since time.Time) (float64, error)

	// Fraud ring persistence
	UpsertFraudRing(ctx context.Context, tenantID string, ring *FraudRing) (*FraudRing, error)
	GetFraudRing(ctx context.Context, tenantID string, ringID string) (*FraudRing, error)
	GetFraudRingByIdentifier(ctx context.Context, tenantID string, sharedIdentifier string) (*FraudRing, error)
	ListFraudRings(ctx context.Context, tenantID string, status string) ([]*FraudRing, error)
	ResolveFraudRing(ctx context.Context, tenantID string, ringID string) error

	// Assessment persistence
	SaveAssessment(ctx context.Context, tenantID string, a *Assessment) error
	GetAssessment(ctx context.Context, tenantID string, id string) (*Assessment, error)

	// Policy configuration
	SavePolicy(ctx context.Context, tenantID string, p *PolicyConfig) error
	ListPolicies(ctx context.Context, tenantID string) ([]*PolicyConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StoreConfig holds configuration for store initialization.
type StoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
