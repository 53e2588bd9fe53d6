// Package store provides the SQL-backed historical store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLStore implements domain.Store using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a new store based on configuration.
func New(cfg domain.StoreConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify maps driver errors onto the store's sentinel errors. The
// scoring path only issues well-formed internal queries, so a residual
// error means the store itself is unreachable or broken.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

// SaveTransaction stores a transaction with tenant isolation.
func (s *SQLStore) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	var location any
	if tx.Location != nil {
		raw, _ := json.Marshal(tx.Location)
		location = string(raw)
	}

	var fraudLabel any
	if tx.FraudLabel != nil {
		if *tx.FraudLabel {
			fraudLabel = 1
		} else {
			fraudLabel = 0
		}
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, user_id, amount, merchant, merchant_category,
			location, timestamp, payment_method, device_fingerprint,
			description, fraud_label, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		tx.ID, tenantID, tx.UserID, tx.Amount,
		tx.Merchant, tx.MerchantCategory,
		location, tx.Timestamp, tx.PaymentMethod,
		nullable(tx.DeviceFingerprint), tx.Description(),
		fraudLabel, tx.CreatedAt,
	)
	return classify(err)
}

// SetTransactionEmbedding attaches an embedding vector to a stored
// transaction. Called once at ingest; scoring never writes embeddings.
func (s *SQLStore) SetTransactionEmbedding(ctx context.Context, tenantID string, txID string, vector []float32) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	raw, err := json.Marshal(vector)
	if err != nil {
		return err
	}

	query := `UPDATE transactions SET embedding = ? WHERE tenant_id = ? AND id = ?`
	_, err = s.db.ExecContext(ctx, s.rebind(query), string(raw), tenantID, txID)
	return classify(err)
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (s *SQLStore) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT id, tenant_id, user_id, amount, merchant, merchant_category,
			   location, timestamp, payment_method, device_fingerprint,
			   fraud_label, created_at
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, txID)
	return scanTransaction(row)
}

// RecentTransactions retrieves a user's transactions since a cutoff,
// newest first.
func (s *SQLStore) RecentTransactions(ctx context.Context, tenantID string, userID string, since time.Time, limit int) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, user_id, amount, merchant, merchant_category,
			   location, timestamp, payment_method, device_fingerprint,
			   fraud_label, created_at
		FROM transactions
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID, userID, since, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, classify(rows.Err())
}

// LastTransaction retrieves the user's most recent transaction strictly
// before the given time. Returns ErrNotFound when the user has none.
func (s *SQLStore) LastTransaction(ctx context.Context, tenantID string, userID string, before time.Time) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT id, tenant_id, user_id, amount, merchant, merchant_category,
			   location, timestamp, payment_method, device_fingerprint,
			   fraud_label, created_at
		FROM transactions
		WHERE tenant_id = ? AND user_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, userID, before)
	return scanTransaction(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var location, device sql.NullString
	var fraudLabel sql.NullInt64

	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.UserID, &tx.Amount,
		&tx.Merchant, &tx.MerchantCategory,
		&location, &tx.Timestamp, &tx.PaymentMethod,
		&device, &fraudLabel, &tx.CreatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}

	if location.Valid && location.String != "" {
		var loc domain.Location
		if err := json.Unmarshal([]byte(location.String), &loc); err == nil {
			tx.Location = &loc
		}
	}
	if device.Valid {
		tx.DeviceFingerprint = device.String
	}
	if fraudLabel.Valid {
		label := fraudLabel.Int64 == 1
		tx.FraudLabel = &label
	}

	return &tx, nil
}

// GetUserProfile retrieves a user profile with tenant isolation.
func (s *SQLStore) GetUserProfile(ctx context.Context, tenantID string, userID string) (*domain.UserProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT user_id, tenant_id, average_amount, common_categories, home_location, updated_at
		FROM user_profiles
		WHERE tenant_id = ? AND user_id = ?
	`

	var p domain.UserProfile
	var categories string
	var home sql.NullString

	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, userID).Scan(
		&p.UserID, &p.TenantID, &p.AverageAmount, &categories, &home, &p.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}

	json.Unmarshal([]byte(categories), &p.CommonCategories)
	if home.Valid && home.String != "" {
		var loc domain.Location
		if err := json.Unmarshal([]byte(home.String), &loc); err == nil {
			p.HomeLocation = &loc
		}
	}

	return &p, nil
}

// SaveUserProfile upserts a user profile.
func (s *SQLStore) SaveUserProfile(ctx context.Context, tenantID string, profile *domain.UserProfile) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	categories, _ := json.Marshal(profile.CommonCategories)
	var home any
	if profile.HomeLocation != nil {
		raw, _ := json.Marshal(profile.HomeLocation)
		home = string(raw)
	}

	query := `
		INSERT INTO user_profiles (user_id, tenant_id, average_amount, common_categories, home_location, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, tenant_id) DO UPDATE SET
			average_amount = excluded.average_amount,
			common_categories = excluded.common_categories,
			home_location = excluded.home_location,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		profile.UserID, tenantID, profile.AverageAmount,
		string(categories), home, time.Now().UTC(),
	)
	return classify(err)
}

// GetMerchantProfile retrieves a merchant profile by name.
func (s *SQLStore) GetMerchantProfile(ctx context.Context, tenantID string, name string) (*domain.MerchantProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT name, tenant_id, category, fraud_rate, total_txns, embedding, updated_at
		FROM merchant_profiles
		WHERE tenant_id = ? AND name = ?
	`

	var p domain.MerchantProfile
	var embedding sql.NullString

	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, name).Scan(
		&p.Name, &p.TenantID, &p.Category, &p.FraudRate, &p.TotalTxns, &embedding, &p.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}

	if embedding.Valid && embedding.String != "" {
		json.Unmarshal([]byte(embedding.String), &p.Embedding)
	}

	return &p, nil
}

// SaveMerchantProfile upserts a merchant profile.
func (s *SQLStore) SaveMerchantProfile(ctx context.Context, tenantID string, profile *domain.MerchantProfile) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	var embedding any
	if len(profile.Embedding) > 0 {
		raw, _ := json.Marshal(profile.Embedding)
		embedding = string(raw)
	}

	query := `
		INSERT INTO merchant_profiles (name, tenant_id, category, fraud_rate, total_txns, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, tenant_id) DO UPDATE SET
			category = excluded.category,
			fraud_rate = excluded.fraud_rate,
			total_txns = excluded.total_txns,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		profile.Name, tenantID, profile.Category, profile.FraudRate,
		profile.TotalTxns, embedding, time.Now().UTC(),
	)
	return classify(err)
}

// UpsertFraudRing creates or updates a ring keyed by (tenant, shared
// identifier). Repeated detection of the same cluster updates counts and
// amounts; id, created_at and status survive the update.
func (s *SQLStore) UpsertFraudRing(ctx context.Context, tenantID string, ring *domain.FraudRing) (*domain.FraudRing, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if ring.SharedIdentifier == "" {
		return nil, fmt.Errorf("shared identifier is required")
	}

	if ring.ID == "" {
		ring.ID = uuid.New().String()
	}
	users, _ := json.Marshal(ring.MemberUsers)
	txIDs, _ := json.Marshal(ring.MemberTxIDs)
	now := time.Now().UTC()

	query := `
		INSERT INTO fraud_rings (
			id, tenant_id, shared_identifier, merchant, member_users,
			member_tx_ids, victim_count, total_amount, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, shared_identifier) DO UPDATE SET
			merchant = excluded.merchant,
			member_users = excluded.member_users,
			member_tx_ids = excluded.member_tx_ids,
			victim_count = excluded.victim_count,
			total_amount = excluded.total_amount,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		ring.ID, tenantID, ring.SharedIdentifier, nullable(ring.Merchant),
		string(users), string(txIDs), ring.VictimCount, ring.TotalAmount,
		domain.RingStatusActive, now, now,
	)
	if err != nil {
		return nil, classify(err)
	}

	return s.GetFraudRingByIdentifier(ctx, tenantID, ring.SharedIdentifier)
}

// GetFraudRing retrieves a ring by ID.
func (s *SQLStore) GetFraudRing(ctx context.Context, tenantID string, ringID string) (*domain.FraudRing, error) {
	query := ringSelect + ` WHERE tenant_id = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, ringID)
	return scanRing(row)
}

// GetFraudRingByIdentifier retrieves a ring by its clustering key.
func (s *SQLStore) GetFraudRingByIdentifier(ctx context.Context, tenantID string, sharedIdentifier string) (*domain.FraudRing, error) {
	query := ringSelect + ` WHERE tenant_id = ? AND shared_identifier = ?`
	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, sharedIdentifier)
	return scanRing(row)
}

// ListFraudRings lists rings for a tenant, optionally filtered by status.
func (s *SQLStore) ListFraudRings(ctx context.Context, tenantID string, status string) ([]*domain.FraudRing, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := ringSelect + ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.FraudRing
	for rows.Next() {
		ring, err := scanRing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ring)
	}
	return out, classify(rows.Err())
}

// ResolveFraudRing transitions a ring to RESOLVED. Rings are never
// deleted; investigation closes them.
func (s *SQLStore) ResolveFraudRing(ctx context.Context, tenantID string, ringID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	query := `UPDATE fraud_rings SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		domain.RingStatusResolved, time.Now().UTC(), tenantID, ringID)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const ringSelect = `
	SELECT id, tenant_id, shared_identifier, merchant, member_users,
		   member_tx_ids, victim_count, total_amount, status, created_at, updated_at
	FROM fraud_rings`

func scanRing(row rowScanner) (*domain.FraudRing, error) {
	var ring domain.FraudRing
	var merchant sql.NullString
	var users, txIDs string

	err := row.Scan(
		&ring.ID, &ring.TenantID, &ring.SharedIdentifier, &merchant,
		&users, &txIDs, &ring.VictimCount, &ring.TotalAmount,
		&ring.Status, &ring.CreatedAt, &ring.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}

	if merchant.Valid {
		ring.Merchant = merchant.String
	}
	json.Unmarshal([]byte(users), &ring.MemberUsers)
	json.Unmarshal([]byte(txIDs), &ring.MemberTxIDs)

	return &ring, nil
}

// SaveAssessment stores an assessment. A transaction maps to at most one
// assessment; saving the same transaction again is a no-op.
func (s *SQLStore) SaveAssessment(ctx context.Context, tenantID string, a *domain.Assessment) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	scores, _ := json.Marshal(a.AgentScores)
	degraded, _ := json.Marshal(a.DegradedAgents)
	metadata, _ := json.Marshal(a.Metadata)

	ringDetected := 0
	if a.RingDetected {
		ringDetected = 1
	}

	query := `
		INSERT INTO assessments (
			id, tenant_id, tx_id, agent_scores, risk_score, decision,
			confidence, ring_detected, ring_id, reasoning, degraded_agents,
			latency_ms, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, tx_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		a.ID, tenantID, a.TxID, string(scores), a.RiskScore, string(a.Decision),
		a.Confidence, ringDetected, nullable(a.RingID), a.Reasoning,
		string(degraded), a.LatencyMs, a.Timestamp, string(metadata),
	)
	return classify(err)
}

// GetAssessment retrieves an assessment by ID.
func (s *SQLStore) GetAssessment(ctx context.Context, tenantID string, id string) (*domain.Assessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT id, tenant_id, tx_id, agent_scores, risk_score, decision,
			   confidence, ring_detected, ring_id, reasoning, degraded_agents,
			   latency_ms, timestamp, metadata
		FROM assessments
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.Assessment
	var scores, degraded, metadata string
	var decision string
	var ringDetected int
	var ringID sql.NullString

	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, id).Scan(
		&a.ID, &a.TenantID, &a.TxID, &scores, &a.RiskScore, &decision,
		&a.Confidence, &ringDetected, &ringID, &a.Reasoning, &degraded,
		&a.LatencyMs, &a.Timestamp, &metadata,
	)
	if err != nil {
		return nil, classify(err)
	}

	a.Decision = domain.Decision(decision)
	a.RingDetected = ringDetected == 1
	if ringID.Valid {
		a.RingID = ringID.String
	}
	json.Unmarshal([]byte(scores), &a.AgentScores)
	json.Unmarshal([]byte(degraded), &a.DegradedAgents)
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// SavePolicy upserts a decision policy.
func (s *SQLStore) SavePolicy(ctx context.Context, tenantID string, p *domain.PolicyConfig) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO policies (id, tenant_id, name, description, expression, escalate_to, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			escalate_to = excluded.escalate_to,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		p.ID, tenantID, p.Name, p.Description, p.Expression,
		string(p.EscalateTo), enabled, now, now,
	)
	return classify(err)
}

// ListPolicies retrieves all enabled policies for a tenant.
func (s *SQLStore) ListPolicies(ctx context.Context, tenantID string) ([]*domain.PolicyConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT id, tenant_id, name, description, expression, escalate_to, enabled, created_at, updated_at
		FROM policies
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.PolicyConfig
	for rows.Next() {
		var p domain.PolicyConfig
		var description sql.NullString
		var escalateTo string
		var enabled int

		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.Name, &description, &p.Expression,
			&escalateTo, &enabled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, classify(err)
		}

		p.Description = description.String
		p.EscalateTo = domain.Decision(escalateTo)
		p.Enabled = enabled == 1
		out = append(out, &p)
	}
	return out, classify(rows.Err())
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// nullable maps "" to SQL NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
