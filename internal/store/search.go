package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LexicalSearch ranks transactions by keyword overlap against the stored
// description. Each term matches independently via LIKE, so the query
// stays portable across SQLite and PostgreSQL; relevance is the fraction
// of query terms present.
func (s *SQLStore) LexicalSearch(ctx context.Context, tenantID string, query string, limit int, filter domain.SearchFilter) ([]domain.LexicalHit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if limit <= 0 {
		limit = 20
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	sqlQuery := `
		SELECT id, merchant, description
		FROM transactions
		WHERE tenant_id = ?`
	args := []any{tenantID}

	var likes []string
	for _, term := range terms {
		likes = append(likes, `LOWER(description) LIKE ?`)
		args = append(args, "%"+term+"%")
	}
	sqlQuery += ` AND (` + strings.Join(likes, " OR ") + `)`

	sqlQuery, args = applyFilter(sqlQuery, args, filter)
	sqlQuery += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit*4)

	rows, err := s.db.QueryContext(ctx, s.rebind(sqlQuery), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var hits []domain.LexicalHit
	for rows.Next() {
		var id, merchant, description string
		if err := rows.Scan(&id, &merchant, &description); err != nil {
			return nil, classify(err)
		}

		lower := strings.ToLower(description)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}

		hits = append(hits, domain.LexicalHit{
			TxID:      id,
			Merchant:  merchant,
			Relevance: float64(matched) / float64(len(terms)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Relevance > hits[j].Relevance
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// VectorSearch ranks transactions by cosine similarity to the query
// vector. Candidate rows are fetched via SQL and ranked in process;
// embeddings are unit-normalized at write time so the dot product is
// the cosine.
func (s *SQLStore) VectorSearch(ctx context.Context, tenantID string, vector []float32, k int, filter domain.SearchFilter) ([]domain.VectorHit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if k <= 0 {
		k = 10
	}
	if len(vector) == 0 {
		return nil, nil
	}

	sqlQuery := `
		SELECT id, merchant, amount, fraud_label, embedding
		FROM transactions
		WHERE tenant_id = ? AND embedding IS NOT NULL`
	args := []any{tenantID}

	sqlQuery, args = applyFilter(sqlQuery, args, filter)
	sqlQuery += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, candidateLimit(k))

	rows, err := s.db.QueryContext(ctx, s.rebind(sqlQuery), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var hits []domain.VectorHit
	for rows.Next() {
		var id, merchant string
		var amount float64
		var fraudLabel sql.NullInt64
		var embedding string

		if err := rows.Scan(&id, &merchant, &amount, &fraudLabel, &embedding); err != nil {
			return nil, classify(err)
		}

		var candidate []float32
		if err := json.Unmarshal([]byte(embedding), &candidate); err != nil {
			continue
		}
		if len(candidate) != len(vector) {
			continue
		}

		hits = append(hits, domain.VectorHit{
			TxID:       id,
			Merchant:   merchant,
			Amount:     amount,
			FraudLabel: fraudLabel.Valid && fraudLabel.Int64 == 1,
			Similarity: clamp01(cosine(vector, candidate)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// DistinctUsersByDevice counts distinct users seen on a device
// fingerprint since the cutoff, excluding one user.
func (s *SQLStore) DistinctUsersByDevice(ctx context.Context, tenantID string, fingerprint string, excludeUser string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM transactions
		WHERE tenant_id = ? AND device_fingerprint = ? AND user_id != ? AND timestamp >= ?
	`

	var count int64
	err := s.db.QueryRowContext(ctx, s.rebind(query),
		tenantID, fingerprint, excludeUser, since).Scan(&count)
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

// DistinctUsersByMerchant counts distinct users transacting at a
// merchant within a window centered on the given time.
func (s *SQLStore) DistinctUsersByMerchant(ctx context.Context, tenantID string, merchant string, around time.Time, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM transactions
		WHERE tenant_id = ? AND merchant = ? AND timestamp >= ? AND timestamp <= ?
	`

	var count int64
	err := s.db.QueryRowContext(ctx, s.rebind(query),
		tenantID, merchant, around.Add(-window), around.Add(window)).Scan(&count)
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

// UsersByDevice lists distinct users seen on a device fingerprint since
// the cutoff, ordered for determinism.
func (s *SQLStore) UsersByDevice(ctx context.Context, tenantID string, fingerprint string, since time.Time) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT DISTINCT user_id
		FROM transactions
		WHERE tenant_id = ? AND device_fingerprint = ? AND timestamp >= ?
		ORDER BY user_id
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID, fingerprint, since)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, classify(err)
		}
		users = append(users, user)
	}
	return users, classify(rows.Err())
}

// AmountByDevice sums transaction amounts on a device fingerprint since
// the cutoff.
func (s *SQLStore) AmountByDevice(ctx context.Context, tenantID string, fingerprint string, since time.Time) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE tenant_id = ? AND device_fingerprint = ? AND timestamp >= ?
	`

	var total float64
	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, fingerprint, since).Scan(&total)
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}

func applyFilter(query string, args []any, filter domain.SearchFilter) (string, []any) {
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.FraudOnly {
		query += ` AND fraud_label = 1`
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since)
	}
	return query, args
}

func candidateLimit(k int) int {
	limit := k * 10
	if limit < 200 {
		limit = 200
	}
	return limit
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
