// Seed tool for local demos: loads test users, merchants, and a month
// of labeled transaction history into a Kestrel store.
//
// Usage:
//
//	go run cmd/seed/main.go [-db ./kestrel.db] [-tenant demo]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/embedding"
	"github.com/opensource-finance/kestrel/internal/store"
)

type seedUser struct {
	id         string
	avgAmount  float64
	categories []string
	home       *domain.Location
}

type seedMerchant struct {
	name      string
	category  string
	fraudRate float64
}

type seedTx struct {
	userID   string
	merchant string
	amount   float64
	category string
	isFraud  bool
	daysAgo  int
}

var users = []seedUser{
	{"user_normal_123", 150.0, []string{"groceries", "gas"}, &domain.Location{City: "Columbus", Country: "US", Lat: 39.9612, Lon: -82.9988}},
	{"user_frequent_456", 500.0, []string{"electronics", "clothing"}, &domain.Location{City: "Seattle", Country: "US", Lat: 47.6062, Lon: -122.3321}},
	{"user_fraud_789", 200.0, []string{"electronics"}, nil},
	{"user_traveler_321", 300.0, []string{"hotels", "restaurants"}, &domain.Location{City: "Chicago", Country: "US", Lat: 41.8781, Lon: -87.6298}},
	{"user_business_654", 800.0, []string{"software", "office"}, &domain.Location{City: "Austin", Country: "US", Lat: 30.2672, Lon: -97.7431}},
}

var merchants = []seedMerchant{
	{"BestBuy Electronics", "electronics", 0.05},
	{"Amazon Online", "general", 0.02},
	{"Shell Gas Station", "gas", 0.01},
	{"Walmart Superstore", "groceries", 0.03},
	{"ScamElectronics Inc", "electronics", 0.45},
	{"Apple Store", "electronics", 0.01},
	{"Starbucks Coffee", "food", 0.02},
	{"Hilton Hotel", "hotels", 0.03},
	{"SuspiciousShop", "general", 0.38},
	{"Target Store", "retail", 0.02},
}

var transactions = []seedTx{
	// Normal user
	{"user_normal_123", "Walmart Superstore", 85.50, "groceries", false, 5},
	{"user_normal_123", "Shell Gas Station", 45.00, "gas", false, 10},
	{"user_normal_123", "Starbucks Coffee", 12.50, "food", false, 15},
	{"user_normal_123", "Target Store", 65.00, "retail", false, 20},

	// Frequent buyer, legitimately high spend
	{"user_frequent_456", "Amazon Online", 250.00, "general", false, 2},
	{"user_frequent_456", "BestBuy Electronics", 899.99, "electronics", false, 7},
	{"user_frequent_456", "Apple Store", 1299.00, "electronics", false, 12},
	{"user_frequent_456", "Target Store", 450.00, "retail", false, 18},

	// Labeled fraud
	{"user_fraud_789", "ScamElectronics Inc", 2500.00, "electronics", true, 1},
	{"user_fraud_789", "SuspiciousShop", 1800.00, "general", true, 3},
	{"user_fraud_789", "ScamElectronics Inc", 3200.00, "electronics", true, 8},

	// Business traveler
	{"user_traveler_321", "Hilton Hotel", 450.00, "hotels", false, 4},
	{"user_traveler_321", "Starbucks Coffee", 15.00, "food", false, 6},
	{"user_traveler_321", "Shell Gas Station", 60.00, "gas", false, 9},
	{"user_traveler_321", "Hilton Hotel", 520.00, "hotels", false, 14},

	// Business user
	{"user_business_654", "Apple Store", 2500.00, "electronics", false, 11},
	{"user_business_654", "Amazon Online", 800.00, "general", false, 16},
	{"user_business_654", "BestBuy Electronics", 1200.00, "electronics", false, 19},

	// Mixed: unusual but legit, and caught fraud
	{"user_normal_123", "Apple Store", 2000.00, "electronics", false, 25},
	{"user_frequent_456", "SuspiciousShop", 1500.00, "general", true, 22},
	{"user_traveler_321", "ScamElectronics Inc", 2800.00, "electronics", true, 27},
}

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", "./kestrel.db", "Path to SQLite database")
	tenantID := flag.String("tenant", "demo", "Tenant ID to seed")
	dim := flag.Int("dim", 256, "Embedding dimension")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	st, err := store.New(domain.StoreConfig{Driver: "sqlite", SQLitePath: *dbPath})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	embedder := embedding.NewLocalEmbedder(*dim)
	ctx := context.Background()

	fmt.Println("Seeding Kestrel database...")

	for _, u := range users {
		profile := &domain.UserProfile{
			UserID:           u.id,
			TenantID:         *tenantID,
			AverageAmount:    u.avgAmount,
			CommonCategories: u.categories,
			HomeLocation:     u.home,
			UpdatedAt:        time.Now().UTC(),
		}
		if err := st.SaveUserProfile(ctx, *tenantID, profile); err != nil {
			slog.Error("failed to seed user", "user_id", u.id, "error", err)
			os.Exit(1)
		}
	}
	fmt.Printf("  users:        %d\n", len(users))

	for _, m := range merchants {
		vec, err := embedder.Embed(ctx, fmt.Sprintf("Merchant: %s Category: %s", m.name, m.category))
		if err != nil {
			slog.Error("failed to embed merchant", "merchant", m.name, "error", err)
			os.Exit(1)
		}
		profile := &domain.MerchantProfile{
			Name:      m.name,
			TenantID:  *tenantID,
			Category:  m.category,
			FraudRate: m.fraudRate,
			TotalTxns: 100,
			Embedding: vec,
			UpdatedAt: time.Now().UTC(),
		}
		if err := st.SaveMerchantProfile(ctx, *tenantID, profile); err != nil {
			slog.Error("failed to seed merchant", "merchant", m.name, "error", err)
			os.Exit(1)
		}
	}
	fmt.Printf("  merchants:    %d\n", len(merchants))

	for _, s := range transactions {
		txID := uuid.New().String()
		label := s.isFraud
		tx := &domain.Transaction{
			ID:                txID,
			TenantID:          *tenantID,
			UserID:            s.userID,
			Amount:            s.amount,
			Merchant:          s.merchant,
			MerchantCategory:  s.category,
			Timestamp:         time.Now().UTC().AddDate(0, 0, -s.daysAgo),
			PaymentMethod:     "credit_card",
			DeviceFingerprint: "fp_" + txID[:8],
			CreatedAt:         time.Now().UTC(),
			FraudLabel:        &label,
		}
		if err := st.SaveTransaction(ctx, *tenantID, tx); err != nil {
			slog.Error("failed to seed transaction", "tx_id", txID, "error", err)
			os.Exit(1)
		}

		vec, err := embedder.Embed(ctx, tx.Description())
		if err != nil {
			slog.Error("failed to embed transaction", "tx_id", txID, "error", err)
			os.Exit(1)
		}
		if err := st.SetTransactionEmbedding(ctx, *tenantID, txID, vec); err != nil {
			slog.Error("failed to store embedding", "tx_id", txID, "error", err)
			os.Exit(1)
		}
	}
	fmt.Printf("  transactions: %d\n", len(transactions))

	fmt.Println("\nDatabase seeded successfully.")
	fmt.Println("\nSample users:")
	fmt.Println("  - user_normal_123  (normal spending)")
	fmt.Println("  - user_frequent_456 (frequent buyer)")
	fmt.Println("  - user_fraud_789   (fraudulent history)")
	fmt.Println("  - user_traveler_321 (business traveler)")
	fmt.Println("  - user_business_654 (high-value transactions)")
	fmt.Printf("\nScore against tenant %q:\n", *tenantID)
	fmt.Printf("  curl -X POST localhost:8080/score -H 'X-Tenant-ID: %s' \\\n", *tenantID)
	fmt.Println(`    -d '{"userId":"user_normal_123","amount":2500,"merchant":"ScamElectronics Inc","merchantCategory":"electronics"}'`)
}
