// Kestrel - Multi-agent transaction fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/agents"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/embedding"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/ring"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/search"
	"github.com/opensource-finance/kestrel/internal/store"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg := loadConfig()

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"embedding", cfg.Embedding.Provider,
	)

	if err := cfg.Scoring.Validate(); err != nil {
		slog.Error("invalid scoring configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Historical store
	st, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store initialized", "driver", cfg.Store.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Profile reads go through the cache; everything else hits the store.
	cachedStore := cache.NewCachedStore(st, cacheImpl, cfg.Cache.ProfileTTL)

	// Event bus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Embedder
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		slog.Error("failed to initialize embedder", "error", err)
		os.Exit(1)
	}
	slog.Info("embedder initialized",
		"provider", cfg.Embedding.Provider,
		"dimension", embedder.Dimension(),
	)

	// Policy escalation engine
	engine, err := policy.NewEngine(cachedStore)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	for _, tenantID := range configuredTenants() {
		count, err := engine.Reload(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to preload policies", "tenant_id", tenantID, "error", err)
			continue
		}
		slog.Info("policies preloaded", "tenant_id", tenantID, "count", count)
	}

	// Signal agents
	hybrid := search.NewHybrid(cachedStore, embedder, cfg.Scoring.Hybrid)
	detector := ring.NewDetector(cachedStore, cfg.Scoring.Ring)
	agentList := []agents.Agent{
		agents.NewPatternAgent(cachedStore, embedder, cfg.Scoring.Pattern),
		agents.NewAnomalyAgent(cachedStore, cfg.Scoring.Anomaly),
		agents.NewGeoAgent(cachedStore, cfg.Scoring.Geo),
		agents.NewMerchantAgent(cachedStore, hybrid, cfg.Scoring.Hybrid),
		agents.NewNetworkAgent(detector),
	}

	orchestrator := scoring.NewOrchestrator(agentList, cfg.Scoring, engine, logger)
	slog.Info("orchestrator initialized",
		"agents", len(agentList),
		"agent_timeout", cfg.Scoring.AgentTimeout,
		"overall_deadline", cfg.Scoring.OverallDeadline,
	)

	collector := metrics.NewCollector()

	// Async ingestion worker (Pro tier or opt-in)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.New(cachedStore, busImpl, orchestrator, embedder, collector, logger)
		for _, tenantID := range configuredTenants() {
			if err := asyncWorker.Start(ctx, tenantID); err != nil {
				slog.Error("failed to start ingestion worker", "tenant_id", tenantID, "error", err)
			}
		}
	}

	srv := api.NewServer(cfg.Server, cachedStore, cacheImpl, busImpl, orchestrator, engine, embedder, collector, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		asyncWorker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfig builds the runtime configuration from tier defaults plus
// KESTREL_* environment overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Store.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Store.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Store.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Store.PostgresDB = v
	}

	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_NATS_TOKEN"); v != "" {
		cfg.EventBus.NATSToken = v
	}

	if v := os.Getenv("KESTREL_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("KESTREL_EMBEDDING_URL"); v != "" {
		cfg.Embedding.RemoteURL = v
	}

	return cfg
}

// configuredTenants returns the tenants named in KESTREL_TENANTS, used
// for policy preloading and async worker subscriptions.
func configuredTenants() []string {
	raw := os.Getenv("KESTREL_TENANTS")
	if raw == "" {
		return nil
	}
	var tenants []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔════════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                   ║")
	fmt.Println("  ║     Multi-Agent Fraud Scoring Engine       ║")
	fmt.Println("  ║     Five signals. One decision.             ║")
	fmt.Println("  ╚════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score               - Score a transaction")
	fmt.Println("    GET  /assessments/{id}    - Get assessment by ID")
	fmt.Println("    GET  /transactions/{id}   - Get transaction by ID")
	fmt.Println("    GET  /rings               - List detected fraud rings")
	fmt.Println("    POST /rings/{id}/resolve  - Mark a ring resolved")
	fmt.Println("    GET  /policies            - List escalation policies")
	fmt.Println("    POST /policies            - Create an escalation policy")
	fmt.Println("    POST /policies/reload     - Hot-reload policies")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println()
}
