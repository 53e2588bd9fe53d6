package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure defaults
	Tier Tier `json:"tier"`

	// Component configurations
	Store     StoreConfig     `json:"store"`
	Cache     CacheConfig     `json:"cache"`
	EventBus  EventBusConfig  `json:"eventBus"`
	Embedding EmbeddingConfig `json:"embedding"`

	// Scoring policy: weights, thresholds, timeouts
	Scoring ScoringConfig `json:"scoring"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// AgentWeights is the aggregation weight vector. Must sum to 1.0.
type AgentWeights struct {
	Pattern    float64 `json:"pattern"`
	Anomaly    float64 `json:"anomaly"`
	Geographic float64 `json:"geographic"`
	Merchant   float64 `json:"merchant"`
	Network    float64 `json:"network"`
}

// For returns the weight for a named agent.
func (w AgentWeights) For(agent string) float64 {
	switch agent {
	case AgentPattern:
		return w.Pattern
	case AgentAnomaly:
		return w.Anomaly
	case AgentGeographic:
		return w.Geographic
	case AgentMerchant:
		return w.Merchant
	case AgentNetwork:
		return w.Network
	}
	return 0
}

// Sum returns the total of all weights.
func (w AgentWeights) Sum() float64 {
	return w.Pattern + w.Anomaly + w.Geographic + w.Merchant + w.Network
}

// HybridConfig tunes lexical/semantic score fusion in the merchant agent.
type HybridConfig struct {
	// TextWeight + VectorWeight should sum to 1.0. Semantic similarity
	// generalizes better than exact keyword matches across fraud
	// variants, hence the asymmetric default.
	TextWeight   float64 `json:"textWeight"`
	VectorWeight float64 `json:"vectorWeight"`

	// CandidateLimit caps results fetched per pass.
	CandidateLimit int `json:"candidateLimit"`
}

// RingConfig tunes the network agent's cluster detection.
type RingConfig struct {
	// MinClusterSize is the distinct-user count at which a shared
	// identifier is flagged as a ring.
	MinClusterSize int64 `json:"minClusterSize"`

	// Lookback bounds how far back shared-identifier grouping reaches.
	Lookback time.Duration `json:"lookback"`

	// Saturation shapes the member-count score: count/(count+saturation).
	Saturation float64 `json:"saturation"`

	// CoordinationWindow and CoordinationMin drive the secondary signal:
	// distinct users at one merchant within a short window.
	CoordinationWindow time.Duration `json:"coordinationWindow"`
	CoordinationMin    int64         `json:"coordinationMin"`
}

// GeoConfig tunes the geographic agent.
type GeoConfig struct {
	// MaxPlausibleSpeedKmh is the travel speed above which movement
	// between consecutive transactions is considered implausible.
	MaxPlausibleSpeedKmh float64 `json:"maxPlausibleSpeedKmh"`

	// HomeDistanceScaleKm normalizes the distance-from-home term.
	HomeDistanceScaleKm float64 `json:"homeDistanceScaleKm"`

	// HomeDistanceMinKm is the distance below which the home term is zero.
	HomeDistanceMinKm float64 `json:"homeDistanceMinKm"`

	// TravelHistoryWindow bounds the prior-travel lookback.
	TravelHistoryWindow time.Duration `json:"travelHistoryWindow"`

	// UnknownLocationScore is the fixed term for null/unusable locations.
	UnknownLocationScore float64 `json:"unknownLocationScore"`
}

// PatternConfig tunes the pattern agent.
type PatternConfig struct {
	// DeviationScale normalizes amount deviation: a transaction
	// DeviationScale times away from the user average scores 1.0 on the
	// deviation term.
	DeviationScale float64 `json:"deviationScale"`

	// SimilarLimit caps the vector search over the user's history.
	SimilarLimit int `json:"similarLimit"`

	// Term weights; must sum to 1.0.
	DeviationWeight  float64 `json:"deviationWeight"`
	CategoryWeight   float64 `json:"categoryWeight"`
	SimilarityWeight float64 `json:"similarityWeight"`
}

// AnomalyConfig tunes the anomaly agent.
type AnomalyConfig struct {
	// Window is the sliding window for velocity counting.
	Window time.Duration `json:"window"`

	// BaselineWindow is the lookback used to estimate the user's normal
	// transaction rate.
	BaselineWindow time.Duration `json:"baselineWindow"`

	// SpikeRatio is the count-over-baseline ratio that scores 1.0.
	SpikeRatio float64 `json:"spikeRatio"`

	// JumpRatio is the amount-over-recent-average ratio that scores 1.0.
	JumpRatio float64 `json:"jumpRatio"`

	// RecentLimit caps the recent-history fetch.
	RecentLimit int `json:"recentLimit"`
}

// ScoringConfig is the explicit decision policy passed to the
// orchestrator and aggregator. Nothing in the scoring path reads
// configuration from anywhere else.
type ScoringConfig struct {
	Weights AgentWeights `json:"weights"`

	// Decision thresholds on the aggregate risk score.
	BlockThreshold  float64 `json:"blockThreshold"`
	ReviewThreshold float64 `json:"reviewThreshold"`

	// NotableThreshold selects which agents contribute to reasoning.
	NotableThreshold float64 `json:"notableThreshold"`

	// AgentTimeout is the per-agent budget; OverallDeadline bounds the
	// whole scoring request.
	AgentTimeout    time.Duration `json:"agentTimeout"`
	OverallDeadline time.Duration `json:"overallDeadline"`

	// DefaultSubScore replaces a degraded agent's score. A moderate-risk
	// midpoint rather than zero, so failure never masks risk.
	DefaultSubScore float64 `json:"defaultSubScore"`

	// MaxDegraded is the largest number of degraded agents tolerated
	// before the result is flagged as a partial failure.
	MaxDegraded int `json:"maxDegraded"`

	Hybrid  HybridConfig  `json:"hybrid"`
	Ring    RingConfig    `json:"ring"`
	Geo     GeoConfig     `json:"geo"`
	Pattern PatternConfig `json:"pattern"`
	Anomaly AnomalyConfig `json:"anomaly"`
}

// Validate checks weight and threshold coherence.
func (c *ScoringConfig) Validate() error {
	if math.Abs(c.Weights.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("agent weights must sum to 1.0, got %v", c.Weights.Sum())
	}
	if c.ReviewThreshold >= c.BlockThreshold {
		return fmt.Errorf("review threshold %v must be below block threshold %v", c.ReviewThreshold, c.BlockThreshold)
	}
	if c.DefaultSubScore < 0 || c.DefaultSubScore > 1 {
		return fmt.Errorf("default sub-score must be in [0,1], got %v", c.DefaultSubScore)
	}
	if c.Hybrid.TextWeight < 0 || c.Hybrid.VectorWeight < 0 {
		return fmt.Errorf("hybrid weights must be non-negative")
	}
	if c.Ring.MinClusterSize < 2 {
		return fmt.Errorf("ring minimum cluster size must be at least 2, got %d", c.Ring.MinClusterSize)
	}
	return nil
}

// DefaultScoringConfig returns the default scoring policy.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights: AgentWeights{
			Pattern:    0.25,
			Anomaly:    0.20,
			Geographic: 0.15,
			Merchant:   0.25,
			Network:    0.15,
		},
		BlockThreshold:   0.7,
		ReviewThreshold:  0.4,
		NotableThreshold: 0.5,
		AgentTimeout:     80 * time.Millisecond,
		OverallDeadline:  100 * time.Millisecond,
		DefaultSubScore:  0.5,
		MaxDegraded:      2,
		Hybrid: HybridConfig{
			TextWeight:     0.3,
			VectorWeight:   0.7,
			CandidateLimit: 50,
		},
		Ring: RingConfig{
			MinClusterSize:     3,
			Lookback:           30 * 24 * time.Hour,
			Saturation:         2.0,
			CoordinationWindow: time.Hour,
			CoordinationMin:    5,
		},
		Geo: GeoConfig{
			MaxPlausibleSpeedKmh: 500,
			HomeDistanceScaleKm:  5000,
			HomeDistanceMinKm:    500,
			TravelHistoryWindow:  7 * 24 * time.Hour,
			UnknownLocationScore: 0.4,
		},
		Pattern: PatternConfig{
			DeviationScale:   3.0,
			SimilarLimit:     10,
			DeviationWeight:  0.3,
			CategoryWeight:   0.2,
			SimilarityWeight: 0.5,
		},
		Anomaly: AnomalyConfig{
			Window:         24 * time.Hour,
			BaselineWindow: 7 * 24 * time.Hour,
			SpikeRatio:     5.0,
			JumpRatio:      3.0,
			RecentLimit:    20,
		},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ProfileTTL:   time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			Dimension: 256,
		},
		Scoring: DefaultScoringConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Store = StoreConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ProfileTTL:     time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
