package domain

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Profile determines which backends are wired in
	Profile Profile `json:"profile"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine configurations
	Scoring  ScoringConfig  `json:"scoring"`
	Training TrainingConfig `json:"training"`
	Anomaly  AnomalyConfig  `json:"anomaly"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Profile selects a deployment shape.
type Profile string

const (
	// ProfileStandalone runs on SQLite + in-process cache + channel bus.
	ProfileStandalone Profile = "standalone"

	// ProfileDistributed runs on PostgreSQL + Redis + NATS.
	ProfileDistributed Profile = "distributed"
)

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
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Degraded-mode behavior when no usable model or backup exists.
const (
	DegradedFailOpen   = "fail_open"
	DegradedFailClosed = "fail_closed"
)

// ScoringConfig holds the serving-path parameters.
type ScoringConfig struct {
	// Orders are the model context lengths the ensemble runs, ascending.
	Orders []int `json:"orders"`

	// SmoothingEpsilon is the fallback mass for unseen transitions.
	SmoothingEpsilon float64 `json:"smoothingEpsilon"`

	// Abnormality piecewise breakpoints.
	DeadZoneMax  float64 `json:"deadZoneMax"`
	BlockZoneMin float64 `json:"blockZoneMin"`
	WarnBase     float64 `json:"warnBase"`
	WarnSpan     float64 `json:"warnSpan"`
	BlockRisk    float64 `json:"blockRisk"`

	// Deterministic override floors.
	SequentialFloor float64 `json:"sequentialFloor"`
	PlusAddrFloor   float64 `json:"plusAddrFloor"`

	// Domain signal weights.
	DomainReputationWeight float64 `json:"domainReputationWeight"`
	TLDRiskWeight          float64 `json:"tldRiskWeight"`

	// Short-circuit penalties applied before model evaluation.
	InvalidFormatPenalty    float64 `json:"invalidFormatPenalty"`
	DisposableDomainPenalty float64 `json:"disposableDomainPenalty"`

	// FraudReasonThreshold is the ensemble fraud confidence above which the
	// reason code becomes markov_chain_fraud.
	FraudReasonThreshold float64 `json:"fraudReasonThreshold"`

	// Decision thresholds.
	WarnThreshold  float64 `json:"warnThreshold"`
	BlockThreshold float64 `json:"blockThreshold"`

	// DegradedMode decides fail-open vs fail-closed when no model loads.
	DegradedMode string `json:"degradedMode"`
}

// TrainingConfig holds the training pipeline parameters.
type TrainingConfig struct {
	// High-confidence filter bounds. Samples between the two are discarded.
	FraudConfidenceMin float64 `json:"fraudConfidenceMin"`
	LegitConfidenceMax float64 `json:"legitConfidenceMax"`

	MinSamplesPerClass int `json:"minSamplesPerClass"`

	// EMARate is alpha for incremental merges.
	EMARate float64 `json:"emaRate"`

	// HoldoutFraction of filtered samples reserved for validation.
	HoldoutFraction float64 `json:"holdoutFraction"`

	// Validation acceptance bounds.
	MinAccuracy          float64 `json:"minAccuracy"`
	MinPrecision         float64 `json:"minPrecision"`
	MinRecall            float64 `json:"minRecall"`
	MaxFalsePositiveRate float64 `json:"maxFalsePositiveRate"`

	// LockTTL is the auto-release time for the single-writer training lock,
	// in seconds.
	LockTTL int `json:"lockTtl"`
}

// AnomalyConfig holds the anomaly gate sensitivity settings.
type AnomalyConfig struct {
	// SafeThreshold: batches scoring at or above it are unsafe to train on.
	SafeThreshold float64 `json:"safeThreshold"`

	// ExpectedLegitRatio fallback when history is empty.
	ExpectedLegitRatio float64 `json:"expectedLegitRatio"`
}

// DefaultConfig returns the standalone-profile configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileStandalone,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring:  DefaultScoringConfig(),
		Training: DefaultTrainingConfig(),
		Anomaly: AnomalyConfig{
			SafeThreshold:      0.5,
			ExpectedLegitRatio: 0.85,
		},
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

// DistributedConfig returns the distributed-profile configuration.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileDistributed
	cfg.Repository = RepositoryConfig{
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

// DefaultScoringConfig returns the documented scoring defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Orders:                  []int{2, 3},
		SmoothingEpsilon:        0.01,
		DeadZoneMax:             3.8,
		BlockZoneMin:            5.5,
		WarnBase:                0.35,
		WarnSpan:                0.30,
		BlockRisk:               0.65,
		SequentialFloor:         0.8,
		PlusAddrFloor:           0.6,
		DomainReputationWeight:  0.2,
		TLDRiskWeight:           0.3,
		InvalidFormatPenalty:    0.9,
		DisposableDomainPenalty: 0.85,
		FraudReasonThreshold:    0.3,
		WarnThreshold:           0.35,
		BlockThreshold:          0.65,
		DegradedMode:            DegradedFailOpen,
	}
}

// DefaultTrainingConfig returns the documented training defaults.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		FraudConfidenceMin:   0.7,
		LegitConfidenceMax:   0.3,
		MinSamplesPerClass:   100,
		EMARate:              0.3,
		HoldoutFraction:      0.2,
		MinAccuracy:          0.90,
		MinPrecision:         0.90,
		MinRecall:            0.90,
		MaxFalsePositiveRate: 0.05,
		LockTTL:              900, // 15 minutes
	}
}
