package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultCycleInterval   = 600 * time.Second
	DefaultBlockTime       = 12 * time.Second
	DefaultMaxAttempts     = 3
	DefaultRetryDelay      = 10 * time.Second
	DefaultReportTimeout   = 10 * time.Second
	DefaultDialTimeout     = 10 * time.Second
	DefaultCallTimeout     = 30 * time.Second
	DefaultSyncInterval    = 10 * time.Second
	DefaultRetention       = 24 * time.Hour
	DefaultCollectInterval = 60 * time.Second
	DefaultMetricPrefix    = "worker_"
	DefaultMetricsAddr     = ":9100"
	DefaultAPIKeyHeader    = "x-api-key"
)

// DefaultMetrics are the counters scored when scoring.metrics is absent:
// web successes, returned tweets and returned profiles.
var DefaultMetrics = []string{"web_success", "twitter_returned_tweets", "twitter_returned_profiles"}

// Config is the full validator configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	Validator ValidatorConfig `yaml:"validator"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Registry  RegistryConfig  `yaml:"registry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ValidatorConfig controls the weight-setting cycle.
type ValidatorConfig struct {
	// NodeID identifies this validator in the registry.
	NodeID string `yaml:"node_id"`

	// Slot is this validator's ledger slot. When absent it is resolved from
	// the registry by NodeID at the start of every cycle.
	Slot *int `yaml:"slot"`

	// VersionKey is the opaque version tag sent with every submission.
	VersionKey int64 `yaml:"version_key"`

	CycleInterval time.Duration `yaml:"cycle_interval"`
	BlockTime     time.Duration `yaml:"block_time"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	ReportTimeout time.Duration `yaml:"report_timeout"`
}

// LedgerConfig describes the ledger gateway connection.
type LedgerConfig struct {
	// Endpoint is the gRPC address of the ledger gateway (host:port).
	Endpoint    string        `yaml:"endpoint"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Auth        AuthConfig    `yaml:"auth"`
}

// RegistryConfig controls how the node registry is populated.
type RegistryConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`

	// Nodes is a static membership list. When set, the ledger gateway is
	// not queried for membership.
	Nodes []NodeEntry `yaml:"nodes"`
}

// NodeEntry is one static registry entry.
type NodeEntry struct {
	NodeID string `yaml:"node_id"`
	Slot   int    `yaml:"slot"`
}

// TelemetryConfig selects the snapshot store and the workers to collect from.
type TelemetryConfig struct {
	// Backend is one of: memory | postgres.
	Backend string `yaml:"backend"`

	// DSNEnv is the name of the environment variable holding the
	// PostgreSQL connection string.
	DSNEnv string `yaml:"dsn_env"`

	// Table is the PostgreSQL table name.
	Table string `yaml:"table"`

	Retention       time.Duration `yaml:"retention"`
	CollectInterval time.Duration `yaml:"collect_interval"`

	// MetricPrefix selects which exposition families are counters of interest.
	MetricPrefix string `yaml:"metric_prefix"`

	Workers []Worker `yaml:"workers"`
}

// DSN returns the database connection string resolved from the environment.
func (t TelemetryConfig) DSN() string {
	if t.DSNEnv == "" {
		return ""
	}
	return os.Getenv(t.DSNEnv)
}

// Worker is one monitored worker node.
type Worker struct {
	// NodeID is the node identifier the worker's snapshots are stored under.
	NodeID string `yaml:"node_id"`

	// Endpoint is the full URL of the worker's Prometheus metrics endpoint.
	Endpoint string `yaml:"endpoint"`

	// ReportURL receives the node's score after each live cycle. Optional.
	ReportURL string `yaml:"report_url"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig specifies how to authenticate to a worker or the ledger.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls" (ledger only).
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the header or metadata key carrying the API key.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the
	// bearer token.
	TokenEnv string `yaml:"token_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Apply sets the authentication header for the configured mode on h.
// mtls and none leave h untouched.
func (a AuthConfig) Apply(h http.Header) {
	switch a.Mode {
	case "apikey":
		h.Set(a.Header, a.Key())
	case "bearer":
		h.Set("Authorization", "Bearer "+a.Token())
	}
}

// ScoringConfig holds the hot-reloadable scoring parameters.
type ScoringConfig struct {
	// Metrics are the counter names averaged into each node's weight.
	Metrics   []string        `yaml:"metrics"`
	Transform TransformConfig `yaml:"transform"`
}

// TransformConfig mirrors the score transform parameters.
type TransformConfig struct {
	TopPercentile     float64 `yaml:"top_percentile"`
	RewardFactor      float64 `yaml:"reward_factor"`
	Steepness         float64 `yaml:"steepness"`
	CenterSensitivity float64 `yaml:"center_sensitivity"`
	BoostFactor       float64 `yaml:"boost_factor"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyAuthDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Validator: ValidatorConfig{
			CycleInterval: DefaultCycleInterval,
			BlockTime:     DefaultBlockTime,
			MaxAttempts:   DefaultMaxAttempts,
			RetryDelay:    DefaultRetryDelay,
			ReportTimeout: DefaultReportTimeout,
		},
		Ledger: LedgerConfig{
			DialTimeout: DefaultDialTimeout,
			CallTimeout: DefaultCallTimeout,
		},
		Registry: RegistryConfig{
			SyncInterval: DefaultSyncInterval,
		},
		Telemetry: TelemetryConfig{
			Backend:         "memory",
			Retention:       DefaultRetention,
			CollectInterval: DefaultCollectInterval,
			MetricPrefix:    DefaultMetricPrefix,
		},
		Scoring: ScoringConfig{
			Metrics: append([]string(nil), DefaultMetrics...),
			Transform: TransformConfig{
				TopPercentile:     90,
				RewardFactor:      0.4,
				Steepness:         2.0,
				CenterSensitivity: 0.5,
				BoostFactor:       0.2,
			},
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
	}
}

// applyAuthDefaults fills the API key header where apikey mode left it empty.
func applyAuthDefaults(cfg *Config) {
	if cfg.Ledger.Auth.Mode == "apikey" && cfg.Ledger.Auth.Header == "" {
		cfg.Ledger.Auth.Header = DefaultAPIKeyHeader
	}
	for i := range cfg.Telemetry.Workers {
		a := &cfg.Telemetry.Workers[i].Auth
		if a.Mode == "apikey" && a.Header == "" {
			a.Header = DefaultAPIKeyHeader
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", cfg.LogLevel)
	}

	v := cfg.Validator
	if v.NodeID == "" && v.Slot == nil {
		return fmt.Errorf("validator: node_id or slot is required")
	}
	if v.Slot != nil && *v.Slot < 0 {
		return fmt.Errorf("validator.slot must not be negative")
	}
	if v.CycleInterval <= 0 {
		return fmt.Errorf("validator.cycle_interval must be positive")
	}
	if v.BlockTime <= 0 {
		return fmt.Errorf("validator.block_time must be positive")
	}
	if v.MaxAttempts <= 0 {
		return fmt.Errorf("validator.max_attempts must be positive")
	}
	if v.RetryDelay <= 0 {
		return fmt.Errorf("validator.retry_delay must be positive")
	}

	if cfg.Ledger.Endpoint == "" {
		return fmt.Errorf("ledger.endpoint is required")
	}
	switch cfg.Ledger.Auth.Mode {
	case "mtls", "apikey", "none", "":
	default:
		return fmt.Errorf("ledger.auth: unknown mode %q", cfg.Ledger.Auth.Mode)
	}

	if cfg.Registry.SyncInterval <= 0 {
		return fmt.Errorf("registry.sync_interval must be positive")
	}
	seen := make(map[string]bool, len(cfg.Registry.Nodes))
	for i, n := range cfg.Registry.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("registry.nodes[%d]: node_id is required", i)
		}
		if seen[n.NodeID] {
			return fmt.Errorf("registry.nodes[%d]: duplicate node_id %q", i, n.NodeID)
		}
		seen[n.NodeID] = true
	}

	t := cfg.Telemetry
	switch t.Backend {
	case "memory":
	case "postgres":
		if t.DSNEnv == "" {
			return fmt.Errorf("telemetry.dsn_env is required for the postgres backend")
		}
	default:
		return fmt.Errorf("telemetry.backend: unknown backend %q", t.Backend)
	}
	if t.Retention <= 0 {
		return fmt.Errorf("telemetry.retention must be positive")
	}
	if t.CollectInterval <= 0 {
		return fmt.Errorf("telemetry.collect_interval must be positive")
	}
	for i, w := range t.Workers {
		if w.NodeID == "" {
			return fmt.Errorf("workers[%d]: node_id is required", i)
		}
		if w.Endpoint == "" {
			return fmt.Errorf("workers[%d] %q: endpoint is required", i, w.NodeID)
		}
		switch w.Auth.Mode {
		case "apikey", "bearer", "none", "":
		default:
			return fmt.Errorf("workers[%d] %q: unknown auth mode %q", i, w.NodeID, w.Auth.Mode)
		}
	}

	return validateScoring(cfg.Scoring)
}

func validateScoring(s ScoringConfig) error {
	if len(s.Metrics) == 0 {
		return fmt.Errorf("scoring.metrics must not be empty")
	}
	for i, m := range s.Metrics {
		if m == "" {
			return fmt.Errorf("scoring.metrics[%d] is empty", i)
		}
	}
	if p := s.Transform.TopPercentile; p < 0 || p > 100 {
		return fmt.Errorf("scoring.transform.top_percentile must be within [0,100]")
	}
	if s.Transform.RewardFactor < 0 {
		return fmt.Errorf("scoring.transform.reward_factor must not be negative")
	}
	return nil
}
