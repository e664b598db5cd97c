package domain

import (
	"errors"
	"math"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Batch input
	Ingest IngestConfig `koanf:"ingest"`

	// Core pipeline stages
	Binder    BinderConfig    `koanf:"binder"`
	Features  FeaturesConfig  `koanf:"features"`
	Partition PartitionConfig `koanf:"partition"`
	Alerting  AlertingConfig  `koanf:"alerting"`
	Evidence  EvidenceConfig  `koanf:"evidence"`
	Model     ModelConfig     `koanf:"model"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus"`

	// Server settings
	Server ServerConfig `koanf:"server"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// IngestConfig names the input table and its required columns.
type IngestConfig struct {
	Path         string `koanf:"path"`
	TimeColumn   string `koanf:"time_column"`
	AmountColumn string `koanf:"amount_column"`
	LabelColumn  string `koanf:"label_column"`
}

// BinderConfig controls synthetic entity binding.
type BinderConfig struct {
	Seed       int64   `koanf:"seed"`
	NCards     int     `koanf:"n_cards"`
	NMerchants int     `koanf:"n_merchants"`
	NDevices   int     `koanf:"n_devices"`
	NIPs       int     `koanf:"n_ips"`
	NGeos      int     `koanf:"n_geos"`
	PNewDevice float64 `koanf:"p_new_device"`
	PNewIP     float64 `koanf:"p_new_ip"`
	PGeoJump   float64 `koanf:"p_geo_jump"`
}

// Validate fails fast on sizes or probabilities that cannot be drawn from.
func (c BinderConfig) Validate() error {
	sizes := []struct {
		field string
		v     int
	}{
		{"binder.n_cards", c.NCards},
		{"binder.n_merchants", c.NMerchants},
		{"binder.n_devices", c.NDevices},
		{"binder.n_ips", c.NIPs},
		{"binder.n_geos", c.NGeos},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return &ConfigError{Field: s.field, Reason: "must be > 0"}
		}
	}
	probs := []struct {
		field string
		v     float64
	}{
		{"binder.p_new_device", c.PNewDevice},
		{"binder.p_new_ip", c.PNewIP},
		{"binder.p_geo_jump", c.PGeoJump},
	}
	for _, p := range probs {
		if math.IsNaN(p.v) || p.v < 0 || p.v > 1 {
			return &ConfigError{Field: p.field, Reason: "must be within [0, 1]"}
		}
	}
	if c.Seed < 0 {
		return &ConfigError{Field: "binder.seed", Reason: "must be >= 0"}
	}
	return nil
}

// Amount statistics modes for the robust deviation.
const (
	AmountStatsRunning = "running"
	AmountStatsCard    = "card"
)

// FeaturesConfig controls temporal feature derivation.
type FeaturesConfig struct {
	WindowSecs  float64 `koanf:"window_secs"`
	WindowBound string  `koanf:"window_bound"` // inclusive, exclusive
	AmountStats string  `koanf:"amount_stats"` // running, card
	Workers     int     `koanf:"workers"`
}

// Validate checks the window and amount statistics mode.
func (c FeaturesConfig) Validate() error {
	if math.IsNaN(c.WindowSecs) || c.WindowSecs < 0 {
		return &ConfigError{Field: "features.window_secs", Reason: "must be >= 0"}
	}
	switch c.WindowBound {
	case "", "inclusive", "exclusive":
	default:
		return &ConfigError{Field: "features.window_bound", Reason: "must be inclusive or exclusive"}
	}
	switch c.AmountStats {
	case AmountStatsRunning, AmountStatsCard:
	default:
		return &ConfigError{Field: "features.amount_stats", Reason: "must be running or card"}
	}
	if c.Workers < 0 {
		return &ConfigError{Field: "features.workers", Reason: "must be >= 0"}
	}
	return nil
}

// PartitionConfig controls the stratified train/eval split.
type PartitionConfig struct {
	TestSize float64 `koanf:"test_size"`
	Seed     int64   `koanf:"seed"`
}

// Validate checks that both partitions can be non-empty.
func (c PartitionConfig) Validate() error {
	if !(c.TestSize > 0 && c.TestSize < 1) {
		return &ConfigError{Field: "partition.test_size", Reason: "must be within (0, 1)"}
	}
	if c.Seed < 0 {
		return &ConfigError{Field: "partition.seed", Reason: "must be >= 0"}
	}
	return nil
}

// AlertingConfig controls flagged-transaction selection.
type AlertingConfig struct {
	Threshold float64 `koanf:"threshold"`
	TopK      int     `koanf:"top_k"` // 0 means no cap
}

// Validate checks the threshold range and cap.
func (c AlertingConfig) Validate() error {
	if math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		return &ConfigError{Field: "alerting.threshold", Reason: "must be within [0, 1]"}
	}
	if c.TopK < 0 {
		return &ConfigError{Field: "alerting.top_k", Reason: "must be >= 0"}
	}
	return nil
}

// EvidenceConfig controls evidence assembly and output.
type EvidenceConfig struct {
	TopK   int    `koanf:"top_k"`
	Output string `koanf:"output"` // JSONL path, "-" for stdout, empty to skip
}

// Validate checks the driver count.
func (c EvidenceConfig) Validate() error {
	if c.TopK <= 0 {
		return &ConfigError{Field: "evidence.top_k", Reason: "must be > 0"}
	}
	return nil
}

// ModelConfig defines the CEL scoring oracle.
type ModelConfig struct {
	Bias    float64     `koanf:"bias"`
	Terms   []ModelTerm `koanf:"terms"`
	Workers int         `koanf:"workers"`
}

// ModelTerm binds a CEL expression to one feature. Expression defaults to
// the feature name itself.
type ModelTerm struct {
	Feature    string  `koanf:"feature"`
	Expression string  `koanf:"expression"`
	Weight     float64 `koanf:"weight"`
}

// Validate checks that every term names a feature.
func (c ModelConfig) Validate() error {
	for _, t := range c.Terms {
		if t.Feature == "" {
			return &ConfigError{Field: "model.terms.feature", Reason: "is required"}
		}
	}
	if c.Workers < 0 {
		return &ConfigError{Field: "model.workers", Reason: "must be >= 0"}
	}
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds

	// AllowedOrigins restricts browser reads; empty allows any origin
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Validate runs every section validator and joins the failures.
func (c *Config) Validate() error {
	return errors.Join(
		c.Binder.Validate(),
		c.Features.Validate(),
		c.Partition.Validate(),
		c.Alerting.Validate(),
		c.Evidence.Validate(),
		c.Model.Validate(),
	)
}

// DefaultModelTerms is the stock scoring model used when none is configured.
func DefaultModelTerms() []ModelTerm {
	return []ModelTerm{
		{Feature: SignalNewDevice, Weight: 1.2},
		{Feature: SignalNewIP, Weight: 1.0},
		{Feature: SignalGeoJump, Weight: 1.5},
		{Feature: SignalVelocity, Expression: "velocity_10m > 3.0 ? velocity_10m - 3.0 : 0.0", Weight: 0.4},
		{Feature: SignalAmountZ, Expression: "amt_robust_z > 0.0 ? amt_robust_z : 0.0", Weight: 0.3},
		{Feature: SignalMerchantRate, Weight: 8.0},
		{Feature: SignalIPRate, Weight: 6.0},
		{Feature: SignalDeviceRate, Weight: 6.0},
	}
}

// DefaultConfig returns the default batch configuration: SQLite, in-memory
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Ingest: IngestConfig{
			TimeColumn:   "Time",
			AmountColumn: "Amount",
			LabelColumn:  "Class",
		},
		Binder: BinderConfig{
			Seed:       42,
			NCards:     20000,
			NMerchants: 3000,
			NDevices:   60000,
			NIPs:       80000,
			NGeos:      500,
			PNewDevice: 0.02,
			PNewIP:     0.03,
			PGeoJump:   0.01,
		},
		Features: FeaturesConfig{
			WindowSecs:  600,
			WindowBound: "inclusive",
			AmountStats: AmountStatsRunning,
		},
		Partition: PartitionConfig{
			TestSize: 0.2,
			Seed:     42,
		},
		Alerting: AlertingConfig{
			Threshold: 0.90,
			TopK:      200,
		},
		Evidence: EvidenceConfig{
			TopK:   8,
			Output: "evidence.jsonl",
		},
		Model: ModelConfig{
			Bias:  -6.0,
			Terms: DefaultModelTerms(),
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 64,
			LocalTTL:     30 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
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
