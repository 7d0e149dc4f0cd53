// Package config defines all configuration for the inventory management
// engine. Config is loaded from a YAML file (default: configs/engine.yaml)
// with sensitive-free overrides via IMS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Shard      ShardConfig      `mapstructure:"shard"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Reference  ReferenceConfig  `mapstructure:"reference"`
	Validation ValidationConfig `mapstructure:"validation"`
	Locate     LocateConfig     `mapstructure:"locate"`
	Market     MarketConfig     `mapstructure:"market"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ShardConfig controls the shard dispatcher (C3).
//
//   - Count: number of shards, must be a power of two, fixed at boot.
//   - QueueDepth: bounded per-shard queue capacity.
//   - BackpressureHighWater: fraction full at which the router signals
//     adapters to slow down.
type ShardConfig struct {
	Count                 int     `mapstructure:"count"`
	QueueDepth             int     `mapstructure:"queue_depth"`
	BackpressureHighWater  float64 `mapstructure:"backpressure_high_water"`
}

// SnapshotConfig controls checkpointing (C4).
type SnapshotConfig struct {
	EveryEvents  int           `mapstructure:"every_events"`
	EveryPeriod  time.Duration `mapstructure:"every_period"`
	Dir          string        `mapstructure:"dir"`
}

// IngestConfig controls deduplication and reordering (C2).
type IngestConfig struct {
	DedupWindow      int            `mapstructure:"dedup_window"`
	ReorderWindow    int            `mapstructure:"reorder_window"`
	ReorderMaxSkew   time.Duration  `mapstructure:"reorder_max_skew"`
	BackoffBase      time.Duration  `mapstructure:"backoff_base"`
	BackoffCap       time.Duration  `mapstructure:"backoff_cap"`
	BackoffJitterPct float64        `mapstructure:"backoff_jitter_pct"`
	Vendors          []VendorConfig `mapstructure:"vendors"`
}

// VendorConfig describes one upstream source the ingest layer pulls from —
// a push feed (market data, trade confirms) or a poll feed (reference data).
// Kind selects which adapter construction wires it: "ws" for a gorilla
// WebSocket push feed, "rest" for a resty poll loop.
type VendorConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	URL          string        `mapstructure:"url"`
	APIKeyEnv    string        `mapstructure:"api_key_env"`
	SecretEnv    string        `mapstructure:"secret_env"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RateLimit    float64       `mapstructure:"rate_limit"`      // requests/sec
	RateBurst    float64       `mapstructure:"rate_burst"`
}

// ReferenceConfig controls cross-vendor reference-data conflict resolution (C2).
type ReferenceConfig struct {
	Priority      []string      `mapstructure:"priority"` // e.g. [REUTERS, BLOOMBERG, MARKIT, ULTUMUS, RIMES]
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

// ValidationConfig controls the short-sell validator hot path (C8).
type ValidationConfig struct {
	DeadlineMs int `mapstructure:"deadline_ms"`
	Bulkhead   int `mapstructure:"bulkhead"`
	BatchSize  int `mapstructure:"batch_size"`
}

// LocateConfig controls the locate workflow (C9).
type LocateConfig struct {
	DeadlineMs           int           `mapstructure:"deadline_ms"`
	AutoApprovalMaxQty    string        `mapstructure:"auto_approval_max_quantity"`
	MinInventoryRatio    float64       `mapstructure:"min_inventory_ratio"`
	ExpiryHours          int           `mapstructure:"expiry_hours"`
	ManualReviewTimeout  time.Duration `mapstructure:"manual_review_timeout"`
}

// MarketConfig points at the locate rule catalog (C9) and carries the
// per-market tuning the TW/JP plugins read at runtime.
type MarketConfig struct {
	RulesPath string `mapstructure:"rules_path"`

	// JPCutoffHour is the hour-of-day (0-23, UTC) Japan's settlement cutoff
	// falls at for a given business date (spec.md §4.6).
	JPCutoffHour int `mapstructure:"jp_cutoff_hour"`
}

// StoreConfig sets where the event log / snapshot store lives.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls the root slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("IMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("shard.count", 8)
	v.SetDefault("shard.queue_depth", 65536)
	v.SetDefault("shard.backpressure_high_water", 0.8)

	v.SetDefault("snapshot.every_events", 50000)
	v.SetDefault("snapshot.every_period", "60s")
	v.SetDefault("snapshot.dir", "./data/snapshots")

	v.SetDefault("ingest.dedup_window", 1_000_000)
	v.SetDefault("ingest.reorder_window", 256)
	v.SetDefault("ingest.reorder_max_skew", "2s")
	v.SetDefault("ingest.backoff_base", "1s")
	v.SetDefault("ingest.backoff_cap", "30s")
	v.SetDefault("ingest.backoff_jitter_pct", 0.2)
	v.SetDefault("ingest.vendors", []map[string]any{})

	v.SetDefault("reference.priority", []string{"REUTERS", "BLOOMBERG", "MARKIT", "ULTUMUS", "RIMES"})
	v.SetDefault("reference.staleness_window", "24h")

	v.SetDefault("validation.deadline_ms", 150)
	v.SetDefault("validation.bulkhead", 256)
	v.SetDefault("validation.batch_size", 32)

	v.SetDefault("locate.deadline_ms", 1000)
	v.SetDefault("locate.auto_approval_max_quantity", "20000")
	v.SetDefault("locate.min_inventory_ratio", 2.0)
	v.SetDefault("locate.expiry_hours", 24)
	v.SetDefault("locate.manual_review_timeout", "60m")

	v.SetDefault("market.rules_path", "./configs/market_rules")
	v.SetDefault("market.jp_cutoff_hour", 15)

	v.SetDefault("store.data_dir", "./data/store")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Shard.Count <= 0 || c.Shard.Count&(c.Shard.Count-1) != 0 {
		return fmt.Errorf("shard.count must be a power of two, got %d", c.Shard.Count)
	}
	if c.Shard.QueueDepth <= 0 {
		return fmt.Errorf("shard.queue_depth must be > 0")
	}
	if c.Validation.DeadlineMs <= 0 {
		return fmt.Errorf("validation.deadline_ms must be > 0")
	}
	if c.Validation.Bulkhead <= 0 {
		return fmt.Errorf("validation.bulkhead must be > 0")
	}
	if c.Locate.DeadlineMs <= 0 {
		return fmt.Errorf("locate.deadline_ms must be > 0")
	}
	if len(c.Reference.Priority) == 0 {
		return fmt.Errorf("reference.priority must not be empty")
	}
	return nil
}
