package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/substrateops/foreman/pkg/persist"
	"github.com/substrateops/foreman/pkg/types"
)

// Config is the full daemon configuration. Interval fields are epoch-style
// millisecond counts, matching the wire surface and the env overrides.
type Config struct {
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"httpPort"`
	WSPort   int    `mapstructure:"wsPort"`

	Persistence        string `mapstructure:"persistence"`
	SnapshotIntervalMS int64  `mapstructure:"snapshotInterval"`
	SnapshotPath       string `mapstructure:"snapshotPath"`
	WALPath            string `mapstructure:"walPath"`
	WALSyncIntervalMS  int64  `mapstructure:"walSyncInterval"`

	HeartbeatIntervalMS int64 `mapstructure:"heartbeatInterval"`
	HeartbeatTimeoutMS  int64 `mapstructure:"heartbeatTimeout"`
	MaxTasksPerWorker   int   `mapstructure:"maxTasksPerWorker"`

	ProcessingIntervalMS int64 `mapstructure:"processingInterval"`
	MaxQueueSize         int   `mapstructure:"maxQueueSize"`

	ShutdownTimeoutMS int64 `mapstructure:"shutdownTimeout"`

	LogLevel string `mapstructure:"logLevel"`
	LogJSON  bool   `mapstructure:"logJSON"`
}

// Duration accessors.

func (c *Config) SnapshotInterval() time.Duration   { return ms(c.SnapshotIntervalMS) }
func (c *Config) WALSyncInterval() time.Duration    { return ms(c.WALSyncIntervalMS) }
func (c *Config) HeartbeatInterval() time.Duration  { return ms(c.HeartbeatIntervalMS) }
func (c *Config) HeartbeatTimeout() time.Duration   { return ms(c.HeartbeatTimeoutMS) }
func (c *Config) ProcessingInterval() time.Duration { return ms(c.ProcessingIntervalMS) }
func (c *Config) ShutdownTimeout() time.Duration    { return ms(c.ShutdownTimeoutMS) }

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// keys maps every configuration key to its environment override.
var keys = map[string]string{
	"host":               "FOREMAN_HOST",
	"httpPort":           "FOREMAN_HTTP_PORT",
	"wsPort":             "FOREMAN_WS_PORT",
	"persistence":        "FOREMAN_PERSISTENCE",
	"snapshotInterval":   "FOREMAN_SNAPSHOT_INTERVAL",
	"snapshotPath":       "FOREMAN_SNAPSHOT_PATH",
	"walPath":            "FOREMAN_WAL_PATH",
	"walSyncInterval":    "FOREMAN_WAL_SYNC_INTERVAL",
	"heartbeatInterval":  "FOREMAN_HEARTBEAT_INTERVAL",
	"heartbeatTimeout":   "FOREMAN_HEARTBEAT_TIMEOUT",
	"maxTasksPerWorker":  "FOREMAN_MAX_TASKS_PER_WORKER",
	"processingInterval": "FOREMAN_PROCESSING_INTERVAL",
	"maxQueueSize":       "FOREMAN_MAX_QUEUE_SIZE",
	"shutdownTimeout":    "FOREMAN_SHUTDOWN_TIMEOUT",
	"logLevel":           "FOREMAN_LOG_LEVEL",
	"logJSON":            "FOREMAN_LOG_JSON",
}

// Defaults returns the baseline configuration before any preset, file, or
// environment override.
func Defaults() map[string]any {
	return map[string]any{
		"host":               "127.0.0.1",
		"httpPort":           7420,
		"wsPort":             7421,
		"persistence":        string(persist.StrategyMemory),
		"snapshotInterval":   int64(30_000),
		"snapshotPath":       "data/snapshot.json",
		"walPath":            "data/wal.log",
		"walSyncInterval":    int64(1_000),
		"heartbeatInterval":  int64(10_000),
		"heartbeatTimeout":   int64(30_000),
		"maxTasksPerWorker":  5,
		"processingInterval": int64(10),
		"maxQueueSize":       10_000,
		"shutdownTimeout":    int64(10_000),
		"logLevel":           "info",
		"logJSON":            true,
	}
}

// Presets are named option bundles for typical deployments. A preset sets
// defaults only; an explicit config file or environment variable still wins.
var Presets = map[string]map[string]any{
	"development": {
		"persistence":        string(persist.StrategyMemory),
		"heartbeatInterval":  int64(10_000),
		"heartbeatTimeout":   int64(60_000),
		"maxTasksPerWorker":  5,
		"processingInterval": int64(10),
		"maxQueueSize":       10_000,
		"logJSON":            false,
		"logLevel":           "debug",
	},
	"production": {
		"persistence":        string(persist.StrategySnapshot),
		"snapshotInterval":   int64(30_000),
		"heartbeatInterval":  int64(5_000),
		"heartbeatTimeout":   int64(15_000),
		"maxTasksPerWorker":  3,
		"processingInterval": int64(10),
		"maxQueueSize":       5_000,
	},
	"high-availability": {
		"persistence":        string(persist.StrategyWAL),
		"snapshotInterval":   int64(10_000),
		"walSyncInterval":    int64(1_000),
		"heartbeatInterval":  int64(2_000),
		"heartbeatTimeout":   int64(6_000),
		"maxTasksPerWorker":  3,
		"processingInterval": int64(5),
		"maxQueueSize":       5_000,
	},
	"testing": {
		"persistence":        string(persist.StrategyMemory),
		"heartbeatInterval":  int64(50),
		"heartbeatTimeout":   int64(200),
		"maxTasksPerWorker":  2,
		"processingInterval": int64(1),
		"maxQueueSize":       64,
	},
}

// Load builds the configuration from defaults, an optional preset, an
// optional config file, and FOREMAN_* environment overrides, in that
// precedence order (later wins).
func Load(preset, file string) (*Config, error) {
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	if preset != "" {
		bundle, ok := Presets[preset]
		if !ok {
			return nil, types.Invalid("unknown preset %q", preset)
		}
		for key, value := range bundle {
			v.SetDefault(key, value)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return types.Invalid("httpPort %d out of range", c.HTTPPort)
	}
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return types.Invalid("wsPort %d out of range", c.WSPort)
	}
	if c.WSPort == c.HTTPPort {
		return types.Invalid("wsPort and httpPort both set to %d", c.HTTPPort)
	}
	strategy := persist.Strategy(c.Persistence)
	if !strategy.Valid() {
		return types.Invalid("unknown persistence strategy %q", c.Persistence)
	}
	if strategy != persist.StrategyMemory && c.SnapshotPath == "" {
		return types.Invalid("snapshotPath is required for persistence %q", c.Persistence)
	}
	if strategy == persist.StrategyWAL && c.WALPath == "" {
		return types.Invalid("walPath is required for persistence %q", c.Persistence)
	}
	if c.HeartbeatIntervalMS <= 0 || c.HeartbeatTimeoutMS <= 0 {
		return types.Invalid("heartbeat interval and timeout must be positive")
	}
	if c.HeartbeatTimeoutMS < c.HeartbeatIntervalMS {
		return types.Invalid("heartbeatTimeout %dms shorter than heartbeatInterval %dms",
			c.HeartbeatTimeoutMS, c.HeartbeatIntervalMS)
	}
	if c.MaxTasksPerWorker <= 0 {
		return types.Invalid("maxTasksPerWorker must be positive")
	}
	if c.MaxQueueSize <= 0 {
		return types.Invalid("maxQueueSize must be positive")
	}
	return nil
}
