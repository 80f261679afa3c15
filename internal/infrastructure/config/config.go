// Package config provides configuration structs and utilities for the tidal
// sync core.
package config

import (
	"fmt"
	"time"

	"github.com/tidal-app/tidal/internal/domain/conflict"
)

// Direction controls which way a collection replicates.
type Direction string

const (
	DirectionBidirectional Direction = "bidirectional"
	DirectionPullOnly      Direction = "pull-only"
	DirectionPushOnly      Direction = "push-only"
)

// PartialFailureMode controls how a push cycle reacts to a single failed
// operation inside a batch.
type PartialFailureMode string

const (
	// PartialFailureSkip keeps pushing the rest of the batch. Default.
	PartialFailureSkip PartialFailureMode = "skip-and-continue"
	// PartialFailureHalt stops the collection's queue on first failure,
	// for strictly ordered mutation streams.
	PartialFailureHalt PartialFailureMode = "halt-queue"
)

// Config represents the root configuration for the tidal sync core.
type Config struct {
	Sync          SyncConfig          `yaml:"sync"`
	Collections   []CollectionConfig  `yaml:"collections"`
	Remote        RemoteConfig        `yaml:"remote"`
	Storage       StorageConfig       `yaml:"storage"`
	Status        StatusConfig        `yaml:"status"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SyncConfig holds engine-wide tunables.
type SyncConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	InitialRetryDelay   time.Duration `yaml:"initial_retry_delay"`
	RetryMultiplier     float64       `yaml:"retry_multiplier"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	ResetTimeout        time.Duration `yaml:"reset_timeout"`
	QueueMaxSize        int           `yaml:"queue_max_size"`
	DefaultPullInterval time.Duration `yaml:"default_pull_interval"`
	DefaultBatchSize    int           `yaml:"default_batch_size"`
}

// CollectionConfig is one row of the static collection table: how a single
// collection replicates. Loaded at startup, immutable at runtime.
type CollectionConfig struct {
	Name             string             `yaml:"name"`
	Direction        Direction          `yaml:"direction"`
	ConflictStrategy conflict.Strategy  `yaml:"conflict_strategy"`
	BatchSize        int                `yaml:"batch_size"`
	Priority         int                `yaml:"priority"`
	PullInterval     time.Duration      `yaml:"pull_interval"`
	PartialFailure   PartialFailureMode `yaml:"partial_failure"`
}

// Pushes reports whether local mutations for this collection are pushed.
func (c CollectionConfig) Pushes() bool {
	return c.Direction != DirectionPullOnly
}

// Pulls reports whether remote changes for this collection are pulled.
func (c CollectionConfig) Pulls() bool {
	return c.Direction != DirectionPushOnly
}

// RemoteConfig holds the remote backend endpoint. The token is normally
// supplied through the environment (TIDAL_API_TOKEN), not the config file.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig holds on-disk paths for the sync database and the control
// directory the CLI uses to poke a running daemon.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"` // default ~/.tidal/sync.db
	ControlDir   string `yaml:"control_dir"`   // default ~/.tidal/control
	DeviceIDPath string `yaml:"device_id_path"`
}

// StatusConfig holds the localhost websocket status endpoint for the UI.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // default 127.0.0.1:8793
}

// LoggingConfig holds configuration for application logging.
type LoggingConfig struct {
	Level   string `yaml:"level"`  // debug, info, warn, error
	Format  string `yaml:"format"` // json, text
	File    string `yaml:"file,omitempty"`
	MaxSize int    `yaml:"max_size_mb,omitempty"` // rotate after this many MB
	MaxAge  int    `yaml:"max_age_days,omitempty"`
}

// ObservabilityConfig holds tracing configuration.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"` // none, stdout, otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// Default configuration values.
const (
	DefaultMaxRetries        = 5
	DefaultInitialRetryDelay = 1 * time.Second
	DefaultRetryMultiplier   = 2.0
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultFailureThreshold  = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultQueueMaxSize      = 10000
	DefaultPullInterval      = 1 * time.Minute
	DefaultBatchSize         = 50
	DefaultRemoteTimeout     = 15 * time.Second
	DefaultStatusAddr        = "127.0.0.1:8793"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// NewDefaultConfig returns a configuration with sensible defaults and an
// empty collection table.
func NewDefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			MaxRetries:          DefaultMaxRetries,
			InitialRetryDelay:   DefaultInitialRetryDelay,
			RetryMultiplier:     DefaultRetryMultiplier,
			MaxRetryDelay:       DefaultMaxRetryDelay,
			FailureThreshold:    DefaultFailureThreshold,
			ResetTimeout:        DefaultResetTimeout,
			QueueMaxSize:        DefaultQueueMaxSize,
			DefaultPullInterval: DefaultPullInterval,
			DefaultBatchSize:    DefaultBatchSize,
		},
		Remote: RemoteConfig{
			Timeout: DefaultRemoteTimeout,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    DefaultStatusAddr,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      false,
				ExporterType: "none",
				SampleRate:   1.0,
				ServiceName:  "tidal-sync",
			},
		},
	}
}

// Validate checks the configuration for inconsistencies. The collection
// table is validated strictly: a bad row is a startup error, not a runtime
// surprise.
func (c *Config) Validate() error {
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	if c.Sync.InitialRetryDelay <= 0 {
		return fmt.Errorf("sync.initial_retry_delay must be positive")
	}
	if c.Sync.RetryMultiplier < 1 {
		return fmt.Errorf("sync.retry_multiplier must be at least 1")
	}
	if c.Sync.MaxRetryDelay < c.Sync.InitialRetryDelay {
		return fmt.Errorf("sync.max_retry_delay must be at least the initial delay")
	}
	if c.Sync.FailureThreshold < 1 {
		return fmt.Errorf("sync.failure_threshold must be at least 1")
	}

	seen := make(map[string]bool, len(c.Collections))
	for i, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("collections[%d]: name is required", i)
		}
		if seen[col.Name] {
			return fmt.Errorf("collections[%d]: duplicate collection %q", i, col.Name)
		}
		seen[col.Name] = true

		switch col.Direction {
		case DirectionBidirectional, DirectionPullOnly, DirectionPushOnly:
		default:
			return fmt.Errorf("collection %q: unknown direction %q", col.Name, col.Direction)
		}
		if !col.ConflictStrategy.Valid() {
			return fmt.Errorf("collection %q: unknown conflict strategy %q", col.Name, col.ConflictStrategy)
		}
		switch col.PartialFailure {
		case "", PartialFailureSkip, PartialFailureHalt:
		default:
			return fmt.Errorf("collection %q: unknown partial failure mode %q", col.Name, col.PartialFailure)
		}
		if col.BatchSize < 0 {
			return fmt.Errorf("collection %q: batch size cannot be negative", col.Name)
		}
	}

	return nil
}

// Collection returns the configuration row for a collection name.
func (c *Config) Collection(name string) (CollectionConfig, bool) {
	for _, col := range c.Collections {
		if col.Name == name {
			return c.normalized(col), true
		}
	}
	return CollectionConfig{}, false
}

// CollectionTable returns all collection rows with defaults applied.
func (c *Config) CollectionTable() []CollectionConfig {
	out := make([]CollectionConfig, 0, len(c.Collections))
	for _, col := range c.Collections {
		out = append(out, c.normalized(col))
	}
	return out
}

// normalized fills per-collection defaults from the engine-wide config.
func (c *Config) normalized(col CollectionConfig) CollectionConfig {
	if col.BatchSize == 0 {
		col.BatchSize = c.Sync.DefaultBatchSize
	}
	if col.PullInterval == 0 {
		col.PullInterval = c.Sync.DefaultPullInterval
	}
	if col.PartialFailure == "" {
		col.PartialFailure = PartialFailureSkip
	}
	return col
}
