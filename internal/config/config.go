// Package config loads and validates the YAML configuration for the WAL
// writer and replication relay.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WALMode selects the durability mode of the WAL writer (spec §4.2).
type WALMode string

const (
	// ModeNone skips thread dispatch entirely: LSNs are assigned
	// synchronously and nothing is durable.
	ModeNone WALMode = "none"
	// ModeWrite appends to the segment but does not fsync.
	ModeWrite WALMode = "write"
	// ModeFsync appends and fsyncs every batch.
	ModeFsync WALMode = "fsync"
)

// WALConfig holds the WAL writer's own configuration (spec §6).
type WALConfig struct {
	Mode                WALMode       `yaml:"mode"`
	Dir                 string        `yaml:"dir"`
	MaxSize             int64         `yaml:"max_size"`
	CheckpointThreshold int64         `yaml:"checkpoint_threshold"`
	InstanceUUID        string        `yaml:"instance_uuid"`
	RingCapacity        int           `yaml:"ring_capacity"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig holds the process's own listen addresses — not a spec.md
// knob itself, but the ambient wiring every teacher service config
// carries for its Server section.
type ServerConfig struct {
	InstanceID         uint32 `yaml:"instance_id"`
	ReplicationAddr    string `yaml:"replication_addr"`
	HealthAddr         string `yaml:"health_addr"`
	InitialJoinWorkers int    `yaml:"initial_join_workers"`
}

// ReplicationConfig holds relay-facing configuration (spec §6).
type ReplicationConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
}

// InjectionConfig enumerates the named error-injection knobs spec §6
// requires as first-class test controls. Each is a concrete, documented
// field rather than an untyped map, following the teacher's habit of
// enumerating configuration as typed struct fields.
type InjectionConfig struct {
	RotateFail         bool          `yaml:"rotate_fail"`
	SyncFail           bool          `yaml:"sync_fail"`
	FallocateFail      bool          `yaml:"fallocate_fail"`
	SendDelay          time.Duration `yaml:"send_delay"`
	SendTimeout        bool          `yaml:"send_timeout"`
	BrokenLSN          bool          `yaml:"broken_lsn"`
	IgnoreMemoryWindow bool          `yaml:"ignore_memory_window"`
	ExitDelay          time.Duration `yaml:"exit_delay"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Config is the complete configuration for the WAL writer and relay.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	WAL         WALConfig         `yaml:"wal"`
	Replication ReplicationConfig `yaml:"replication"`
	Injection   InjectionConfig   `yaml:"injection"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoadConfig reads and parses a YAML configuration file, applying defaults
// and validating the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ReplicationAddr == "" {
		cfg.Server.ReplicationAddr = ":7601"
	}
	if cfg.Server.HealthAddr == "" {
		cfg.Server.HealthAddr = ":7602"
	}
	if cfg.Server.InitialJoinWorkers == 0 {
		cfg.Server.InitialJoinWorkers = 8
	}
	if cfg.WAL.Mode == "" {
		cfg.WAL.Mode = ModeWrite
	}
	if cfg.WAL.MaxSize == 0 {
		cfg.WAL.MaxSize = 256 * 1024 * 1024 // 256 MiB, spec §6 default
	}
	if cfg.WAL.RingCapacity == 0 {
		cfg.WAL.RingCapacity = 16384
	}
	if cfg.WAL.ShutdownTimeout == 0 {
		cfg.WAL.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Replication.Timeout == 0 {
		cfg.Replication.Timeout = 1 * time.Second
	}
	if cfg.Replication.DisconnectTimeout == 0 {
		cfg.Replication.DisconnectTimeout = 4 * cfg.Replication.Timeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.WAL.Mode {
	case ModeNone, ModeWrite, ModeFsync:
	default:
		return fmt.Errorf("wal.mode must be one of none|write|fsync, got %q", c.WAL.Mode)
	}
	if c.WAL.Dir == "" {
		return fmt.Errorf("wal.dir is required")
	}
	if c.WAL.MaxSize <= 0 {
		return fmt.Errorf("wal.max_size must be positive")
	}
	if c.Replication.Timeout <= 0 {
		return fmt.Errorf("replication.timeout must be positive")
	}
	return nil
}
