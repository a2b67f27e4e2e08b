package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyWorkerDefaults(&cfg.Worker)
	applyBlobDefaults(&cfg.Blob)
	applyRegistryDefaults(&cfg.Registry)
	applyPushDefaults(&cfg.Push)
	applyFetchDefaults(&cfg.Fetch)
	applySnapshotDefaults(&cfg.Snapshots)
	applyBackupDefaults(&cfg.Backup)
	applyMetricsDefaults(&cfg.Metrics)
	applyShutdownTimeoutDefaults(cfg)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyWorkerDefaults sets worker identity defaults.
// DataDir has no default - it's required and must be configured by user.
func applyWorkerDefaults(cfg *WorkerConfig) {
	if cfg.ID == "" {
		// A fresh id per start is fine: the worker re-registers on Start
		// and assignments are released on shutdown.
		cfg.ID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
}

// applyBlobDefaults sets blob store defaults.
func applyBlobDefaults(cfg *BlobConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "docs/"
	}
	if cfg.Type == "s3" && cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

// applyRegistryDefaults sets registry backend defaults.
func applyRegistryDefaults(cfg *RegistryConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Type == "redis" && cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
}

// applyPushDefaults sets push scheduler defaults.
func applyPushDefaults(cfg *PushConfig) {
	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.FirstRetryDelay == 0 {
		cfg.FirstRetryDelay = 3 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 10
	}
}

// applyFetchDefaults sets fetch verification defaults.
func applyFetchDefaults(cfg *FetchConfig) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
}

// applySnapshotDefaults sets snapshot retention defaults.
func applySnapshotDefaults(cfg *SnapshotConfig) {
	if cfg.KeepLatest == 0 {
		cfg.KeepLatest = 5
	}
	if cfg.Hours == 0 {
		cfg.Hours = 25
	}
	if cfg.Days == 0 {
		cfg.Days = 32
	}
	if cfg.Months == 0 {
		cfg.Months = 96
	}
	if cfg.MinBeforePrune == 0 {
		cfg.MinBeforePrune = cfg.KeepLatest
	}
}

// applyBackupDefaults sets live-backup defaults.
func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 256 * 1024
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Worker: WorkerConfig{
			DataDir: filepath.Join("/tmp", "grist-hsm", "docs"),
		},
		Blob: BlobConfig{
			Type: "memory",
		},
		Registry: RegistryConfig{
			Type: "memory",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
