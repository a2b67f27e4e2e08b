package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the storage worker configuration.
//
// This structure captures the static configuration of a document storage
// worker:
//   - Logging configuration
//   - Worker identity (id and advertised URLs)
//   - Blob store backend (memory or S3-compatible)
//   - Registry backend for checksums and worker assignment
//   - Push, fetch, snapshot and backup tuning
//
// Configuration sources (in order of precedence):
//  1. Environment variables (HSM_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Worker identifies this process in the shared worker map and says
	// where it keeps local copies of documents
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`

	// Blob configures the versioned blob store documents are pushed to
	Blob BlobConfig `mapstructure:"blob" yaml:"blob"`

	// Registry configures the checksum registry and worker map backend
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Push tunes the debounced push scheduler
	Push PushConfig `mapstructure:"push" yaml:"push"`

	// Fetch tunes the download-and-verify loop
	Fetch FetchConfig `mapstructure:"fetch" yaml:"fetch"`

	// Snapshots tunes snapshot retention
	Snapshots SnapshotConfig `mapstructure:"snapshots" yaml:"snapshots"`

	// Backup tunes the incremental live-backup copier
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`

	// Limits caps upload sizes
	Limits LimitsConfig `mapstructure:"limits" yaml:"limits"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// WorkerConfig identifies this worker and its local document directory.
type WorkerConfig struct {
	// ID is this worker's identity in the shared worker map.
	// Default: "worker-" followed by a random suffix (regenerated per start)
	ID string `mapstructure:"id" yaml:"id,omitempty"`

	// PublicURL is the externally reachable URL advertised to peers
	PublicURL string `mapstructure:"public_url" yaml:"public_url,omitempty"`

	// InternalURL is the cluster-internal URL advertised to peers
	InternalURL string `mapstructure:"internal_url" yaml:"internal_url,omitempty"`

	// DataDir is the directory for local document copies (required)
	// Example: /var/lib/grist-hsm/docs or /tmp/grist-hsm/docs
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`
}

// BlobConfig configures the versioned blob store backend.
type BlobConfig struct {
	// Type selects the backend
	// Valid values: memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory s3" yaml:"type"`

	// Prefix is prepended to every key written to the store
	// Default: "docs/"
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`

	// CacheTTL enables a read cache in front of the store when positive.
	// Stale reads within the TTL are tolerated; the fetch path verifies
	// downloads against the checksum registry and retries past the TTL.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl,omitempty"`

	// S3 holds S3-specific settings, used when Type is "s3"
	S3 S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3Config holds settings for an S3-compatible blob store.
// The bucket must exist and must have versioning enabled.
type S3Config struct {
	// Bucket is the S3 bucket name (required when blob type is "s3")
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region
	// Default: "us-east-1"
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Endpoint overrides the S3 endpoint for MinIO and other
	// S3-compatible services. Empty uses the AWS default.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// AccessKeyID and SecretAccessKey are static credentials.
	// Empty falls back to the standard AWS credential chain.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle uses path-style addressing (required by MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// RegistryConfig configures the checksum registry and worker map backend.
type RegistryConfig struct {
	// Type selects the backend
	// Valid values: memory, redis, badger
	// "memory" is single-process only; "badger" is single-node only.
	Type string `mapstructure:"type" validate:"required,oneof=memory redis badger" yaml:"type"`

	// Redis holds Redis-specific settings, used when Type is "redis"
	Redis RedisConfig `mapstructure:"redis" yaml:"redis,omitempty"`

	// Badger holds Badger-specific settings, used when Type is "badger"
	Badger BadgerConfig `mapstructure:"badger" yaml:"badger,omitempty"`
}

// RedisConfig holds settings for a Redis-backed registry.
type RedisConfig struct {
	// Address is the host:port of the Redis server
	// Default: "localhost:6379"
	Address string `mapstructure:"address" yaml:"address"`

	// Password is optional
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// DB selects the Redis logical database
	DB int `mapstructure:"db" yaml:"db,omitempty"`
}

// BadgerConfig holds settings for a Badger-backed registry.
type BadgerConfig struct {
	// Path is the directory for the registry database
	// (required when registry type is "badger")
	Path string `mapstructure:"path" yaml:"path"`
}

// PushConfig tunes the debounced push scheduler.
type PushConfig struct {
	// Debounce is the delay between a change and the push it schedules.
	// Changes within the window coalesce into one upload.
	// Default: 500ms
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce,omitempty"`

	// FirstRetryDelay is the initial backoff after a failed push.
	// Subsequent retries double it.
	// Default: 3s
	FirstRetryDelay time.Duration `mapstructure:"first_retry_delay" yaml:"first_retry_delay,omitempty"`

	// MaxAttempts bounds attempts per push
	// Default: 4
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,min=1" yaml:"max_attempts,omitempty"`

	// MaxConcurrent bounds uploads running at once across all documents
	// Default: 10
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"omitempty,min=1" yaml:"max_concurrent,omitempty"`

	// UpdateTimes emits a timestamp side-channel to the meta store on
	// every successful push
	UpdateTimes bool `mapstructure:"update_times" yaml:"update_times,omitempty"`
}

// FetchConfig tunes the download-and-verify loop that reconciles local
// copies against the checksum registry.
type FetchConfig struct {
	// MaxAttempts bounds download attempts before giving up
	// Default: 5
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,min=1" yaml:"max_attempts,omitempty"`

	// RetryDelay is the initial backoff between attempts.
	// Subsequent retries double it.
	// Default: 100ms
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay,omitempty"`

	// BypassChecksumMismatch accepts a download whose checksum still
	// disagrees with the registry after the retry budget. Recovery
	// knob; also settable via HSM_BYPASS_CHECKSUM_MISMATCH.
	BypassChecksumMismatch bool `mapstructure:"bypass_checksum_mismatch" yaml:"bypass_checksum_mismatch,omitempty"`
}

// SnapshotConfig tunes snapshot retention. A snapshot survives pruning if
// it is among the newest keep_latest, or is the newest of an hour within
// hours of the head, a day within days, or a month within months.
type SnapshotConfig struct {
	// KeepLatest is the number of most recent snapshots always kept
	// Default: 5
	KeepLatest int `mapstructure:"keep_latest" validate:"omitempty,min=1" yaml:"keep_latest,omitempty"`

	// Hours, Days and Months are the bucketed retention windows
	// Defaults: 25, 32, 96
	Hours  int `mapstructure:"hours" yaml:"hours,omitempty"`
	Days   int `mapstructure:"days" yaml:"days,omitempty"`
	Months int `mapstructure:"months" yaml:"months,omitempty"`

	// MinBeforePrune skips pruning entirely for documents with fewer
	// snapshots than this
	// Default: keep_latest
	MinBeforePrune int `mapstructure:"min_before_prune" yaml:"min_before_prune,omitempty"`
}

// BackupConfig tunes the incremental live-backup copier.
type BackupConfig struct {
	// ChunkSize is the bytes copied per locked step. Smaller chunks keep
	// the document more responsive during a push; larger chunks finish
	// faster.
	// Default: 256KiB
	ChunkSize int `mapstructure:"chunk_size" validate:"omitempty,min=4096" yaml:"chunk_size,omitempty"`
}

// LimitsConfig caps upload sizes. Zero means unlimited.
type LimitsConfig struct {
	// MaxImportSize caps the size in bytes of a document imported through
	// a content replacement
	MaxImportSize int64 `mapstructure:"max_import_size" validate:"omitempty,min=0" yaml:"max_import_size,omitempty"`

	// MaxAttachmentSize caps the size in bytes of a stored attachment
	MaxAttachmentSize int64 `mapstructure:"max_attachment_size" validate:"omitempty,min=0" yaml:"max_attachment_size,omitempty"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (HSM_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  hsm init\n\n"+
				"Or specify a custom config file:\n"+
				"  hsm <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  hsm init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write with restricted permissions (0600 = owner read/write only).
	// The file may contain S3 or Redis credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use HSM_ prefix and underscores
	// Example: HSM_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("HSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/grist-hsm/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Also check for os.PathError when explicit config file doesn't exist
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "500ms", "30s", "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "grist-hsm")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "grist-hsm")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
