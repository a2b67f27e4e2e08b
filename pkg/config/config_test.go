package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config
	configContent := `
logging:
  level: "INFO"

worker:
  data_dir: "` + filepath.ToSlash(tmpDir) + `/docs"

blob:
  type: memory

registry:
  type: memory
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify defaults were applied
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Push.Debounce != 500*time.Millisecond {
		t.Errorf("Expected default debounce 500ms, got %v", cfg.Push.Debounce)
	}
	if cfg.Push.FirstRetryDelay != 3*time.Second {
		t.Errorf("Expected default first_retry_delay 3s, got %v", cfg.Push.FirstRetryDelay)
	}
	if cfg.Snapshots.KeepLatest != 5 {
		t.Errorf("Expected default keep_latest 5, got %d", cfg.Snapshots.KeepLatest)
	}
	if cfg.Snapshots.Hours != 25 || cfg.Snapshots.Days != 32 || cfg.Snapshots.Months != 96 {
		t.Errorf("Unexpected retention windows: %d/%d/%d",
			cfg.Snapshots.Hours, cfg.Snapshots.Days, cfg.Snapshots.Months)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Worker.ID == "" {
		t.Error("Expected a generated worker id")
	}
	if cfg.Blob.Prefix != "docs/" {
		t.Errorf("Expected default blob prefix 'docs/', got %q", cfg.Blob.Prefix)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Loading with no config file returns a valid default config.
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if cfg.Blob.Type != "memory" {
		t.Errorf("Expected default blob type 'memory', got %q", cfg.Blob.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_Durations(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
worker:
  data_dir: "` + filepath.ToSlash(tmpDir) + `/docs"

push:
  debounce: "50ms"
  first_retry_delay: "1s"

fetch:
  retry_delay: "10ms"

blob:
  type: memory
  cache_ttl: "2m"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Push.Debounce != 50*time.Millisecond {
		t.Errorf("Expected debounce 50ms, got %v", cfg.Push.Debounce)
	}
	if cfg.Push.FirstRetryDelay != time.Second {
		t.Errorf("Expected first_retry_delay 1s, got %v", cfg.Push.FirstRetryDelay)
	}
	if cfg.Fetch.RetryDelay != 10*time.Millisecond {
		t.Errorf("Expected retry_delay 10ms, got %v", cfg.Fetch.RetryDelay)
	}
	if cfg.Blob.CacheTTL != 2*time.Minute {
		t.Errorf("Expected cache_ttl 2m, got %v", cfg.Blob.CacheTTL)
	}
}

func TestLoad_S3Backend(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
worker:
  data_dir: "` + filepath.ToSlash(tmpDir) + `/docs"

blob:
  type: s3
  s3:
    bucket: grist-docs
    endpoint: "http://localhost:9000"
    force_path_style: true

registry:
  type: redis
  redis:
    address: "localhost:6379"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Blob.S3.Bucket != "grist-docs" {
		t.Errorf("Expected bucket 'grist-docs', got %q", cfg.Blob.S3.Bucket)
	}
	if cfg.Blob.S3.Region != "us-east-1" {
		t.Errorf("Expected default region 'us-east-1', got %q", cfg.Blob.S3.Region)
	}
	if !cfg.Blob.S3.ForcePathStyle {
		t.Error("Expected force_path_style to be set")
	}
	if cfg.Registry.Type != "redis" {
		t.Errorf("Expected registry type 'redis', got %q", cfg.Registry.Type)
	}
}

func TestLoad_MissingS3Bucket(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
worker:
  data_dir: "` + filepath.ToSlash(tmpDir) + `/docs"

blob:
  type: s3
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for s3 backend without bucket")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "saved", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Worker.DataDir = filepath.Join(tmpDir, "docs")
	cfg.Snapshots.KeepLatest = 7
	cfg.Snapshots.MinBeforePrune = 7

	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	// Saved file must not be world readable (may hold credentials)
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Failed to stat saved config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if loaded.Worker.DataDir != cfg.Worker.DataDir {
		t.Errorf("Expected data_dir %q, got %q", cfg.Worker.DataDir, loaded.Worker.DataDir)
	}
	if loaded.Snapshots.KeepLatest != 7 {
		t.Errorf("Expected keep_latest 7, got %d", loaded.Snapshots.KeepLatest)
	}
}
