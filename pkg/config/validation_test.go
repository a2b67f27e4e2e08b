package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidBlobType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Blob.Type = "floppy"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid blob type")
	}
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 70000 // Out of range

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' validation error, got: %v", err)
	}
}

func TestValidate_MissingDataDir(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Worker.DataDir = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for missing data_dir")
	}
}

func TestValidate_BadgerWithoutPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Registry.Type = "badger"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for badger registry without path")
	}
	if !strings.Contains(err.Error(), "registry.badger.path") {
		t.Errorf("Expected badger path error, got: %v", err)
	}
}

func TestValidate_MinBeforePruneBelowKeepLatest(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Snapshots.KeepLatest = 5
	cfg.Snapshots.MinBeforePrune = 2

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for min_before_prune below keep_latest")
	}
}
