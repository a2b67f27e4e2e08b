package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for structural errors.
//
// Validation is tag-driven (see the validate struct tags on Config) with a
// few cross-field checks the tags cannot express, such as backend-specific
// required fields.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %w", errs)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return validateBackends(cfg)
}

// validateBackends enforces backend-specific required fields that depend on
// the selected type and so cannot be expressed as plain struct tags.
func validateBackends(cfg *Config) error {
	if cfg.Blob.Type == "s3" && cfg.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob.s3.bucket is required when blob.type is \"s3\"")
	}

	if cfg.Registry.Type == "badger" && cfg.Registry.Badger.Path == "" {
		return fmt.Errorf("registry.badger.path is required when registry.type is \"badger\"")
	}

	if cfg.Snapshots.MinBeforePrune < cfg.Snapshots.KeepLatest {
		return fmt.Errorf("snapshots.min_before_prune (%d) must be at least snapshots.keep_latest (%d)",
			cfg.Snapshots.MinBeforePrune, cfg.Snapshots.KeepLatest)
	}

	return nil
}
