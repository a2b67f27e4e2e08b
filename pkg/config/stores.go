package config

import (
	"context"
	"fmt"

	"github.com/gristlabs/grist-hsm/pkg/blob"
	blobmemory "github.com/gristlabs/grist-hsm/pkg/blob/memory"
	blobs3 "github.com/gristlabs/grist-hsm/pkg/blob/s3"
	"github.com/gristlabs/grist-hsm/pkg/hsm"
	"github.com/gristlabs/grist-hsm/pkg/local"
	"github.com/gristlabs/grist-hsm/pkg/metrics"
	"github.com/gristlabs/grist-hsm/pkg/prune"
	"github.com/gristlabs/grist-hsm/pkg/registry"
	registrybadger "github.com/gristlabs/grist-hsm/pkg/registry/badger"
	registrymemory "github.com/gristlabs/grist-hsm/pkg/registry/memory"
	registryredis "github.com/gristlabs/grist-hsm/pkg/registry/redis"
)

// CreateBlobStore creates a blob store instance from configuration.
// When cfg.CacheTTL is positive the store is wrapped in a read cache; the
// fetch path tolerates the resulting staleness.
func CreateBlobStore(ctx context.Context, cfg BlobConfig) (blob.Store, error) {
	var store blob.Store

	switch cfg.Type {
	case "memory", "":
		store = blobmemory.New()
	case "s3":
		s3Store, err := createS3BlobStore(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		store = s3Store
	default:
		return nil, fmt.Errorf("unknown blob store type: %q", cfg.Type)
	}

	if cfg.CacheTTL > 0 {
		store = blobmemory.NewCached(store, cfg.CacheTTL)
	}

	return store, nil
}

// createS3BlobStore creates an S3-backed blob store.
func createS3BlobStore(ctx context.Context, cfg S3Config) (blob.Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 blob store requires bucket to be set")
	}

	client, err := blobs3.NewClientFromConfig(ctx,
		cfg.Endpoint,
		cfg.Region,
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		cfg.ForcePathStyle,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return blobs3.New(ctx, blobs3.Config{
		Client: client,
		Bucket: cfg.Bucket,
	})
}

// RegistryBackend bundles the two registry interfaces a backend provides
// with a closer for its underlying connection or database.
type RegistryBackend interface {
	registry.ChecksumRegistry
	registry.WorkerMap
}

// CreateRegistry creates a registry backend from configuration.
//
// The returned close function releases the backend's resources and is a
// no-op for the memory backend.
func CreateRegistry(ctx context.Context, cfg RegistryConfig) (RegistryBackend, func() error, error) {
	switch cfg.Type {
	case "memory", "":
		return registrymemory.New(), func() error { return nil }, nil

	case "redis":
		reg, err := registryredis.New(ctx, registryredis.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect registry to redis: %w", err)
		}
		return reg, reg.Close, nil

	case "badger":
		if cfg.Badger.Path == "" {
			return nil, nil, fmt.Errorf("badger registry requires path to be set")
		}
		reg, err := registrybadger.Open(cfg.Badger.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger registry: %w", err)
		}
		return reg, reg.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown registry type: %q", cfg.Type)
	}
}

// BuildManager assembles a storage manager from configuration.
//
// It creates the local document store, the blob store and the registry
// backend, and wires them together with the push, fetch, snapshot and
// backup tuning from the configuration. The returned close function tears
// down the backends; call it after Manager.Shutdown.
func BuildManager(ctx context.Context, cfg *Config, m *metrics.Metrics) (*hsm.Manager, func() error, error) {
	localStore, err := local.New(cfg.Worker.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local document store: %w", err)
	}

	blobStore, err := CreateBlobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	reg, closeReg, err := CreateRegistry(ctx, cfg.Registry)
	if err != nil {
		_ = blobStore.Close()
		return nil, nil, fmt.Errorf("failed to create registry: %w", err)
	}

	manager := hsm.New(localStore, blobStore, cfg.Blob.Prefix, reg, reg, hsm.Options{
		WorkerID:               cfg.Worker.ID,
		PublicURL:              cfg.Worker.PublicURL,
		InternalURL:            cfg.Worker.InternalURL,
		Debounce:               cfg.Push.Debounce,
		FirstRetryDelay:        cfg.Push.FirstRetryDelay,
		MaxPushAttempts:        cfg.Push.MaxAttempts,
		MaxConcurrentPushes:    cfg.Push.MaxConcurrent,
		PushDocUpdateTimes:     cfg.Push.UpdateTimes,
		MaxFetchAttempts:       cfg.Fetch.MaxAttempts,
		FetchRetryDelay:        cfg.Fetch.RetryDelay,
		BypassChecksumMismatch: cfg.Fetch.BypassChecksumMismatch,
		RetentionPolicy: prune.Policy{
			KeepLatest: cfg.Snapshots.KeepLatest,
			Hours:      cfg.Snapshots.Hours,
			Days:       cfg.Snapshots.Days,
			Months:     cfg.Snapshots.Months,
		},
		MinSnapshotsBeforePrune: cfg.Snapshots.MinBeforePrune,
		BackupChunkSize:         cfg.Backup.ChunkSize,
		MaxImportSize:           cfg.Limits.MaxImportSize,
		MaxAttachmentSize:       cfg.Limits.MaxAttachmentSize,
		Metrics:                 m,
	})

	closer := func() error {
		blobErr := blobStore.Close()
		if err := closeReg(); err != nil {
			return err
		}
		return blobErr
	}

	return manager, closer, nil
}
