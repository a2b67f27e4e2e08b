// Package redis implements the shared registry on Redis for fleet
// deployments. Every worker in the fleet points at the same Redis database;
// checksum entries and document assignments live there.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gristlabs/grist-hsm/pkg/registry"
)

const (
	workersHashKey  = "workers"
	availableSetKey = "workers-available"
	assignKeyPrefix = "doc-"
	assignKeySuffix = "-worker"
)

// Options configures the Redis connection.
type Options struct {
	// Address is the host:port of the Redis server.
	Address string

	// Password is optional.
	Password string

	// DB selects the Redis logical database.
	DB int
}

// Registry implements registry.ChecksumRegistry and registry.WorkerMap on a
// shared Redis database.
type Registry struct {
	client *redis.Client
}

// New opens a Redis connection and verifies it with a ping.
func New(ctx context.Context, opts Options) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Registry{client: client}, nil
}

// NewFromClient wraps an existing client, leaving connection management to
// the caller.
func NewFromClient(client *redis.Client) *Registry {
	return &Registry{client: client}
}

// Close closes the underlying connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// GetChecksum returns the stored value and whether the key exists.
func (r *Registry) GetChecksum(ctx context.Context, docID string) (string, bool, error) {
	v, err := r.client.Get(ctx, registry.ChecksumKey(docID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed for %s: %w", registry.ChecksumKey(docID), err)
	}
	return v, true, nil
}

// SetChecksum stores the value for the document.
func (r *Registry) SetChecksum(ctx context.Context, docID, value string) error {
	if err := r.client.Set(ctx, registry.ChecksumKey(docID), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed for %s: %w", registry.ChecksumKey(docID), err)
	}
	return nil
}

// MarkDeleted writes the Deleted sentinel for the document.
func (r *Registry) MarkDeleted(ctx context.Context, docID string) error {
	return r.SetChecksum(ctx, docID, registry.Deleted)
}

// RemoveChecksum removes the key entirely.
func (r *Registry) RemoveChecksum(ctx context.Context, docID string) error {
	if err := r.client.Del(ctx, registry.ChecksumKey(docID)).Err(); err != nil {
		return fmt.Errorf("redis del failed for %s: %w", registry.ChecksumKey(docID), err)
	}
	return nil
}

func assignKey(docID string) string {
	return assignKeyPrefix + docID + assignKeySuffix
}

// AddWorker registers a worker. A re-added worker starts unavailable.
func (r *Registry) AddWorker(ctx context.Context, info registry.WorkerInfo) error {
	info.Available = false
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, workersHashKey, info.ID, data)
	pipe.SRem(ctx, availableSetKey, info.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add worker %s failed: %w", info.ID, err)
	}
	return nil
}

// RemoveWorker unregisters a worker and releases all its assignments.
func (r *Registry) RemoveWorker(ctx context.Context, workerID string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, workersHashKey, workerID)
	pipe.SRem(ctx, availableSetKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove worker %s failed: %w", workerID, err)
	}

	// Release assignments held by the departed worker. SCAN keeps this
	// incremental; assignment keys are few relative to checksum keys.
	iter := r.client.Scan(ctx, 0, assignKeyPrefix+"*"+assignKeySuffix, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		holder, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis get %s failed: %w", key, err)
		}
		if holder == workerID {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("redis del %s failed: %w", key, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	return nil
}

// SetWorkerAvailability flips whether the worker accepts assignments.
func (r *Registry) SetWorkerAvailability(ctx context.Context, workerID string, available bool) error {
	exists, err := r.client.HExists(ctx, workersHashKey, workerID).Result()
	if err != nil {
		return fmt.Errorf("redis hexists failed: %w", err)
	}
	if !exists {
		return registry.ErrWorkerNotFound
	}

	data, err := r.client.HGet(ctx, workersHashKey, workerID).Bytes()
	if err != nil {
		return fmt.Errorf("redis hget failed: %w", err)
	}
	var info registry.WorkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("unmarshal worker info: %w", err)
	}
	info.Available = available
	updated, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, workersHashKey, workerID, updated)
	if available {
		pipe.SAdd(ctx, availableSetKey, workerID)
	} else {
		pipe.SRem(ctx, availableSetKey, workerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set availability failed: %w", err)
	}
	return nil
}

// AssignDocWorker assigns the document to some available worker. SETNX makes
// the election atomic: racing callers on different workers all converge on
// whichever candidate landed first.
func (r *Registry) AssignDocWorker(ctx context.Context, docID string) (string, error) {
	key := assignKey(docID)

	if holder, err := r.client.Get(ctx, key).Result(); err == nil {
		return holder, nil
	} else if err != redis.Nil {
		return "", fmt.Errorf("redis get %s failed: %w", key, err)
	}

	candidate, err := r.client.SRandMember(ctx, availableSetKey).Result()
	if err == redis.Nil || candidate == "" {
		return "", registry.ErrNoWorkersAvailable
	}
	if err != nil {
		return "", fmt.Errorf("redis srandmember failed: %w", err)
	}

	if err := r.client.SetNX(ctx, key, candidate, 0).Err(); err != nil {
		return "", fmt.Errorf("redis setnx %s failed: %w", key, err)
	}

	// Whoever won the SETNX is the assignment, which may not be our candidate.
	holder, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("redis get %s failed: %w", key, err)
	}
	return holder, nil
}

// GetDocWorker returns the assigned worker id, or "" when unassigned.
func (r *Registry) GetDocWorker(ctx context.Context, docID string) (string, error) {
	holder, err := r.client.Get(ctx, assignKey(docID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s failed: %w", assignKey(docID), err)
	}
	return holder, nil
}

// ReleaseDoc drops the document's assignment.
func (r *Registry) ReleaseDoc(ctx context.Context, docID string) error {
	if err := r.client.Del(ctx, assignKey(docID)).Err(); err != nil {
		return fmt.Errorf("redis del %s failed: %w", assignKey(docID), err)
	}
	return nil
}

// ListWorkers returns all registered workers.
func (r *Registry) ListWorkers(ctx context.Context) ([]registry.WorkerInfo, error) {
	entries, err := r.client.HGetAll(ctx, workersHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	out := make([]registry.WorkerInfo, 0, len(entries))
	for _, raw := range entries {
		var info registry.WorkerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("unmarshal worker info: %w", err)
		}
		out = append(out, info)
	}
	return out, nil
}

var (
	_ registry.ChecksumRegistry = (*Registry)(nil)
	_ registry.WorkerMap        = (*Registry)(nil)
)
