package memory

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gristlabs/grist-hsm/pkg/blob"
)

// Cached wraps a blob.Store and serves Exists, Download and Versions from a
// read cache for up to TTL after first use. Uploads and removals write
// through but deliberately do not invalidate the cache, reproducing the
// stale-read window the Store contract allows. It exists so tests can prove
// the layers above stay correct under such a store.
type Cached struct {
	inner blob.Store
	ttl   time.Duration

	mu       sync.Mutex
	exists   map[string]cachedEntry[bool]
	versions map[string]cachedEntry[[]blob.Snapshot]
	contents map[string]cachedEntry[downloadResult]
}

type cachedEntry[T any] struct {
	value T
	at    time.Time
}

type downloadResult struct {
	snapshotID string
	data       []byte
}

// NewCached wraps inner with a read cache of the given TTL.
func NewCached(inner blob.Store, ttl time.Duration) *Cached {
	return &Cached{
		inner:    inner,
		ttl:      ttl,
		exists:   make(map[string]cachedEntry[bool]),
		versions: make(map[string]cachedEntry[[]blob.Snapshot]),
		contents: make(map[string]cachedEntry[downloadResult]),
	}
}

func (c *Cached) fresh(at time.Time) bool {
	return time.Since(at) < c.ttl
}

// Exists may answer from cache for up to TTL.
func (c *Cached) Exists(ctx context.Context, key, snapshotID string) (bool, error) {
	cacheKey := key + "\x00" + snapshotID

	c.mu.Lock()
	if e, ok := c.exists[cacheKey]; ok && c.fresh(e.at) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	ok, err := c.inner.Exists(ctx, key, snapshotID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.exists[cacheKey] = cachedEntry[bool]{value: ok, at: time.Now()}
	c.mu.Unlock()
	return ok, nil
}

// Head is never cached; it is the consistency anchor for pushes.
func (c *Cached) Head(ctx context.Context, key, snapshotID string) (*blob.Snapshot, error) {
	return c.inner.Head(ctx, key, snapshotID)
}

// Upload writes through without touching the read cache.
func (c *Cached) Upload(ctx context.Context, key, localPath string, metadata map[string]string) (string, error) {
	return c.inner.Upload(ctx, key, localPath, metadata)
}

// Download may serve bytes cached up to TTL ago, including bytes of a
// version that has since been superseded.
func (c *Cached) Download(ctx context.Context, key, localPath, snapshotID string) (string, error) {
	cacheKey := key + "\x00" + snapshotID

	c.mu.Lock()
	if e, ok := c.contents[cacheKey]; ok && c.fresh(e.at) {
		c.mu.Unlock()
		if err := os.WriteFile(localPath, e.value.data, 0644); err != nil {
			return "", err
		}
		return e.value.snapshotID, nil
	}
	c.mu.Unlock()

	id, err := c.inner.Download(ctx, key, localPath, snapshotID)
	if err != nil {
		return "", err
	}

	data, readErr := os.ReadFile(localPath)
	if readErr == nil {
		c.mu.Lock()
		c.contents[cacheKey] = cachedEntry[downloadResult]{
			value: downloadResult{snapshotID: id, data: data},
			at:    time.Now(),
		}
		c.mu.Unlock()
	}
	return id, nil
}

// Versions may answer from cache for up to TTL.
func (c *Cached) Versions(ctx context.Context, key string) ([]blob.Snapshot, error) {
	c.mu.Lock()
	if e, ok := c.versions[key]; ok && c.fresh(e.at) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	versions, err := c.inner.Versions(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.versions[key] = cachedEntry[[]blob.Snapshot]{value: versions, at: time.Now()}
	c.mu.Unlock()
	return versions, nil
}

// Remove writes through without touching the read cache.
func (c *Cached) Remove(ctx context.Context, key string, snapshotIDs ...string) error {
	return c.inner.Remove(ctx, key, snapshotIDs...)
}

// URL returns the inner store's locator.
func (c *Cached) URL(key string) string { return c.inner.URL(key) }

// IsFatalError defers to the inner store.
func (c *Cached) IsFatalError(err error) bool { return c.inner.IsFatalError(err) }

// Close closes the inner store.
func (c *Cached) Close() error { return c.inner.Close() }

// HealthCheck defers to the inner store.
func (c *Cached) HealthCheck(ctx context.Context) error { return c.inner.HealthCheck(ctx) }

var _ blob.Store = (*Cached)(nil)
