// Package memory provides an in-memory versioned blob store for testing and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gristlabs/grist-hsm/pkg/blob"
)

// invalidPayload is written to the destination when a download fails after
// the file was opened. It is not a valid SQLite file, so checksum
// verification above this layer fails closed.
var invalidPayload = []byte("invalid-download")

type version struct {
	snapshotID   string
	lastModified time.Time
	metadata     map[string]string
	data         []byte
}

// Store is an in-memory implementation of blob.Store. Every upload appends
// a version; versions are listed newest first.
type Store struct {
	mu     sync.RWMutex
	keys   map[string][]version // oldest first internally
	closed bool

	// Fault injection for tests. When set, the matching operation fails
	// once and the hook is cleared.
	uploadErr   error
	downloadErr error

	uploads int
}

// New creates a new in-memory blob store.
func New() *Store {
	return &Store{keys: make(map[string][]version)}
}

// FailNextUpload makes the next Upload return err.
func (s *Store) FailNextUpload(err error) {
	s.mu.Lock()
	s.uploadErr = err
	s.mu.Unlock()
}

// FailNextDownload makes the next Download leave an invalid destination and
// return err.
func (s *Store) FailNextDownload(err error) {
	s.mu.Lock()
	s.downloadErr = err
	s.mu.Unlock()
}

// SetVersionTime rewrites the stored timestamp of one version (for testing
// retention policies).
func (s *Store) SetVersionTime(key, snapshotID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.keys[key]
	for i := range versions {
		if versions[i].snapshotID == snapshotID {
			versions[i].lastModified = t
		}
	}
}

// UploadCount returns the number of successful uploads (for testing).
func (s *Store) UploadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploads
}

// Exists reports whether the key (or the specific version) is addressable.
func (s *Store) Exists(ctx context.Context, key, snapshotID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, blob.ErrStoreClosed
	}

	versions, ok := s.keys[key]
	if !ok || len(versions) == 0 {
		return false, nil
	}
	if snapshotID == "" {
		return true, nil
	}
	for _, v := range versions {
		if v.snapshotID == snapshotID {
			return true, nil
		}
	}
	return false, nil
}

// Head returns the requested version, or the latest with an empty id.
func (s *Store) Head(ctx context.Context, key, snapshotID string) (*blob.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, blob.ErrStoreClosed
	}

	v, ok := s.lookup(key, snapshotID)
	if !ok {
		return nil, nil
	}
	return snapshotOf(v), nil
}

// Upload stores the contents of localPath as a new version of key.
func (s *Store) Upload(ctx context.Context, key, localPath string, metadata map[string]string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", localPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", blob.ErrStoreClosed
	}
	if s.uploadErr != nil {
		err := s.uploadErr
		s.uploadErr = nil
		return "", err
	}

	v := version{
		snapshotID:   uuid.NewString(),
		lastModified: time.Now(),
		metadata:     copyMeta(metadata),
		data:         data,
	}
	s.keys[key] = append(s.keys[key], v)
	s.uploads++
	return v.snapshotID, nil
}

// Download writes the requested version's bytes to localPath.
func (s *Store) Download(ctx context.Context, key, localPath, snapshotID string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", blob.ErrStoreClosed
	}
	if s.downloadErr != nil {
		err := s.downloadErr
		s.downloadErr = nil
		s.mu.Unlock()
		// Leave an obviously invalid destination, per the Store contract.
		_ = os.WriteFile(localPath, invalidPayload, 0644)
		return "", err
	}
	v, ok := s.lookup(key, snapshotID)
	s.mu.Unlock()

	if !ok {
		if snapshotID != "" {
			return "", blob.ErrSnapshotNotFound
		}
		return "", blob.ErrKeyNotFound
	}

	if err := os.WriteFile(localPath, v.data, 0644); err != nil {
		_ = os.WriteFile(localPath, invalidPayload, 0644)
		return "", fmt.Errorf("failed to write %q: %w", localPath, err)
	}
	return v.snapshotID, nil
}

// Versions lists all snapshots of key, newest first.
func (s *Store) Versions(ctx context.Context, key string) ([]blob.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, blob.ErrStoreClosed
	}

	versions := s.keys[key]
	out := make([]blob.Snapshot, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, *snapshotOf(versions[i]))
	}
	return out, nil
}

// Remove deletes the given versions, or the whole key with no ids.
func (s *Store) Remove(ctx context.Context, key string, snapshotIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return blob.ErrStoreClosed
	}

	if len(snapshotIDs) == 0 {
		delete(s.keys, key)
		return nil
	}

	drop := make(map[string]bool, len(snapshotIDs))
	for _, id := range snapshotIDs {
		drop[id] = true
	}

	versions := s.keys[key]
	kept := versions[:0]
	for _, v := range versions {
		if !drop[v.snapshotID] {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(s.keys, key)
	} else {
		s.keys[key] = kept
	}
	return nil
}

// URL returns a human-displayable locator for the key.
func (s *Store) URL(key string) string {
	return "memory://" + key
}

// IsFatalError reports whether err is not worth retrying. The in-memory
// store only fails fatally on misuse.
func (s *Store) IsFatalError(err error) bool {
	return errors.Is(err, blob.ErrStoreClosed) ||
		errors.Is(err, blob.ErrKeyNotFound) ||
		errors.Is(err, blob.ErrSnapshotNotFound)
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.keys = nil
	return nil
}

// HealthCheck verifies the store is accessible and operational.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return blob.ErrStoreClosed
	}
	return nil
}

// lookup must be called with the mutex held.
func (s *Store) lookup(key, snapshotID string) (version, bool) {
	versions, ok := s.keys[key]
	if !ok || len(versions) == 0 {
		return version{}, false
	}
	if snapshotID == "" {
		return versions[len(versions)-1], true
	}
	for _, v := range versions {
		if v.snapshotID == snapshotID {
			return v, true
		}
	}
	return version{}, false
}

func snapshotOf(v version) *blob.Snapshot {
	return &blob.Snapshot{
		SnapshotID:   v.snapshotID,
		LastModified: v.lastModified,
		Metadata:     copyMeta(v.metadata),
	}
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)
