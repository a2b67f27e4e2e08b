// Package blob defines the versioned blob store interface backing document
// snapshots.
package blob

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrKeyNotFound is returned when a requested key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrSnapshotNotFound is returned when a requested version of a key
	// doesn't exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Metadata keys recognized by the HSM. Anything else written at upload time
// is carried through the store untouched.
const (
	MetaLabel    = "label" // user-visible snapshot label
	MetaTimezone = "tz"    // document timezone at push time
	MetaHash     = "h"     // head action hash at push time
)

// Snapshot describes one stored version of a key.
type Snapshot struct {
	// SnapshotID is the opaque version token minted by the store on upload.
	// It round-trips through Head, Download, Versions and Remove.
	SnapshotID string

	// LastModified is the store-side timestamp of the upload.
	LastModified time.Time

	// Metadata is the string map written at upload time, nil if none.
	Metadata map[string]string
}

// Store is a versioned key -> bytes store. Keys are opaque strings; every
// upload mints a new version rather than overwriting.
//
// Implementations may cache reads: Exists, Download and Versions are allowed
// to lag recent Upload/Remove calls by an implementation-defined TTL. Layers
// above must tolerate that staleness.
type Store interface {
	// Exists reports whether the key has any version, or whether the
	// specific version is addressable when snapshotID is non-empty.
	Exists(ctx context.Context, key, snapshotID string) (bool, error)

	// Head returns the snapshot for the given version, or the latest
	// version when snapshotID is empty. Returns nil with no error when the
	// key has no versions.
	Head(ctx context.Context, key, snapshotID string) (*Snapshot, error)

	// Upload stores the contents of localPath as a new version of key and
	// returns the minted snapshot id. Metadata may be nil.
	Upload(ctx context.Context, key, localPath string, metadata map[string]string) (string, error)

	// Download writes the bytes of the requested version (latest when
	// snapshotID is empty) to localPath and returns the version's snapshot
	// id. On failure localPath is either absent or populated with content
	// that cannot pass checksum verification; no partially valid file is
	// ever left behind.
	Download(ctx context.Context, key, localPath, snapshotID string) (string, error)

	// Versions lists all snapshots of key, newest first.
	Versions(ctx context.Context, key string) ([]Snapshot, error)

	// Remove deletes the given versions of key. With no ids, the key and
	// all its versions are removed. Removing a missing version is not an
	// error.
	Remove(ctx context.Context, key string, snapshotIDs ...string) error

	// URL returns a human-displayable locator for the key.
	URL(key string) string

	// IsFatalError reports whether err is not worth retrying.
	IsFatalError(err error) bool

	// Close releases any resources held by the store.
	Close() error

	// HealthCheck verifies the store is accessible and operational.
	HealthCheck(ctx context.Context) error
}
