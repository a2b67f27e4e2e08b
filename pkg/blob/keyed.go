package blob

import "context"

// Purpose selects which aspect of a document a key addresses.
type Purpose string

const (
	// PurposeDoc addresses the bytes of the document's SQLite file.
	PurposeDoc Purpose = "doc"

	// PurposeMeta addresses ancillary document state.
	PurposeMeta Purpose = "meta"
)

// Keyed maps (purpose, docId) pairs to storage keys over an underlying
// Store. The lifecycle layer only ever talks to the blob store through this
// wrapper, so the physical key layout stays in one place.
//
// Key layout: "<basePrefix><purpose>/<docId>".
type Keyed struct {
	store      Store
	basePrefix string
	purpose    Purpose
}

// NewKeyed wraps store for the given purpose. basePrefix is configured per
// deployment and may be empty; a non-empty prefix should end with "/".
func NewKeyed(store Store, basePrefix string, purpose Purpose) *Keyed {
	if basePrefix != "" && basePrefix[len(basePrefix)-1] != '/' {
		basePrefix += "/"
	}
	return &Keyed{store: store, basePrefix: basePrefix, purpose: purpose}
}

// KeyFor returns the storage key for a document id. The mapping is
// deterministic and injective per purpose.
func (k *Keyed) KeyFor(docID string) string {
	return k.basePrefix + string(k.purpose) + "/" + docID
}

// Store returns the underlying versioned store.
func (k *Keyed) Store() Store { return k.store }

// Exists reports whether the document (or a specific version of it) is
// addressable.
func (k *Keyed) Exists(ctx context.Context, docID, snapshotID string) (bool, error) {
	return k.store.Exists(ctx, k.KeyFor(docID), snapshotID)
}

// Head returns the latest (or requested) snapshot of the document.
func (k *Keyed) Head(ctx context.Context, docID, snapshotID string) (*Snapshot, error) {
	return k.store.Head(ctx, k.KeyFor(docID), snapshotID)
}

// Upload stores localPath as a new version of the document.
func (k *Keyed) Upload(ctx context.Context, docID, localPath string, metadata map[string]string) (string, error) {
	return k.store.Upload(ctx, k.KeyFor(docID), localPath, metadata)
}

// Download fetches the requested version of the document into localPath.
func (k *Keyed) Download(ctx context.Context, docID, localPath, snapshotID string) (string, error) {
	return k.store.Download(ctx, k.KeyFor(docID), localPath, snapshotID)
}

// Versions lists the document's snapshots, newest first.
func (k *Keyed) Versions(ctx context.Context, docID string) ([]Snapshot, error) {
	return k.store.Versions(ctx, k.KeyFor(docID))
}

// Remove deletes the given versions, or the whole document with no ids.
func (k *Keyed) Remove(ctx context.Context, docID string, snapshotIDs ...string) error {
	return k.store.Remove(ctx, k.KeyFor(docID), snapshotIDs...)
}

// URL returns a human-displayable locator for the document.
func (k *Keyed) URL(docID string) string {
	return k.store.URL(k.KeyFor(docID))
}

// IsFatalError reports whether err is not worth retrying.
func (k *Keyed) IsFatalError(err error) bool {
	return k.store.IsFatalError(err)
}
