package hsm

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gristlabs/grist-hsm/pkg/blob"
	"github.com/gristlabs/grist-hsm/pkg/docdb"
)

// Doc is an open document handle. All handles for one document id on one
// worker share state; the manager hands out the same handle to concurrent
// fetchers and closes the document when the last handle is closed.
type Doc struct {
	m        *Manager
	id       string // full fetched id, possibly with a snapshot pin
	storeID  string // id without the pin, used for storage and assignment
	db       *docdb.Doc
	readOnly bool
}

// DocID returns the id the document was fetched under.
func (d *Doc) DocID() string { return d.id }

// ReadOnly reports whether the handle refuses mutation. Snapshot references
// are always read-only.
func (d *Doc) ReadOnly() bool { return d.readOnly }

// Timezone returns the document's timezone text.
func (d *Doc) Timezone() string { return d.db.Timezone() }

// ActionHash returns the document's head action hash.
func (d *Doc) ActionHash() string { return d.db.ActionHash() }

// ExecAction applies one mutation and schedules a push.
func (d *Doc) ExecAction(ctx context.Context, query string, args ...any) error {
	if d.readOnly {
		return ErrSnapshotImmutable
	}
	if err := d.db.ExecAction(ctx, query, args...); err != nil {
		return err
	}
	d.m.sched.MarkDirty(d.storeID)
	return nil
}

// SetTimezone updates the document's timezone and schedules a push.
func (d *Doc) SetTimezone(ctx context.Context, tz string) error {
	if d.readOnly {
		return ErrSnapshotImmutable
	}
	if err := d.db.SetTimezone(ctx, tz); err != nil {
		return err
	}
	d.m.sched.MarkDirty(d.storeID)
	return nil
}

// AddAttachment stores attachment content under its identifier and schedules
// a push. Attachments are deduplicated by ident; storing the same ident again
// is a no-op.
func (d *Doc) AddAttachment(ctx context.Context, ident string, data []byte) error {
	if d.readOnly {
		return ErrSnapshotImmutable
	}
	if max := d.m.opts.MaxAttachmentSize; max > 0 && int64(len(data)) > max {
		return fmt.Errorf("%w: attachment %s is %d bytes (limit %d)",
			ErrTooLarge, ident, len(data), max)
	}
	return d.ExecAction(ctx,
		`INSERT INTO _gristsys_Files (ident, data) VALUES (?, ?) ON CONFLICT(ident) DO NOTHING`,
		ident, data)
}

// Query runs a read-only query against the document.
func (d *Doc) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.Query(ctx, query, args...)
}

// QueryRow runs a read-only query expected to return at most one row.
func (d *Doc) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRow(ctx, query, args...)
}

// GetSnapshots lists the document's snapshots, newest first.
func (d *Doc) GetSnapshots(ctx context.Context) ([]blob.Snapshot, error) {
	return d.m.GetSnapshots(ctx, d.storeID)
}

// MakeBackup forces a labeled push and returns a locator for the document in
// the blob store. The label appears in the resulting snapshot's metadata.
func (d *Doc) MakeBackup(ctx context.Context, label string) (string, error) {
	if d.readOnly {
		return "", ErrSnapshotImmutable
	}
	return d.m.makeBackup(ctx, d.storeID, label)
}

// Close releases the handle. When the last handle closes, the manager runs
// the orphan-attachment sweep, flushes a final push and closes the database.
func (d *Doc) Close(ctx context.Context) error {
	return d.m.closeDoc(ctx, d)
}
