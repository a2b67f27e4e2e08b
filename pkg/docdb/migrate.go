package docdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/gristlabs/grist-hsm/internal/logger"
)

// ErrSchemaTooNew is returned when a document was written by a newer
// release than this worker. Opening it for writing would corrupt state the
// newer schema depends on.
var ErrSchemaTooNew = errors.New("document schema is newer than this worker supports")

// MigrationResult describes what Migrate did.
type MigrationResult struct {
	// Migrated is true when at least one migration step ran.
	Migrated bool

	// From and To are the schema versions before and after. Equal when
	// nothing ran.
	From int
	To   int
}

// Label returns the snapshot label recorded for the push that follows a
// migration, e.g. "migrate-schema-v1-to-v3".
func (r MigrationResult) Label() string {
	return fmt.Sprintf("migrate-schema-v%d-to-v%d", r.From, r.To)
}

// Migrate upgrades the document to the current schema version. Idempotent:
// an already-current document is untouched and reports Migrated == false.
// Read-only documents are never migrated in place.
func Migrate(ctx context.Context, d *Doc) (MigrationResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return MigrationResult{}, ErrClosed
	}

	var version int
	err := d.db.QueryRowContext(ctx, `SELECT schemaVersion FROM _grist_DocInfo WHERE id = 1`).Scan(&version)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("failed to read schema version: %w", err)
	}

	result := MigrationResult{From: version, To: version}
	if version == CurrentSchemaVersion {
		return result, nil
	}
	if version > CurrentSchemaVersion {
		return result, fmt.Errorf("%w: document v%d, worker v%d", ErrSchemaTooNew, version, CurrentSchemaVersion)
	}
	if d.readOnly {
		return result, ErrReadOnly
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin migration: %w", err)
	}

	for v := version; v < CurrentSchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			tx.Rollback()
			return result, fmt.Errorf("no migration step from schema v%d", v)
		}
		if err := step(tx); err != nil {
			tx.Rollback()
			return result, fmt.Errorf("migration v%d -> v%d failed: %w", v, v+1, err)
		}
	}

	if _, err := tx.Exec(`UPDATE _grist_DocInfo SET schemaVersion = ? WHERE id = 1`, CurrentSchemaVersion); err != nil {
		tx.Rollback()
		return result, fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit migration: %w", err)
	}

	result.Migrated = true
	result.To = CurrentSchemaVersion
	logger.Info("migrated document schema",
		"path", d.path, "from", result.From, "to", result.To)
	return result, nil
}
