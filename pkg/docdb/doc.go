// Package docdb provides access to a document's SQLite database: opening,
// schema management, migration and the action-hash bookkeeping the push
// pipeline depends on.
package docdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver

	"github.com/gristlabs/grist-hsm/internal/logger"
)

// Common errors returned by the document layer.
var (
	// ErrReadOnly is returned when a mutation is attempted on a read-only
	// document (a snapshot reference).
	ErrReadOnly = errors.New("document is read-only")

	// ErrClosed is returned when operations are attempted on a closed document.
	ErrClosed = errors.New("document is closed")
)

// DefaultTimezone is assigned to freshly created documents.
const DefaultTimezone = "UTC"

// Doc is an open document database. All SQL goes through a per-document
// mutex, which doubles as the step lock the live backup briefly takes
// between page copies.
type Doc struct {
	mu       sync.Mutex
	db       *sql.DB
	path     string
	readOnly bool
	closed   bool

	// Cached from _grist_DocInfo / _gristsys_Action at open.
	timezone   string
	actionHash string
}

// Open opens the document database at path. The file must exist and carry
// the HSM schema; use Create for new documents.
func Open(path string) (*Doc, error) {
	return open(path, false)
}

// OpenReadOnly opens the document database without write access. Snapshot
// references are opened this way; they refuse mutation and never migrate in
// place.
func OpenReadOnly(path string) (*Doc, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Doc, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(TRUNCATE)"
	if readOnly {
		dsn = path + "?mode=ro&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open document %q: %w", path, err)
	}
	// A document is single-writer; one connection keeps the step lock honest.
	db.SetMaxOpenConns(1)

	doc := &Doc{db: db, path: path, readOnly: readOnly}
	if err := doc.loadInfo(); err != nil {
		db.Close()
		return nil, err
	}
	return doc, nil
}

// Create creates a new empty document with the current schema at path.
func Create(path string) (*Doc, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(TRUNCATE)")
	if err != nil {
		return nil, fmt.Errorf("failed to create document %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize document %q: %w", path, err)
	}

	doc := &Doc{db: db, path: path}
	if err := doc.loadInfo(); err != nil {
		db.Close()
		return nil, err
	}
	return doc, nil
}

func (d *Doc) loadInfo() error {
	row := d.db.QueryRow(`SELECT schemaVersion, timezone FROM _grist_DocInfo WHERE id = 1`)
	var version int
	if err := row.Scan(&version, &d.timezone); err != nil {
		return fmt.Errorf("failed to read document info from %q: %w", d.path, err)
	}

	// Head of the action log; absent on a fresh document, and the whole
	// table is absent on documents older than schema v2.
	row = d.db.QueryRow(`SELECT actionHash FROM _gristsys_Action ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&d.actionHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		if strings.Contains(err.Error(), "no such table") {
			return nil
		}
		return fmt.Errorf("failed to read action log head from %q: %w", d.path, err)
	}
	return nil
}

// Path returns the file path of the document.
func (d *Doc) Path() string { return d.path }

// ReadOnly reports whether the document refuses mutation.
func (d *Doc) ReadOnly() bool { return d.readOnly }

// Timezone returns the document's timezone text.
func (d *Doc) Timezone() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timezone
}

// SetTimezone updates the document's timezone.
func (d *Doc) SetTimezone(ctx context.Context, tz string) error {
	return d.ExecAction(ctx, `UPDATE _grist_DocInfo SET timezone = ? WHERE id = 1`, tz)
}

// ActionHash returns the head action hash: the hash-chain head over every
// mutation applied to this document.
func (d *Doc) ActionHash() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.actionHash
}

// SchemaVersion returns the document's stored schema version.
func (d *Doc) SchemaVersion(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	var version int
	err := d.db.QueryRowContext(ctx, `SELECT schemaVersion FROM _grist_DocInfo WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// ExecAction applies one mutation inside a transaction and extends the
// action-hash chain. This is the only mutation entry point; reads go
// through Query.
func (d *Doc) ExecAction(ctx context.Context, query string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.readOnly {
		return ErrReadOnly
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin action: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("action failed: %w", err)
	}

	next := chainHash(d.actionHash, query+fmt.Sprint(args...))
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _gristsys_Action (actionHash, createdAt) VALUES (?, ?)`,
		next, time.Now().UnixMilli(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record action: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit action: %w", err)
	}

	d.actionHash = next
	if query == `UPDATE _grist_DocInfo SET timezone = ? WHERE id = 1` && len(args) == 1 {
		if tz, ok := args[0].(string); ok {
			d.timezone = tz
		}
	}
	return nil
}

// Query runs a read-only query.
func (d *Doc) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read-only query expected to return at most one row.
func (d *Doc) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.db.QueryRowContext(ctx, query, args...)
}

// WithStepLock runs fn while holding the document's mutex. The live backup
// takes this lock once per bounded page-copy step, so writers only ever
// wait a short interval.
func (d *Doc) WithStepLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}

// SweepOrphanFiles removes rows of the internal attachment table that no
// attachment record references. Runs on close to keep documents from
// bloating with dead uploads.
func (d *Doc) SweepOrphanFiles(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if d.readOnly {
		return 0, nil
	}

	res, err := d.db.ExecContext(ctx, `
		DELETE FROM _gristsys_Files
		WHERE ident NOT IN (SELECT fileIdent FROM _gristsys_Attachments)`)
	if err != nil {
		return 0, fmt.Errorf("orphan sweep failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Debug("swept orphan attachment files", "path", d.path, "count", n)
	}
	return n, nil
}

// Close closes the underlying database.
func (d *Doc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// chainHash extends the action-hash chain: the head hash is a digest of the
// previous head and the applied statement.
func chainHash(prev, stmt string) string {
	h := sha256.Sum256([]byte(prev + "\x00" + stmt))
	return hex.EncodeToString(h[:])
}
