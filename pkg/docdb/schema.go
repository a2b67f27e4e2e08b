package docdb

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the schema version new documents are created with
// and older documents are migrated to on open.
const CurrentSchemaVersion = 3

// initSchema creates the full current schema in a fresh database.
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _grist_DocInfo (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schemaVersion INTEGER NOT NULL,
			timezone TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _gristsys_Files (
			ident TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			storageId TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS _gristsys_Attachments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fileIdent TEXT NOT NULL,
			name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS _gristsys_Action (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actionHash TEXT NOT NULL,
			createdAt INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	_, err := db.Exec(
		`INSERT OR IGNORE INTO _grist_DocInfo (id, schemaVersion, timezone) VALUES (1, ?, ?)`,
		CurrentSchemaVersion, DefaultTimezone,
	)
	if err != nil {
		return fmt.Errorf("failed to seed document info: %w", err)
	}
	return nil
}

// migrations maps a schema version to the step that upgrades a document to
// the next version. Each step runs inside the migration transaction.
var migrations = map[int]func(tx *sql.Tx) error{
	// v1 -> v2: introduce the action log. Documents written before the
	// hash chain existed start with an empty log.
	1: func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS _gristsys_Action (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actionHash TEXT NOT NULL,
			createdAt INTEGER NOT NULL
		)`)
		return err
	},

	// v2 -> v3: split attachment records out of the file blobs so the
	// orphan sweep can tell dead uploads from referenced ones, and leave
	// room for offloading blobs to external storage.
	2: func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS _gristsys_Attachments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fileIdent TEXT NOT NULL,
			name TEXT
		)`); err != nil {
			return err
		}
		_, err := tx.Exec(`ALTER TABLE _gristsys_Files ADD COLUMN storageId TEXT`)
		return err
	},
}
