package hsm

import "errors"

// Failure taxonomy surfaced to callers. Everything not listed here is either
// a transient storage error (retried internally, wrapped when the budget is
// exhausted) or plumbing.
var (
	// ErrUnavailable means the worker map refused to assign the document to
	// this worker.
	ErrUnavailable = errors.New("document is not available on this worker")

	// ErrInconsistent means the downloaded content kept disagreeing with the
	// checksum registry past the retry budget.
	ErrInconsistent = errors.New("storage for document did not become consistent")

	// ErrDeleted means the checksum registry carries the deleted sentinel
	// and the caller did not declare creation intent.
	ErrDeleted = errors.New("document is deleted")

	// ErrForkNotFound means a fork id was fetched before prepareFork ran.
	ErrForkNotFound = errors.New("fork not found")

	// ErrSnapshotImmutable means a mutation was attempted through a snapshot
	// reference.
	ErrSnapshotImmutable = errors.New("snapshots are read-only")

	// ErrMigrationRequired means the content is on an old schema and needs a
	// migration that cannot run here. Snapshot references are read-only and
	// never migrate in place.
	ErrMigrationRequired = errors.New("document requires a schema migration")

	// ErrPreparedInParallel flags misuse: two local preparations of the same
	// document raced on one worker.
	ErrPreparedInParallel = errors.New("document prepared in parallel")

	// ErrDocOpen is returned by operations that need exclusive access to a
	// document that is currently open.
	ErrDocOpen = errors.New("document is open")

	// ErrTooLarge means an import or attachment exceeds its configured
	// size cap.
	ErrTooLarge = errors.New("upload exceeds size limit")

	// ErrShutdown is returned once the manager has shut down.
	ErrShutdown = errors.New("storage manager is shut down")
)
