// Package registry defines the shared coordination state of the worker
// fleet: the per-document checksum registry and the document-to-worker
// assignment map. Both live in a durable, low-latency store shared by every
// worker (Redis in fleet deployments, Badger on a single node, memory in
// tests).
package registry

import (
	"context"
	"errors"
)

// Deleted is the sentinel checksum written when a document is deleted. It
// prevents a stale local copy from resurrecting the document: readers that
// find it must refuse unless the caller intends creation.
const Deleted = "DELETED"

// NullChecksum is the canonical value for "no content yet". A freshly
// created empty document carries it until its first push completes.
const NullChecksum = "null"

// Common errors returned by registry implementations.
var (
	// ErrClosed is returned when operations are attempted on a closed registry.
	ErrClosed = errors.New("registry is closed")

	// ErrWorkerNotFound is returned when assignment cannot find the worker.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrNoWorkersAvailable is returned when no worker can accept an assignment.
	ErrNoWorkersAvailable = errors.New("no workers available")
)

// checksumKey is the naming convention for checksum entries.
func ChecksumKey(docID string) string {
	return "doc-" + docID + "-checksum"
}

// ChecksumRegistry is a shared string map with atomic get/set/delete,
// used as the consistency oracle between workers and the blob store.
//
// The HSM only reads and writes keys it owns (ChecksumKey naming). A delete
// is modeled by writing Deleted, never by removing the key while the system
// is live; RemoveChecksum exists for offline cleanup.
type ChecksumRegistry interface {
	// GetChecksum returns the stored value and whether the key exists.
	GetChecksum(ctx context.Context, docID string) (string, bool, error)

	// SetChecksum stores the value for the document.
	SetChecksum(ctx context.Context, docID, value string) error

	// MarkDeleted writes the Deleted sentinel for the document.
	MarkDeleted(ctx context.Context, docID string) error

	// RemoveChecksum removes the key entirely. Offline cleanup only.
	RemoveChecksum(ctx context.Context, docID string) error
}

// WorkerInfo describes one worker process in the fleet.
type WorkerInfo struct {
	ID          string
	PublicURL   string
	InternalURL string
	Available   bool
}

// WorkerMap is the shared, durable mapping of documents to workers. The
// assignment is the only inter-process mutual-exclusion primitive for write
// access to a document: a worker never mutates a document it is not
// assigned to.
type WorkerMap interface {
	// AddWorker registers a worker. A re-added worker starts unavailable.
	AddWorker(ctx context.Context, info WorkerInfo) error

	// RemoveWorker unregisters a worker and releases all its assignments.
	RemoveWorker(ctx context.Context, workerID string) error

	// SetWorkerAvailability flips whether the worker accepts assignments.
	SetWorkerAvailability(ctx context.Context, workerID string, available bool) error

	// AssignDocWorker assigns the document to some available worker and
	// returns its id. The call is idempotent: racing calls from multiple
	// workers resolve to one and only one assignment.
	AssignDocWorker(ctx context.Context, docID string) (string, error)

	// GetDocWorker returns the assigned worker id, or "" when unassigned.
	GetDocWorker(ctx context.Context, docID string) (string, error)

	// ReleaseDoc drops the document's assignment.
	ReleaseDoc(ctx context.Context, docID string) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]WorkerInfo, error)
}
