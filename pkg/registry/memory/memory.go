// Package memory provides an in-memory registry implementation for testing
// and single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/gristlabs/grist-hsm/pkg/registry"
)

// Registry implements both registry.ChecksumRegistry and registry.WorkerMap
// in process memory.
type Registry struct {
	mu          sync.RWMutex
	checksums   map[string]string
	workers     map[string]registry.WorkerInfo
	assignments map[string]string // docID -> workerID
}

// New creates a new in-memory registry.
func New() *Registry {
	return &Registry{
		checksums:   make(map[string]string),
		workers:     make(map[string]registry.WorkerInfo),
		assignments: make(map[string]string),
	}
}

// GetChecksum returns the stored value and whether the key exists.
func (r *Registry) GetChecksum(ctx context.Context, docID string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.checksums[registry.ChecksumKey(docID)]
	return v, ok, nil
}

// SetChecksum stores the value for the document.
func (r *Registry) SetChecksum(ctx context.Context, docID, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checksums[registry.ChecksumKey(docID)] = value
	return nil
}

// MarkDeleted writes the Deleted sentinel for the document.
func (r *Registry) MarkDeleted(ctx context.Context, docID string) error {
	return r.SetChecksum(ctx, docID, registry.Deleted)
}

// RemoveChecksum removes the key entirely.
func (r *Registry) RemoveChecksum(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.checksums, registry.ChecksumKey(docID))
	return nil
}

// AddWorker registers a worker.
func (r *Registry) AddWorker(ctx context.Context, info registry.WorkerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info.Available = false
	r.workers[info.ID] = info
	return nil
}

// RemoveWorker unregisters a worker and releases all its assignments.
func (r *Registry) RemoveWorker(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.workers, workerID)
	for docID, w := range r.assignments {
		if w == workerID {
			delete(r.assignments, docID)
		}
	}
	return nil
}

// SetWorkerAvailability flips whether the worker accepts assignments.
func (r *Registry) SetWorkerAvailability(ctx context.Context, workerID string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.workers[workerID]
	if !ok {
		return registry.ErrWorkerNotFound
	}
	info.Available = available
	r.workers[workerID] = info
	return nil
}

// AssignDocWorker assigns the document to some available worker,
// idempotently.
func (r *Registry) AssignDocWorker(ctx context.Context, docID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.assignments[docID]; ok {
		return w, nil
	}

	// Pick the available worker with the fewest assignments.
	counts := make(map[string]int, len(r.workers))
	for _, w := range r.assignments {
		counts[w]++
	}
	best := ""
	for id, info := range r.workers {
		if !info.Available {
			continue
		}
		if best == "" || counts[id] < counts[best] || (counts[id] == counts[best] && id < best) {
			best = id
		}
	}
	if best == "" {
		return "", registry.ErrNoWorkersAvailable
	}
	r.assignments[docID] = best
	return best, nil
}

// GetDocWorker returns the assigned worker id, or "" when unassigned.
func (r *Registry) GetDocWorker(ctx context.Context, docID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.assignments[docID], nil
}

// ReleaseDoc drops the document's assignment.
func (r *Registry) ReleaseDoc(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.assignments, docID)
	return nil
}

// ListWorkers returns all registered workers.
func (r *Registry) ListWorkers(ctx context.Context) ([]registry.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]registry.WorkerInfo, 0, len(r.workers))
	for _, info := range r.workers {
		out = append(out, info)
	}
	return out, nil
}

var (
	_ registry.ChecksumRegistry = (*Registry)(nil)
	_ registry.WorkerMap        = (*Registry)(nil)
)
