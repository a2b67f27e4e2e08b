// Package badger implements the registry on an embedded Badger database for
// single-node deployments that still want the coordination state to survive
// restarts without running Redis.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/gristlabs/grist-hsm/pkg/registry"
)

const (
	checksumPrefix = "checksum/"
	workerPrefix   = "worker/"
	assignPrefix   = "assign/"
)

// Registry implements registry.ChecksumRegistry and registry.WorkerMap on a
// local Badger database. Single-node only: the mutual-exclusion guarantee of
// AssignDocWorker does not extend across machines.
type Registry struct {
	db *badgerdb.DB
}

// Open opens (or creates) the registry database at dir.
func Open(dir string) (*Registry, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry db at %q: %w", dir, err)
	}
	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// GetChecksum returns the stored value and whether the key exists.
func (r *Registry) GetChecksum(ctx context.Context, docID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var value string
	found := false
	err := r.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(checksumPrefix + registry.ChecksumKey(docID)))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read checksum for %s: %w", docID, err)
	}
	return value, found, nil
}

// SetChecksum stores the value for the document.
func (r *Registry) SetChecksum(ctx context.Context, docID, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(checksumPrefix+registry.ChecksumKey(docID)), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to store checksum for %s: %w", docID, err)
	}
	return nil
}

// MarkDeleted writes the Deleted sentinel for the document.
func (r *Registry) MarkDeleted(ctx context.Context, docID string) error {
	return r.SetChecksum(ctx, docID, registry.Deleted)
}

// RemoveChecksum removes the key entirely.
func (r *Registry) RemoveChecksum(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(checksumPrefix + registry.ChecksumKey(docID)))
	})
	if err != nil {
		return fmt.Errorf("failed to remove checksum for %s: %w", docID, err)
	}
	return nil
}

// AddWorker registers a worker. A re-added worker starts unavailable.
func (r *Registry) AddWorker(ctx context.Context, info registry.WorkerInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info.Available = false
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}
	err = r.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(workerPrefix+info.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store worker %s: %w", info.ID, err)
	}
	return nil
}

// RemoveWorker unregisters a worker and releases all its assignments.
func (r *Registry) RemoveWorker(ctx context.Context, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete([]byte(workerPrefix + workerID)); err != nil {
			return err
		}

		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		var release [][]byte
		prefix := []byte(assignPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				if string(val) == workerID {
					release = append(release, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, key := range release {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove worker %s: %w", workerID, err)
	}
	return nil
}

// SetWorkerAvailability flips whether the worker accepts assignments.
func (r *Registry) SetWorkerAvailability(ctx context.Context, workerID string, available bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(workerPrefix + workerID))
		if err == badgerdb.ErrKeyNotFound {
			return registry.ErrWorkerNotFound
		}
		if err != nil {
			return err
		}

		var info registry.WorkerInfo
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		}); err != nil {
			return err
		}
		info.Available = available
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return txn.Set([]byte(workerPrefix+workerID), data)
	})
	if err == registry.ErrWorkerNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", workerID, err)
	}
	return nil
}

// AssignDocWorker assigns the document to some available worker. The Badger
// transaction gives the same read-modify-write atomicity SETNX gives the
// Redis backend, within this process.
func (r *Registry) AssignDocWorker(ctx context.Context, docID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var assigned string
	err := r.db.Update(func(txn *badgerdb.Txn) error {
		assignKey := []byte(assignPrefix + docID)

		item, err := txn.Get(assignKey)
		if err == nil {
			return item.Value(func(val []byte) error {
				assigned = string(val)
				return nil
			})
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}

		candidate, err := pickAvailable(txn)
		if err != nil {
			return err
		}
		assigned = candidate
		return txn.Set(assignKey, []byte(candidate))
	})
	if err == registry.ErrNoWorkersAvailable {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to assign worker for %s: %w", docID, err)
	}
	return assigned, nil
}

// pickAvailable returns the lexically-first available worker id so
// assignment stays deterministic on a single node.
func pickAvailable(txn *badgerdb.Txn) (string, error) {
	it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(workerPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var info registry.WorkerInfo
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
		if err != nil {
			return "", err
		}
		if info.Available {
			return strings.TrimPrefix(string(item.Key()), workerPrefix), nil
		}
	}
	return "", registry.ErrNoWorkersAvailable
}

// GetDocWorker returns the assigned worker id, or "" when unassigned.
func (r *Registry) GetDocWorker(ctx context.Context, docID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var assigned string
	err := r.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(assignPrefix + docID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assigned = string(val)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to read assignment for %s: %w", docID, err)
	}
	return assigned, nil
}

// ReleaseDoc drops the document's assignment.
func (r *Registry) ReleaseDoc(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(assignPrefix + docID))
	})
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", docID, err)
	}
	return nil
}

// ListWorkers returns all registered workers.
func (r *Registry) ListWorkers(ctx context.Context) ([]registry.WorkerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []registry.WorkerInfo
	err := r.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(workerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info registry.WorkerInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				return err
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return out, nil
}

var (
	_ registry.ChecksumRegistry = (*Registry)(nil)
	_ registry.WorkerMap        = (*Registry)(nil)
)
