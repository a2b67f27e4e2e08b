// Package prune applies the per-document snapshot retention policy: a fixed
// number of recent snapshots plus a bucketed hourly/daily/monthly tail.
package prune

import (
	"context"
	"fmt"
	"sync"

	"github.com/gristlabs/grist-hsm/internal/logger"
	"github.com/gristlabs/grist-hsm/pkg/blob"
	"github.com/gristlabs/grist-hsm/pkg/metrics"
)

// SnapshotStore is the slice of the keyed blob store the pruner needs.
type SnapshotStore interface {
	Versions(ctx context.Context, docID string) ([]blob.Snapshot, error)
	Remove(ctx context.Context, docID string, snapshotIDs ...string) error
}

// Options configure a Pruner.
type Options struct {
	Policy Policy

	// MinSnapshots is the version count below which pruning is skipped
	// entirely. Defaults to the policy's KeepLatest.
	MinSnapshots int

	Metrics *metrics.Metrics
}

// Pruner prunes document snapshots in the background. Requests for the same
// document coalesce: at most one prune per document runs at a time, and a
// request arriving mid-prune triggers exactly one follow-up pass.
type Pruner struct {
	store   SnapshotStore
	policy  Policy
	min     int
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]bool // docID -> follow-up requested
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Pruner over the given store.
func New(store SnapshotStore, opts Options) *Pruner {
	opts.Policy.ApplyDefaults()
	if opts.MinSnapshots <= 0 {
		opts.MinSnapshots = opts.Policy.KeepLatest
	}
	return &Pruner{
		store:   store,
		policy:  opts.Policy,
		min:     opts.MinSnapshots,
		metrics: opts.Metrics,
		pending: make(map[string]bool),
	}
}

// Request schedules a background prune of the document's snapshots. Called
// after every successful push. Safe to call concurrently; requests during an
// active prune coalesce into one follow-up.
func (p *Pruner) Request(docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if _, running := p.pending[docID]; running {
		p.pending[docID] = true
		return
	}
	p.pending[docID] = false
	p.wg.Add(1)
	go p.run(docID)
}

func (p *Pruner) run(docID string) {
	defer p.wg.Done()

	for {
		if err := p.Prune(context.Background(), docID); err != nil {
			logger.Warn("snapshot prune failed", logger.DocID(docID), logger.Err(err))
		}

		p.mu.Lock()
		if !p.pending[docID] {
			delete(p.pending, docID)
			p.mu.Unlock()
			return
		}
		p.pending[docID] = false
		p.mu.Unlock()
	}
}

// Prune applies the retention policy to the document once, synchronously.
// The newest snapshot is never removed.
func (p *Pruner) Prune(ctx context.Context, docID string) error {
	snapshots, err := p.store.Versions(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	if len(snapshots) < p.min {
		return nil
	}

	_, drop := p.policy.Classify(snapshots)
	if len(drop) == 0 {
		return nil
	}

	ids := make([]string, len(drop))
	for i, snap := range drop {
		ids[i] = snap.SnapshotID
	}
	if err := p.store.Remove(ctx, docID, ids...); err != nil {
		return fmt.Errorf("failed to remove snapshots: %w", err)
	}

	p.metrics.SnapshotsPruned(len(ids))
	logger.Debug("pruned snapshots",
		logger.DocID(docID), "removed", len(ids), "kept", len(snapshots)-len(ids))
	return nil
}

// TestWaitForPrunes blocks until every scheduled prune has finished. Test
// hook; production callers let prunes drain in the background.
func (p *Pruner) TestWaitForPrunes(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests and waits for in-flight prunes.
func (p *Pruner) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
