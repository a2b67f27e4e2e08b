// Package hsm coordinates hosted document storage on one worker: fetching
// documents into the local store, reconciling them against the shared
// checksum registry, scheduling pushes to the versioned blob store, pruning
// snapshots and managing forks, snapshots and deletion.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gristlabs/grist-hsm/internal/docid"
	"github.com/gristlabs/grist-hsm/internal/logger"
	"github.com/gristlabs/grist-hsm/pkg/backup"
	"github.com/gristlabs/grist-hsm/pkg/blob"
	"github.com/gristlabs/grist-hsm/pkg/docdb"
	"github.com/gristlabs/grist-hsm/pkg/local"
	"github.com/gristlabs/grist-hsm/pkg/metrics"
	"github.com/gristlabs/grist-hsm/pkg/prune"
	"github.com/gristlabs/grist-hsm/pkg/push"
	"github.com/gristlabs/grist-hsm/pkg/registry"
)

// BypassChecksumMismatchEnv, when set to "1" or "true", lets a fetch accept
// downloaded content whose token disagrees with the checksum registry.
// Emergency recovery only.
const BypassChecksumMismatchEnv = "HSM_BYPASS_CHECKSUM_MISMATCH"

// Options configure a Manager. The zero value gets production defaults; the
// worker id is required.
type Options struct {
	// WorkerID identifies this worker in the shared worker map.
	WorkerID string

	// PublicURL and InternalURL are advertised in the worker map.
	PublicURL   string
	InternalURL string

	// Debounce is the delay between a change and the push it schedules.
	// Defaults to 500ms.
	Debounce time.Duration

	// FirstRetryDelay is the initial push retry backoff. Defaults to 3s.
	FirstRetryDelay time.Duration

	// MaxPushAttempts bounds attempts per push. Defaults to 4.
	MaxPushAttempts int

	// MaxConcurrentPushes bounds uploads across documents. Defaults to 10.
	MaxConcurrentPushes int

	// MaxFetchAttempts bounds the download-and-verify loop when the local
	// copy must be reconciled against the registry. Defaults to 5.
	MaxFetchAttempts int

	// FetchRetryDelay is the initial backoff of that loop. Defaults to 100ms.
	FetchRetryDelay time.Duration

	// BypassChecksumMismatch accepts downloads whose token disagrees with
	// the registry after the retry budget. Also settable via the
	// BypassChecksumMismatchEnv environment variable.
	BypassChecksumMismatch bool

	// PushDocUpdateTimes emits a timestamp side-channel to the meta store on
	// every successful push.
	PushDocUpdateTimes bool

	// RetentionPolicy and MinSnapshotsBeforePrune tune the snapshot pruner.
	RetentionPolicy         prune.Policy
	MinSnapshotsBeforePrune int

	// BackupChunkSize is the bytes copied per live-backup step.
	BackupChunkSize int

	// MaxImportSize and MaxAttachmentSize cap replacement imports and
	// stored attachments in bytes. Zero means unlimited.
	MaxImportSize     int64
	MaxAttachmentSize int64

	// Metrics receives observability events; nil disables them.
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxFetchAttempts <= 0 {
		o.MaxFetchAttempts = 5
	}
	if o.FetchRetryDelay <= 0 {
		o.FetchRetryDelay = 100 * time.Millisecond
	}
	if env := os.Getenv(BypassChecksumMismatchEnv); env == "1" || env == "true" {
		o.BypassChecksumMismatch = true
	}
}

// FetchOptions modify a single fetch.
type FetchOptions struct {
	// CreationIntent permits recreating a document whose registry entry is
	// the deleted sentinel, and creating fork ids that were never prepared.
	CreationIntent bool
}

// docEntry tracks one open document and the fetchers waiting on it.
type docEntry struct {
	ready chan struct{}
	doc   *Doc
	err   error
	refs  int
}

// Manager is the hosted storage manager for one worker.
type Manager struct {
	opts      Options
	local     *local.Store
	docs      *blob.Keyed
	meta      *blob.Keyed
	checksums registry.ChecksumRegistry
	workers   registry.WorkerMap
	sched     *push.Scheduler
	pruner    *prune.Pruner
	metrics   *metrics.Metrics

	mu        sync.Mutex
	open      map[string]*docEntry
	preparing map[string]bool
	labels    map[string]string // pending snapshot label per document
	closed    bool
}

// New creates a Manager over the given stores and registries. basePrefix
// scopes all blob keys for this deployment.
func New(store *local.Store, blobs blob.Store, basePrefix string, checksums registry.ChecksumRegistry, workers registry.WorkerMap, opts Options) *Manager {
	opts.applyDefaults()

	m := &Manager{
		opts:      opts,
		local:     store,
		docs:      blob.NewKeyed(blobs, basePrefix, blob.PurposeDoc),
		meta:      blob.NewKeyed(blobs, basePrefix, blob.PurposeMeta),
		checksums: checksums,
		workers:   workers,
		metrics:   opts.Metrics,
		open:      make(map[string]*docEntry),
		preparing: make(map[string]bool),
		labels:    make(map[string]string),
	}
	m.sched = push.New(m.pushDoc, push.Options{
		Debounce:        opts.Debounce,
		FirstRetryDelay: opts.FirstRetryDelay,
		MaxAttempts:     opts.MaxPushAttempts,
		MaxConcurrent:   opts.MaxConcurrentPushes,
		IsFatal:         m.docs.IsFatalError,
		Metrics:         opts.Metrics,
	})
	m.pruner = prune.New(m.docs, prune.Options{
		Policy:       opts.RetentionPolicy,
		MinSnapshots: opts.MinSnapshotsBeforePrune,
		Metrics:      opts.Metrics,
	})
	return m
}

// Start registers the worker, recovers from any previous crash and opens for
// assignments.
func (m *Manager) Start(ctx context.Context) error {
	err := m.workers.AddWorker(ctx, registry.WorkerInfo{
		ID:          m.opts.WorkerID,
		PublicURL:   m.opts.PublicURL,
		InternalURL: m.opts.InternalURL,
	})
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	if err := m.Recover(ctx); err != nil {
		return err
	}
	if err := m.workers.SetWorkerAvailability(ctx, m.opts.WorkerID, true); err != nil {
		return fmt.Errorf("failed to mark worker available: %w", err)
	}
	logger.Info("storage manager started", logger.WorkerID(m.opts.WorkerID))
	return nil
}

// Recover scans the local store after a restart. Stray live-backup files are
// discarded, and every local document whose hash marker is missing or
// disagrees with the registry is quarantined so the next fetch downloads a
// trusted copy. Local copies are never re-uploaded over the registry.
func (m *Manager) Recover(ctx context.Context) error {
	removed, err := m.local.CleanupBackups()
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info("discarded stale backup files", "count", removed)
	}

	ids, err := m.local.ListDocs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		marker, err := m.local.ReadHashMarker(id)
		if err != nil {
			return err
		}
		value, found, err := m.checksums.GetChecksum(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read checksum for %s: %w", id, err)
		}

		switch {
		case found && value == registry.Deleted:
			logger.Info("removing local copy of deleted document", logger.DocID(id))
			if err := m.local.Remove(id); err != nil {
				return err
			}
		case marker == "",
			found && value != registry.NullChecksum && value != marker:
			logger.Warn("quarantining untrusted local copy",
				logger.DocID(id), logger.Checksum(marker))
			if _, err := m.local.RenameAside(id); err != nil && !errors.Is(err, local.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

// FetchDoc makes the document available locally per the reconciliation rules
// and returns an open handle. Concurrent fetches of the same id share one
// handle. Snapshot references open read-only.
func (m *Manager) FetchDoc(ctx context.Context, id string, opts FetchOptions) (*Doc, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if e, ok := m.open[id]; ok {
		m.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		m.mu.Lock()
		// The entry may have been replaced while we waited; take whatever
		// is current, or fall through to a fresh fetch.
		if cur, ok := m.open[id]; ok && cur == e {
			cur.refs++
			m.mu.Unlock()
			return cur.doc, nil
		}
		m.mu.Unlock()
		return m.FetchDoc(ctx, id, opts)
	}
	e := &docEntry{ready: make(chan struct{}), refs: 1}
	m.open[id] = e
	m.mu.Unlock()

	doc, err := m.fetch(ctx, id, opts)

	m.mu.Lock()
	e.doc, e.err = doc, err
	if err != nil {
		delete(m.open, id)
	}
	close(e.ready)
	m.mu.Unlock()

	if err != nil {
		m.metrics.FetchCompleted("error")
		return nil, err
	}
	m.metrics.DocOpened()
	return doc, nil
}

// fetch performs the actual work of FetchDoc, outside the dedup bookkeeping.
func (m *Manager) fetch(ctx context.Context, id string, opts FetchOptions) (*Doc, error) {
	parsed := docid.Parse(id)
	storeID := parsed.DocID()

	if parsed.IsSnapshot() {
		return m.fetchSnapshot(ctx, id, parsed)
	}

	if err := m.ensureAssigned(ctx, storeID); err != nil {
		return nil, err
	}

	outcome, err := m.prepareLocalDoc(ctx, storeID, opts.CreationIntent)
	if err != nil {
		return nil, err
	}

	db, err := docdb.Open(m.local.PathFor(storeID))
	if err != nil {
		return nil, err
	}

	result, err := docdb.Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", storeID, err)
	}
	if result.Migrated {
		m.setLabel(storeID, result.Label())
		m.sched.MarkDirty(storeID)
	}

	m.metrics.FetchCompleted(outcome)
	return &Doc{m: m, id: id, storeID: storeID, db: db}, nil
}

// fetchSnapshot downloads a pinned version and opens it read-only. Snapshot
// references never migrate in place and refuse writes.
func (m *Manager) fetchSnapshot(ctx context.Context, id string, parsed docid.Parsed) (*Doc, error) {
	path := m.local.PathFor(id)
	if _, err := m.docs.Download(ctx, parsed.DocID(), path, parsed.SnapshotID); err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot %s of %s: %w", parsed.SnapshotID, parsed.DocID(), err)
	}
	db, err := docdb.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if version < docdb.CurrentSchemaVersion {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: snapshot %s of %s is schema v%d, worker is v%d",
			ErrMigrationRequired, parsed.SnapshotID, parsed.DocID(), version, docdb.CurrentSchemaVersion)
	}
	m.metrics.FetchCompleted("download")
	return &Doc{m: m, id: id, storeID: parsed.DocID(), db: db, readOnly: true}, nil
}

// ensureAssigned takes (or confirms) the write lease for the document.
func (m *Manager) ensureAssigned(ctx context.Context, docID string) error {
	assigned, err := m.workers.AssignDocWorker(ctx, docID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if assigned != m.opts.WorkerID {
		return fmt.Errorf("%w: assigned to %s", ErrUnavailable, assigned)
	}
	return nil
}

// prepareLocalDoc reconciles the local copy of the document against the
// checksum registry and the blob store. Returns the fetch outcome ("local",
// "download" or "create"). At most one preparation of a document may run at
// a time on a worker; a second racing call fails fast to flush out misuse.
func (m *Manager) prepareLocalDoc(ctx context.Context, docID string, creationIntent bool) (string, error) {
	m.mu.Lock()
	if m.preparing[docID] {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrPreparedInParallel, docID)
	}
	m.preparing[docID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.preparing, docID)
		m.mu.Unlock()
	}()

	value, found, err := m.checksums.GetChecksum(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("failed to read checksum for %s: %w", docID, err)
	}
	deleted := found && value == registry.Deleted
	blank := !found || value == registry.NullChecksum

	if !m.local.Exists(docID) {
		switch {
		case deleted:
			if !creationIntent {
				return "", fmt.Errorf("%w: %s", ErrDeleted, docID)
			}
			return "create", m.createFresh(ctx, docID)
		case blank:
			if docid.Parse(docID).IsFork() && !creationIntent {
				return "", fmt.Errorf("%w: %s", ErrForkNotFound, docID)
			}
			return "create", m.createFresh(ctx, docID)
		default:
			return "download", m.downloadVerified(ctx, docID, value)
		}
	}

	marker, err := m.local.ReadHashMarker(docID)
	if err != nil {
		return "", err
	}
	localToken := marker
	if localToken == "" {
		if localToken, err = m.local.TokenOfDoc(docID); err != nil {
			return "", err
		}
	}

	switch {
	case deleted:
		// A stale local copy must not resurrect a deleted document.
		if !creationIntent {
			return "", fmt.Errorf("%w: %s", ErrDeleted, docID)
		}
		if _, err := m.local.RenameAside(docID); err != nil {
			return "", err
		}
		return "create", m.createFresh(ctx, docID)
	case blank:
		// Registry has no content recorded; trust the local copy and
		// publish its token.
		if err := m.checksums.SetChecksum(ctx, docID, localToken); err != nil {
			return "", fmt.Errorf("failed to publish checksum for %s: %w", docID, err)
		}
		if err := m.local.WriteHashMarker(docID, localToken); err != nil {
			return "", err
		}
		return "local", nil
	case value == localToken:
		return "local", nil
	default:
		// The registry wins over the local copy.
		logger.Warn("local copy disagrees with registry, replacing",
			logger.DocID(docID), logger.Checksum(localToken))
		if _, err := m.local.RenameAside(docID); err != nil {
			return "", err
		}
		return "download", m.downloadVerified(ctx, docID, value)
	}
}

// createFresh creates a new empty document locally and schedules its first
// push.
func (m *Manager) createFresh(ctx context.Context, docID string) error {
	db, err := docdb.Create(m.local.PathFor(docID))
	if err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}

	token, err := m.local.TokenOfDoc(docID)
	if err != nil {
		return err
	}
	if err := m.local.WriteHashMarker(docID, token); err != nil {
		return err
	}
	// The registry records "no content yet" until the first push lands.
	if err := m.checksums.SetChecksum(ctx, docID, registry.NullChecksum); err != nil {
		return fmt.Errorf("failed to record creation of %s: %w", docID, err)
	}
	m.sched.MarkDirty(docID)
	logger.Info("created document", logger.DocID(docID))
	return nil
}

// downloadVerified downloads the document and verifies its token against the
// registry, retrying with backoff while the two disagree. The blob store may
// serve stale reads for a while after an upload; the loop rides that out.
func (m *Manager) downloadVerified(ctx context.Context, docID, expected string) error {
	staged := m.local.BackupPathFor(docID)
	defer os.Remove(staged)

	delay := m.opts.FetchRetryDelay
	for attempt := 1; attempt <= m.opts.MaxFetchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := m.docs.Download(ctx, docID, staged, "")
		if err != nil {
			if m.docs.IsFatalError(err) {
				return fmt.Errorf("failed to download %s: %w", docID, err)
			}
			logger.Warn("download failed, retrying",
				logger.DocID(docID), logger.Attempt(attempt), logger.Err(err))
		} else {
			token, err := local.Token(staged)
			if err != nil {
				return err
			}

			// The registry may have moved while we downloaded.
			if current, found, err := m.checksums.GetChecksum(ctx, docID); err == nil &&
				found && current != registry.NullChecksum && current != registry.Deleted {
				expected = current
			}
			if token == expected {
				if err := m.local.AdoptFile(docID, staged); err != nil {
					return err
				}
				return m.local.WriteHashMarker(docID, token)
			}
			logger.Warn("downloaded content disagrees with registry",
				logger.DocID(docID), logger.Attempt(attempt), logger.Checksum(token))
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	if m.opts.BypassChecksumMismatch {
		if _, err := m.docs.Download(ctx, docID, staged, ""); err != nil {
			return fmt.Errorf("failed to download %s: %w", docID, err)
		}
		token, err := local.Token(staged)
		if err != nil {
			return err
		}
		logger.Error("accepting mismatched download under override",
			logger.DocID(docID), logger.Checksum(token))
		if err := m.local.AdoptFile(docID, staged); err != nil {
			return err
		}
		if err := m.local.WriteHashMarker(docID, token); err != nil {
			return err
		}
		// Realign the registry with what we accepted.
		return m.checksums.SetChecksum(ctx, docID, token)
	}

	return fmt.Errorf("%w after %d attempts", ErrInconsistent, m.opts.MaxFetchAttempts)
}

// pushDoc is the scheduler's PushFunc: live backup, upload, registry update.
func (m *Manager) pushDoc(ctx context.Context, docID string) error {
	m.mu.Lock()
	var db *docdb.Doc
	if e, ok := m.open[docID]; ok && e.doc != nil {
		db = e.doc.db
	}
	label := m.labels[docID]
	m.mu.Unlock()

	ephemeral := false
	if db == nil {
		var err error
		if db, err = docdb.OpenReadOnly(m.local.PathFor(docID)); err != nil {
			return fmt.Errorf("failed to open %s for push: %w", docID, err)
		}
		ephemeral = true
	}
	tz := db.Timezone()
	hash := db.ActionHash()

	var stepStart time.Time
	backupPath := m.local.BackupPathFor(docID)
	locker := &docStepLocker{m: m, docID: docID, fallback: db}
	err := backup.Backup(ctx, locker, m.local.PathFor(docID), backupPath, backup.Options{
		ChunkSize: m.opts.BackupChunkSize,
		OnEvent: func(ev backup.Event) {
			if ev.Phase == backup.PhaseBefore {
				stepStart = ev.Time
			} else {
				m.metrics.BackupStep(ev.Time.Sub(stepStart))
			}
		},
	})
	if ephemeral {
		db.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to back up %s: %w", docID, err)
	}
	defer os.Remove(backupPath)

	token, err := local.Token(backupPath)
	if err != nil {
		return err
	}

	meta := map[string]string{blob.MetaTimezone: tz, blob.MetaHash: hash}
	if label != "" {
		meta[blob.MetaLabel] = label
	}
	snapshotID, err := m.docs.Upload(ctx, docID, backupPath, meta)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", docID, err)
	}

	m.mu.Lock()
	if m.labels[docID] == label {
		delete(m.labels, docID)
	}
	m.mu.Unlock()

	if err := m.checksums.SetChecksum(ctx, docID, token); err != nil {
		return fmt.Errorf("failed to record checksum for %s: %w", docID, err)
	}
	if err := m.local.WriteHashMarker(docID, token); err != nil {
		return err
	}
	if m.opts.PushDocUpdateTimes {
		m.pushUpdateTime(ctx, docID)
	}
	m.pruner.Request(docID)

	logger.Info("pushed document",
		logger.DocID(docID), logger.SnapshotID(snapshotID), logger.Checksum(token))
	return nil
}

// docStepLocker resolves the backup step lock against the handle that is
// live when the step runs. A document can be reopened while a push of its
// on-disk file is in flight (the final flush of a close overlaps the next
// fetch); each step must exclude the writers that exist at step time, not
// the ones that existed when the push began.
type docStepLocker struct {
	m        *Manager
	docID    string
	fallback *docdb.Doc
}

func (l *docStepLocker) WithStepLock(fn func() error) error {
	l.m.mu.Lock()
	db := l.fallback
	if e, ok := l.m.open[l.docID]; ok && e.doc != nil {
		db = e.doc.db
	}
	l.m.mu.Unlock()
	return db.WithStepLock(fn)
}

// pushUpdateTime publishes a last-updated timestamp under the document's
// meta key. Best effort; failures only log.
func (m *Manager) pushUpdateTime(ctx context.Context, docID string) {
	f, err := os.CreateTemp(m.local.Root(), "update-time-*")
	if err != nil {
		return
	}
	path := f.Name()
	defer os.Remove(path)

	_, werr := f.WriteString(time.Now().UTC().Format(time.RFC3339) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return
	}
	if _, err := m.meta.Upload(ctx, docID, path, nil); err != nil {
		logger.Warn("failed to publish update time", logger.DocID(docID), logger.Err(err))
	}
}

// setLabel records a label for the document's next snapshot.
func (m *Manager) setLabel(docID, label string) {
	m.mu.Lock()
	m.labels[docID] = label
	m.mu.Unlock()
}

// makeBackup forces a synchronous labeled push and returns the document's
// blob store locator.
func (m *Manager) makeBackup(ctx context.Context, docID, label string) (string, error) {
	m.setLabel(docID, label)
	m.sched.MarkDirty(docID)
	if err := m.sched.CloseDoc(ctx, docID); err != nil {
		return "", err
	}
	return m.docs.URL(docID), nil
}

// PrepareFork captures the trunk's current content under the fork id.
// Copy-on-read: the first fetch of the fork reflects the trunk at
// fork-prepare time, and the fork survives trunk evolution or deletion once
// its first push lands.
func (m *Manager) PrepareFork(ctx context.Context, srcDocID, forkID string) error {
	parsed := docid.Parse(forkID)
	if !parsed.IsFork() || parsed.IsSnapshot() || parsed.Trunk != docid.Parse(srcDocID).Trunk {
		return fmt.Errorf("invalid fork id %q for document %q", forkID, srcDocID)
	}
	if err := m.ensureAssigned(ctx, parsed.DocID()); err != nil {
		return err
	}

	staged := m.local.BackupPathFor(parsed.DocID())
	if m.local.Exists(srcDocID) {
		// Copy the live local file consistently.
		m.mu.Lock()
		var db *docdb.Doc
		if e, ok := m.open[srcDocID]; ok && e.doc != nil {
			db = e.doc.db
		}
		m.mu.Unlock()

		var locker backup.StepLocker = nopLocker{}
		if db != nil {
			locker = db
		}
		if err := backup.Backup(ctx, locker, m.local.PathFor(srcDocID), staged, backup.Options{
			ChunkSize: m.opts.BackupChunkSize,
		}); err != nil {
			return fmt.Errorf("failed to copy %s for fork: %w", srcDocID, err)
		}
	} else {
		if _, err := m.docs.Download(ctx, srcDocID, staged, ""); err != nil {
			return fmt.Errorf("failed to fetch %s for fork: %w", srcDocID, err)
		}
	}

	if err := m.local.AdoptFile(parsed.DocID(), staged); err != nil {
		return err
	}
	token, err := m.local.TokenOfDoc(parsed.DocID())
	if err != nil {
		return err
	}
	if err := m.local.WriteHashMarker(parsed.DocID(), token); err != nil {
		return err
	}
	if err := m.checksums.SetChecksum(ctx, parsed.DocID(), token); err != nil {
		return fmt.Errorf("failed to record fork %s: %w", forkID, err)
	}
	m.sched.MarkDirty(parsed.DocID())

	logger.Info("prepared fork", logger.DocID(parsed.DocID()), logger.Checksum(token))
	return nil
}

// Replace swaps the document's content for the source document's current
// content. The source may carry a snapshot pin, which makes Replace a
// point-in-time restore. Snapshot references themselves refuse replacement.
func (m *Manager) Replace(ctx context.Context, docID, sourceDocID string) error {
	if docid.Parse(docID).IsSnapshot() {
		return ErrSnapshotImmutable
	}
	m.mu.Lock()
	_, isOpen := m.open[docID]
	m.mu.Unlock()
	if isOpen {
		return fmt.Errorf("%w: %s", ErrDocOpen, docID)
	}
	if err := m.ensureAssigned(ctx, docID); err != nil {
		return err
	}

	src := docid.Parse(sourceDocID)
	// Publish any unpushed source changes first so the blob head is current.
	if err := m.sched.CloseDoc(ctx, src.DocID()); err != nil {
		return err
	}

	staged := m.local.BackupPathFor(docID)
	defer os.Remove(staged)
	if _, err := m.docs.Download(ctx, src.DocID(), staged, src.SnapshotID); err != nil {
		return fmt.Errorf("failed to fetch %s for replace: %w", sourceDocID, err)
	}
	if max := m.opts.MaxImportSize; max > 0 {
		info, err := os.Stat(staged)
		if err != nil {
			return err
		}
		if info.Size() > max {
			return fmt.Errorf("%w: %s is %d bytes (limit %d)",
				ErrTooLarge, sourceDocID, info.Size(), max)
		}
	}

	if err := m.local.AtomicReplace(docID, staged); err != nil {
		return err
	}
	token, err := m.local.TokenOfDoc(docID)
	if err != nil {
		return err
	}
	if err := m.local.WriteHashMarker(docID, token); err != nil {
		return err
	}
	if err := m.checksums.SetChecksum(ctx, docID, token); err != nil {
		return fmt.Errorf("failed to record replacement of %s: %w", docID, err)
	}
	m.sched.MarkDirty(docID)

	logger.Info("replaced document content",
		logger.DocID(docID), "source", sourceDocID)
	return nil
}

// DeleteDoc removes the document from this worker and marks it deleted in
// the registry. With hard set, every snapshot is removed from the blob store
// as well. Idempotent.
func (m *Manager) DeleteDoc(ctx context.Context, id string, hard bool) error {
	docID := docid.Parse(id).DocID()

	// Flush and close any open handle first.
	m.mu.Lock()
	e, isOpen := m.open[docID]
	delete(m.open, docID)
	m.mu.Unlock()
	if isOpen {
		<-e.ready
		if e.doc != nil {
			if err := m.sched.CloseDoc(ctx, docID); err != nil {
				return err
			}
			e.doc.db.Close()
			m.metrics.DocClosed()
		}
	}

	// The sentinel lands before any content disappears, so no reader can
	// observe a half-deleted document as merely empty.
	if err := m.checksums.MarkDeleted(ctx, docID); err != nil {
		return fmt.Errorf("failed to mark %s deleted: %w", docID, err)
	}
	if err := m.local.Remove(docID); err != nil {
		return err
	}
	if hard {
		if err := m.docs.Remove(ctx, docID); err != nil {
			return fmt.Errorf("failed to remove snapshots of %s: %w", docID, err)
		}
		if err := m.meta.Remove(ctx, docID); err != nil {
			return fmt.Errorf("failed to remove metadata of %s: %w", docID, err)
		}
	}
	if err := m.workers.ReleaseDoc(ctx, docID); err != nil {
		return err
	}

	logger.Info("deleted document", logger.DocID(docID), "hard", hard)
	return nil
}

// GetSnapshots lists the document's snapshots, newest first. Entries carry
// the metadata written at push time, notably label, tz and h.
func (m *Manager) GetSnapshots(ctx context.Context, id string) ([]blob.Snapshot, error) {
	return m.docs.Versions(ctx, docid.Parse(id).DocID())
}

// PruneSnapshots applies the retention policy to a document's snapshots
// immediately, bypassing the usual push-triggered scheduling.
func (m *Manager) PruneSnapshots(ctx context.Context, id string) error {
	return m.pruner.Prune(ctx, docid.Parse(id).DocID())
}

// NeedsUpdate reports whether any document has unpushed changes.
func (m *Manager) NeedsUpdate() bool {
	return m.sched.NeedsUpdate()
}

// TestWaitForPushes flushes all pending pushes. Test hook.
func (m *Manager) TestWaitForPushes(ctx context.Context) error {
	return m.sched.TestWaitForPushes(ctx)
}

// TestWaitForPrunes drains all scheduled prunes. Test hook.
func (m *Manager) TestWaitForPrunes(ctx context.Context) error {
	return m.pruner.TestWaitForPrunes(ctx)
}

// closeDoc releases one handle; the last release sweeps orphan attachments,
// flushes a final push and closes the database.
func (m *Manager) closeDoc(ctx context.Context, d *Doc) error {
	m.mu.Lock()
	e, ok := m.open[d.id]
	if ok && e.doc == d {
		e.refs--
		if e.refs > 0 {
			m.mu.Unlock()
			return nil
		}
		delete(m.open, d.id)
	}
	m.mu.Unlock()

	defer m.metrics.DocClosed()

	if d.readOnly {
		err := d.db.Close()
		// Snapshot scratch copies are not part of the document set.
		if rmErr := os.Remove(m.local.PathFor(d.id)); err == nil && rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
		return err
	}

	if n, err := d.db.SweepOrphanFiles(ctx); err != nil {
		logger.Warn("orphan sweep failed", logger.DocID(d.storeID), logger.Err(err))
	} else if n > 0 {
		m.sched.MarkDirty(d.storeID)
	}
	if err := m.sched.CloseDoc(ctx, d.storeID); err != nil {
		d.db.Close()
		return err
	}
	return d.db.Close()
}

// Shutdown closes every open document, flushes all pushes and prunes, and
// unregisters the worker.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*docEntry, 0, len(m.open))
	for id := range m.open {
		entries = append(entries, m.open[id])
	}
	m.open = make(map[string]*docEntry)
	m.mu.Unlock()

	if err := m.workers.SetWorkerAvailability(ctx, m.opts.WorkerID, false); err != nil {
		logger.Warn("failed to mark worker unavailable", logger.Err(err))
	}

	for _, e := range entries {
		<-e.ready
		if e.doc == nil || e.doc.readOnly {
			if e.doc != nil {
				e.doc.db.Close()
			}
			continue
		}
		if n, err := e.doc.db.SweepOrphanFiles(ctx); err == nil && n > 0 {
			m.sched.MarkDirty(e.doc.storeID)
		}
		if err := m.sched.CloseDoc(ctx, e.doc.storeID); err != nil {
			logger.Warn("final push failed during shutdown",
				logger.DocID(e.doc.storeID), logger.Err(err))
		}
		e.doc.db.Close()
		m.metrics.DocClosed()
	}

	if err := m.sched.Close(ctx); err != nil {
		return err
	}
	m.pruner.Close()

	if err := m.workers.RemoveWorker(ctx, m.opts.WorkerID); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}
	logger.Info("storage manager shut down", logger.WorkerID(m.opts.WorkerID))
	return nil
}

// nopLocker satisfies backup.StepLocker for files with no live writers.
type nopLocker struct{}

func (nopLocker) WithStepLock(fn func() error) error { return fn() }
