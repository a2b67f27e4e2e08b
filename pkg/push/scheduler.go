// Package push schedules document uploads: dirty notifications are
// debounced, uploads for one document are strictly serialized with at most
// one inflight, and notifications arriving mid-upload coalesce into exactly
// one follow-up.
package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gristlabs/grist-hsm/internal/logger"
	"github.com/gristlabs/grist-hsm/pkg/metrics"
)

// PushFunc performs one complete push of a document: live backup, upload,
// registry update. Supplied by the lifecycle layer. Errors it returns are
// classified by IsFatal to decide on retries.
type PushFunc func(ctx context.Context, docID string) error

// Options configure a Scheduler. The zero value gets production defaults.
type Options struct {
	// Debounce is how long after the first dirty notification the upload
	// starts. Defaults to 500ms.
	Debounce time.Duration

	// FirstRetryDelay is the backoff before the first retry; it doubles on
	// each subsequent attempt. Defaults to 3s.
	FirstRetryDelay time.Duration

	// MaxAttempts bounds upload attempts per push. Defaults to 4.
	MaxAttempts int

	// MaxConcurrent bounds uploads across all documents. Defaults to 10.
	MaxConcurrent int

	// IsFatal classifies push errors; fatal errors are not retried.
	// Defaults to retrying everything.
	IsFatal func(error) bool

	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.FirstRetryDelay <= 0 {
		o.FirstRetryDelay = 3 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.IsFatal == nil {
		o.IsFatal = func(error) bool { return false }
	}
}

type phase int

const (
	// phaseDirty: a debounce timer is pending for the document.
	phaseDirty phase = iota
	// phaseUploading: an upload is inflight; new notifications set followUp.
	phaseUploading
)

type docState struct {
	phase    phase
	followUp bool
	timer    *time.Timer
}

// Scheduler tracks per-document push state. A document is Idle (absent from
// the map), Dirty (timer pending) or Uploading.
type Scheduler struct {
	push PushFunc
	opts Options
	sem  chan struct{}

	mu   sync.Mutex
	cond *sync.Cond
	docs map[string]*docState
	wg   sync.WaitGroup

	closed bool
}

// New creates a Scheduler that uploads via push.
func New(push PushFunc, opts Options) *Scheduler {
	opts.applyDefaults()
	s := &Scheduler{
		push: push,
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConcurrent),
		docs: make(map[string]*docState),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// MarkDirty signals that the document changed. In Idle this schedules an
// upload after the debounce delay; during an upload it requests exactly one
// follow-up. Repeated calls coalesce.
func (s *Scheduler) MarkDirty(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		logger.Warn("dirty notification after shutdown", logger.DocID(docID))
		return
	}

	st, ok := s.docs[docID]
	if !ok {
		st = &docState{phase: phaseDirty}
		st.timer = time.AfterFunc(s.opts.Debounce, func() { s.fire(docID) })
		s.docs[docID] = st
		return
	}
	if st.phase == phaseUploading {
		st.followUp = true
	}
	// phaseDirty: the pending timer already covers this notification.
}

// NeedsUpdate reports whether any document has unpushed changes.
func (s *Scheduler) NeedsUpdate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs) > 0
}

// fire transitions a document from Dirty to Uploading when its debounce
// timer expires.
func (s *Scheduler) fire(docID string) {
	s.mu.Lock()
	st, ok := s.docs[docID]
	if !ok || st.phase != phaseDirty {
		// CloseDoc claimed the push first.
		s.mu.Unlock()
		return
	}
	st.phase = phaseUploading
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		// Failures are logged and counted inside uploadWithRetries.
		_ = s.uploadWithRetries(context.Background(), docID)
		s.mu.Lock()
		s.finishLocked(docID)
		s.mu.Unlock()
	}()
}

// finishLocked completes an upload: either rearms the document because a
// follow-up was requested, or returns it to Idle.
func (s *Scheduler) finishLocked(docID string) {
	st := s.docs[docID]
	if st.followUp {
		st.followUp = false
		st.phase = phaseDirty
		st.timer = time.AfterFunc(s.opts.Debounce, func() { s.fire(docID) })
	} else {
		delete(s.docs, docID)
	}
	s.cond.Broadcast()
}

// uploadWithRetries runs one push, retrying transient failures with
// exponential backoff.
func (s *Scheduler) uploadWithRetries(ctx context.Context, docID string) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	start := time.Now()
	delay := s.opts.FirstRetryDelay

	var err error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		err = s.push(ctx, docID)
		if err == nil {
			s.opts.Metrics.PushCompleted(time.Since(start), false)
			return nil
		}
		if s.opts.IsFatal(err) {
			logger.Error("push failed fatally",
				logger.DocID(docID), logger.Attempt(attempt), logger.Err(err))
			break
		}
		if attempt == s.opts.MaxAttempts {
			break
		}

		logger.Warn("push failed, retrying",
			logger.DocID(docID), logger.Attempt(attempt), logger.Err(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.opts.Metrics.PushCompleted(time.Since(start), true)
			return ctx.Err()
		}
		delay *= 2
	}

	s.opts.Metrics.PushCompleted(time.Since(start), true)
	return fmt.Errorf("push of %s failed: %w", docID, err)
}

// CloseDoc forces a final synchronous push of the document. It waits out any
// inflight upload, then pushes until the document is Idle. Returns the error
// of the last push, if any.
func (s *Scheduler) CloseDoc(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for {
		st, ok := s.docs[docID]
		if !ok {
			return lastErr
		}
		if st.phase == phaseDirty && st.timer.Stop() {
			// Claimed the pending push; run it inline.
			st.phase = phaseUploading
			s.mu.Unlock()
			err := s.uploadWithRetries(ctx, docID)
			s.mu.Lock()
			s.finishLocked(docID)
			lastErr = err
			continue
		}
		// Timer already fired or an upload is inflight; wait for the
		// background goroutine to finish and re-check.
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
}

// TestWaitForPushes expedites pending debounce timers and blocks until every
// document is Idle. Test hook.
func (s *Scheduler) TestWaitForPushes(ctx context.Context) error {
	s.mu.Lock()
	s.expediteLocked()

	done := make(chan struct{})
	go func() {
		defer s.mu.Unlock()
		defer close(done)
		for len(s.docs) > 0 {
			s.cond.Wait()
			s.expediteLocked()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The waiter goroutine exits on the next broadcast.
		return ctx.Err()
	}
}

// expediteLocked fires every pending debounce timer immediately.
func (s *Scheduler) expediteLocked() {
	for docID, st := range s.docs {
		if st.phase == phaseDirty && st.timer.Stop() {
			st.timer = time.AfterFunc(0, func() { s.fire(docID) })
		}
	}
}

// Close flushes all pending pushes and stops accepting notifications.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if err := s.TestWaitForPushes(ctx); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}
