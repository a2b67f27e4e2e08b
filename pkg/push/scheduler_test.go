package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushRecorder counts pushes per document and can fail a prefix of attempts.
type pushRecorder struct {
	mu       sync.Mutex
	counts   map[string]int
	inflight map[string]int
	overlap  bool
	failures int
	failWith error
	delay    time.Duration
}

func newPushRecorder() *pushRecorder {
	return &pushRecorder{counts: make(map[string]int), inflight: make(map[string]int)}
}

func (r *pushRecorder) push(ctx context.Context, docID string) error {
	r.mu.Lock()
	r.counts[docID]++
	r.inflight[docID]++
	if r.inflight[docID] > 1 {
		r.overlap = true
	}
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	r.inflight[docID]--
	r.mu.Unlock()

	if fail {
		return r.failWith
	}
	return nil
}

func (r *pushRecorder) count(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[docID]
}

func testOptions() Options {
	return Options{
		Debounce:        10 * time.Millisecond,
		FirstRetryDelay: 5 * time.Millisecond,
		MaxAttempts:     3,
	}
}

func waitForPushes(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.TestWaitForPushes(ctx))
}

func TestMarkDirty_DebouncesSinglePush(t *testing.T) {
	rec := newPushRecorder()
	s := New(rec.push, testOptions())

	for i := 0; i < 20; i++ {
		s.MarkDirty("d1")
	}
	require.True(t, s.NeedsUpdate())

	waitForPushes(t, s)
	assert.Equal(t, 1, rec.count("d1"))
	assert.False(t, s.NeedsUpdate())
}

func TestMarkDirty_DuringUploadCoalescesToOneFollowUp(t *testing.T) {
	rec := newPushRecorder()
	rec.delay = 50 * time.Millisecond
	s := New(rec.push, testOptions())

	s.MarkDirty("d1")

	// Wait for the upload to start, then pile on notifications.
	require.Eventually(t, func() bool { return rec.count("d1") == 1 },
		2*time.Second, time.Millisecond)
	for i := 0; i < 10; i++ {
		s.MarkDirty("d1")
	}

	waitForPushes(t, s)
	assert.Equal(t, 2, rec.count("d1"))
}

func TestPushes_NeverOverlapPerDoc(t *testing.T) {
	rec := newPushRecorder()
	rec.delay = 5 * time.Millisecond
	s := New(rec.push, testOptions())

	for i := 0; i < 5; i++ {
		s.MarkDirty("d1")
		s.MarkDirty("d2")
		time.Sleep(15 * time.Millisecond)
	}

	waitForPushes(t, s)
	assert.False(t, rec.overlap, "two uploads ran concurrently for one document")
	assert.GreaterOrEqual(t, rec.count("d1"), 1)
	assert.GreaterOrEqual(t, rec.count("d2"), 1)
}

func TestRetry_TransientFailureThenSuccess(t *testing.T) {
	rec := newPushRecorder()
	rec.failures = 2
	rec.failWith = errors.New("connection reset")
	s := New(rec.push, testOptions())

	s.MarkDirty("d1")
	waitForPushes(t, s)

	assert.Equal(t, 3, rec.count("d1"))
}

func TestRetry_FatalFailureStopsImmediately(t *testing.T) {
	fatal := errors.New("access denied")
	rec := newPushRecorder()
	rec.failures = 10
	rec.failWith = fatal

	opts := testOptions()
	opts.IsFatal = func(err error) bool { return errors.Is(err, fatal) }
	s := New(rec.push, opts)

	s.MarkDirty("d1")
	waitForPushes(t, s)

	assert.Equal(t, 1, rec.count("d1"))
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	rec := newPushRecorder()
	rec.failures = 100
	rec.failWith = errors.New("still down")
	s := New(rec.push, testOptions())

	s.MarkDirty("d1")
	waitForPushes(t, s)

	assert.Equal(t, 3, rec.count("d1"))
	assert.False(t, s.NeedsUpdate())
}

func TestCloseDoc_ForcesFinalPush(t *testing.T) {
	rec := newPushRecorder()
	opts := testOptions()
	opts.Debounce = time.Hour // never fires on its own
	s := New(rec.push, opts)

	s.MarkDirty("d1")
	require.NoError(t, s.CloseDoc(context.Background(), "d1"))

	assert.Equal(t, 1, rec.count("d1"))
	assert.False(t, s.NeedsUpdate())
}

func TestCloseDoc_WaitsOutInflightUpload(t *testing.T) {
	rec := newPushRecorder()
	rec.delay = 50 * time.Millisecond
	s := New(rec.push, testOptions())

	s.MarkDirty("d1")
	require.Eventually(t, func() bool { return rec.count("d1") == 1 },
		2*time.Second, time.Millisecond)
	s.MarkDirty("d1") // follow-up lands mid-upload

	require.NoError(t, s.CloseDoc(context.Background(), "d1"))
	assert.Equal(t, 2, rec.count("d1"))
	assert.False(t, s.NeedsUpdate())
}

func TestCloseDoc_IdleDocIsNoop(t *testing.T) {
	rec := newPushRecorder()
	s := New(rec.push, testOptions())

	require.NoError(t, s.CloseDoc(context.Background(), "never-seen"))
	assert.Zero(t, rec.count("never-seen"))
}

func TestClose_FlushesEverything(t *testing.T) {
	rec := newPushRecorder()
	s := New(rec.push, testOptions())

	s.MarkDirty("d1")
	s.MarkDirty("d2")
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, 1, rec.count("d1"))
	assert.Equal(t, 1, rec.count("d2"))

	// Notifications after shutdown are dropped.
	s.MarkDirty("d3")
	assert.False(t, s.NeedsUpdate())
}

func TestConcurrencyCeiling(t *testing.T) {
	var inflight, peak atomic.Int32
	push := func(ctx context.Context, docID string) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}

	opts := testOptions()
	opts.MaxConcurrent = 2
	s := New(push, opts)

	for i := 0; i < 8; i++ {
		s.MarkDirty(string(rune('a' + i)))
	}
	waitForPushes(t, s)

	assert.LessOrEqual(t, peak.Load(), int32(2))
}
