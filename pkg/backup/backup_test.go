package backup

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mutexLocker is the simplest StepLocker: a plain mutex, the same shape the
// document layer provides.
type mutexLocker struct {
	mu sync.Mutex

	// onStep, when set, runs inside the lock before fn. Lets tests mutate
	// the source at a point the copy loop is guaranteed to observe.
	onStep func()
}

func (l *mutexLocker) WithStepLock(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onStep != nil {
		l.onStep()
	}
	return fn()
}

// fakeDB writes a file shaped like a SQLite database: a 100-byte header with
// a change counter, followed by payload.
func fakeDB(t *testing.T, path string, counter uint32, payload []byte) {
	t.Helper()
	data := make([]byte, 100+len(payload))
	binary.BigEndian.PutUint32(data[24:], counter)
	binary.BigEndian.PutUint32(data[92:], counter)
	copy(data[100:], payload)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func bumpCounter(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	header := make([]byte, 4)
	_, err = f.ReadAt(header, 24)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(header, binary.BigEndian.Uint32(header)+1)
	_, err = f.WriteAt(header, 24)
	require.NoError(t, err)
	_, err = f.WriteAt(header, 92)
	require.NoError(t, err)
}

func TestBackup_CopiesQuietSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.grist")
	dst := filepath.Join(dir, "doc.grist-backup")

	payload := bytes.Repeat([]byte("abc123"), 10_000)
	fakeDB(t, src, 7, payload)

	err := Backup(context.Background(), &mutexLocker{}, src, dst, Options{ChunkSize: 4096})
	require.NoError(t, err)

	want, _ := os.ReadFile(src)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBackup_ReplacesGarbageDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.grist")
	dst := filepath.Join(dir, "doc.grist-backup")

	fakeDB(t, src, 1, []byte("real content"))
	// A crashed earlier backup left junk behind, longer than the source.
	require.NoError(t, os.WriteFile(dst, bytes.Repeat([]byte{0xff}, 5000), 0644))

	require.NoError(t, Backup(context.Background(), &mutexLocker{}, src, dst, Options{}))

	want, _ := os.ReadFile(src)
	got, _ := os.ReadFile(dst)
	require.Equal(t, want, got)
}

func TestBackup_RestartsOnMutation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.grist")
	dst := filepath.Join(dir, "doc.grist-backup")

	payload := bytes.Repeat([]byte("x"), 64*1024)
	fakeDB(t, src, 1, payload)

	// Mutate the source once, mid-copy. The first pass must abort and the
	// second must succeed.
	steps := 0
	locker := &mutexLocker{}
	locker.onStep = func() {
		steps++
		if steps == 3 {
			bumpCounter(t, src)
		}
	}

	var attempts []int
	opts := Options{
		ChunkSize: 8 * 1024,
		OnEvent: func(ev Event) {
			if ev.Phase == PhaseBefore {
				attempts = append(attempts, ev.Attempt)
			}
		},
	}
	require.NoError(t, Backup(context.Background(), locker, src, dst, opts))

	require.Contains(t, attempts, 2, "expected a restarted pass")

	want, _ := os.ReadFile(src)
	got, _ := os.ReadFile(dst)
	require.Equal(t, want, got)
}

func TestBackup_LockedFallbackTerminates(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.grist")
	dst := filepath.Join(dir, "doc.grist-backup")

	fakeDB(t, src, 1, bytes.Repeat([]byte("y"), 32*1024))

	// Mutate on every step so chunked passes can never finish. The final
	// locked full copy must still complete.
	locker := &mutexLocker{}
	locker.onStep = func() { bumpCounter(t, src) }

	require.NoError(t, Backup(context.Background(), locker, src, dst, Options{
		ChunkSize:   8 * 1024,
		MaxRestarts: 3,
	}))

	want, _ := os.ReadFile(src)
	got, _ := os.ReadFile(dst)
	require.Equal(t, want, got)
}

func TestBackup_EventsArePaired(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.grist")
	dst := filepath.Join(dir, "doc.grist-backup")

	fakeDB(t, src, 1, bytes.Repeat([]byte("z"), 40*1024))

	var events []Event
	require.NoError(t, Backup(context.Background(), &mutexLocker{}, src, dst, Options{
		ChunkSize: 4 * 1024,
		OnEvent:   func(ev Event) { events = append(events, ev) },
	}))

	require.NotEmpty(t, events)
	require.Zero(t, len(events)%2)
	for i := 0; i < len(events); i += 2 {
		require.Equal(t, PhaseBefore, events[i].Phase)
		require.Equal(t, PhaseAfter, events[i+1].Phase)
		require.Equal(t, events[i].Offset, events[i+1].Offset)
		require.False(t, events[i+1].Time.Before(events[i].Time))
	}
}

func TestBackup_StepsStayResponsive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.grist")
	dst := filepath.Join(dir, "doc.grist-backup")

	// A few megabytes at the default chunk size, so the copy takes many
	// steps. Writers wait at most one step, so no before/after pair may
	// stretch past 100ms.
	fakeDB(t, src, 1, bytes.Repeat([]byte("r"), 4*1024*1024))

	var events []Event
	require.NoError(t, Backup(context.Background(), &mutexLocker{}, src, dst, Options{
		ChunkSize: 64 * 1024,
		OnEvent:   func(ev Event) { events = append(events, ev) },
	}))

	require.GreaterOrEqual(t, len(events), 2*64)
	for i := 0; i < len(events); i += 2 {
		held := events[i+1].Time.Sub(events[i].Time)
		require.Less(t, held, 100*time.Millisecond,
			"step at offset %d held the lock for %v", events[i].Offset, held)
	}

	want, _ := os.ReadFile(src)
	got, _ := os.ReadFile(dst)
	require.Equal(t, want, got)
}

func TestBackup_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.grist")
	dst := filepath.Join(dir, "doc.grist-backup")

	fakeDB(t, src, 1, bytes.Repeat([]byte("c"), 64*1024))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backup(ctx, &mutexLocker{}, src, dst, Options{ChunkSize: 1024})
	require.ErrorIs(t, err, context.Canceled)
}
