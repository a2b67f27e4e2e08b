// Package backup produces a consistent copy of a live SQLite database file
// while readers and writers keep going. The copy proceeds in bounded chunks;
// a caller-supplied step lock is held only for the duration of one chunk, so
// concurrent writers wait at most one chunk interval at a time.
package backup

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gristlabs/grist-hsm/internal/logger"
)

// StepLocker serializes one backup step against the document's writers.
// docdb.Doc satisfies it with the per-document mutex.
type StepLocker interface {
	WithStepLock(fn func() error) error
}

// Phase tags the two sides of a backup step.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Event is emitted immediately before and after each locked copy step. The
// interval between a before/after pair bounds how long writers were stalled.
type Event struct {
	Phase   Phase
	Offset  int64
	Attempt int
	Time    time.Time
}

// Options tune the copy loop. The zero value is usable.
type Options struct {
	// ChunkSize is the number of bytes copied per locked step.
	// Defaults to 256 KiB.
	ChunkSize int

	// MaxRestarts bounds how often the copy starts over after detecting a
	// source mutation. Defaults to 10. Once exhausted, the final attempt
	// copies the whole file under a single step lock so the backup always
	// terminates.
	MaxRestarts int

	// OnEvent, when set, receives a paired before/after Event per step.
	OnEvent func(Event)
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 256 * 1024
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 10
	}
}

// sqliteHeaderSize is the portion of the file carrying the change counter.
const sqliteHeaderSize = 100

// changeCounterOffset locates the 4-byte file change counter SQLite bumps on
// every committed write transaction.
const changeCounterOffset = 24

// Backup copies the database at srcPath into dstPath. A pre-existing
// destination file is replaced. The copy is consistent: if the source
// changes mid-pass the pass restarts, bounded by Options.MaxRestarts, after
// which one full pass runs under the step lock.
func Backup(ctx context.Context, locker StepLocker, srcPath, dstPath string, opts Options) error {
	opts.applyDefaults()

	start := time.Now()
	for attempt := 1; attempt <= opts.MaxRestarts; attempt++ {
		ok, err := copyPass(ctx, locker, srcPath, dstPath, opts, attempt)
		if err != nil {
			return err
		}
		if ok {
			logger.Debug("backup complete",
				logger.Path(dstPath),
				logger.Attempt(attempt),
				logger.DurationMs(logger.Duration(start)))
			return nil
		}
		logger.Debug("source changed during backup, restarting",
			logger.Path(srcPath), logger.Attempt(attempt))
	}

	// The source would not sit still; copy it in one locked pass. Writers
	// stall for the whole copy, but the backup terminates.
	logger.Warn("backup falling back to locked full copy",
		logger.Path(srcPath), logger.Attempt(opts.MaxRestarts))
	return lockedFullCopy(ctx, locker, srcPath, dstPath, opts)
}

// copyPass performs one chunked pass. Returns false (and no error) when the
// source mutated and the pass must restart.
func copyPass(ctx context.Context, locker StepLocker, srcPath, dstPath string, opts Options, attempt int) (bool, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return false, fmt.Errorf("failed to open backup source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open backup destination: %w", err)
	}
	defer dst.Close()

	var (
		baseline counterState
		size     int64
	)
	if err := lockedStep(locker, opts, Event{Phase: PhaseBefore, Attempt: attempt}, func() error {
		baseline, err = readCounter(src)
		if err != nil {
			return err
		}
		info, err := src.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat backup source: %w", err)
		}
		size = info.Size()
		return nil
	}); err != nil {
		return false, err
	}

	buf := make([]byte, opts.ChunkSize)
	for offset := int64(0); offset < size; offset += int64(opts.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		changed := false
		step := func() error {
			now, err := readCounter(src)
			if err != nil {
				return err
			}
			if now != baseline {
				changed = true
				return nil
			}
			n, err := src.ReadAt(buf, offset)
			if err != nil && err != io.EOF {
				return fmt.Errorf("failed to read backup source: %w", err)
			}
			if _, err := dst.WriteAt(buf[:n], offset); err != nil {
				return fmt.Errorf("failed to write backup destination: %w", err)
			}
			return nil
		}
		if err := lockedStep(locker, opts, Event{Phase: PhaseBefore, Offset: offset, Attempt: attempt}, step); err != nil {
			return false, err
		}
		if changed {
			return false, nil
		}
	}

	// Final verification under the lock: counter and size both unmoved
	// since the pass began.
	consistent := false
	if err := lockedStep(locker, opts, Event{Phase: PhaseBefore, Offset: size, Attempt: attempt}, func() error {
		now, err := readCounter(src)
		if err != nil {
			return err
		}
		info, err := src.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat backup source: %w", err)
		}
		consistent = now == baseline && info.Size() == size
		return nil
	}); err != nil {
		return false, err
	}
	if !consistent {
		return false, nil
	}

	if err := dst.Sync(); err != nil {
		return false, fmt.Errorf("failed to sync backup: %w", err)
	}
	return true, nil
}

// lockedFullCopy copies the whole source under a single step lock.
func lockedFullCopy(ctx context.Context, locker StepLocker, srcPath, dstPath string, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return lockedStep(locker, opts, Event{Phase: PhaseBefore, Attempt: opts.MaxRestarts + 1}, func() error {
		src, err := os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("failed to open backup source: %w", err)
		}
		defer src.Close()

		dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("failed to open backup destination: %w", err)
		}
		defer dst.Close()

		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("failed to copy backup: %w", err)
		}
		return dst.Sync()
	})
}

// lockedStep runs fn under the step lock, bracketed by the before/after
// events.
func lockedStep(locker StepLocker, opts Options, before Event, fn func() error) error {
	if opts.OnEvent != nil {
		before.Time = time.Now()
		opts.OnEvent(before)
	}
	err := locker.WithStepLock(fn)
	if opts.OnEvent != nil {
		after := before
		after.Phase = PhaseAfter
		after.Time = time.Now()
		opts.OnEvent(after)
	}
	return err
}

// counterState is the SQLite file change counter plus the schema cookie
// style version counter at offset 92, which also moves on commit.
type counterState struct {
	change  uint32
	version uint32
}

func readCounter(src *os.File) (counterState, error) {
	header := make([]byte, sqliteHeaderSize)
	n, err := src.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return counterState{}, fmt.Errorf("failed to read database header: %w", err)
	}
	if n < sqliteHeaderSize {
		// Shorter than a SQLite header; treat as a static file.
		return counterState{}, nil
	}
	return counterState{
		change:  binary.BigEndian.Uint32(header[changeCounterOffset:]),
		version: binary.BigEndian.Uint32(header[92:]),
	}, nil
}
