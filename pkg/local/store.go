// Package local manages the worker-private directory of document files.
//
// Each document lives at <root>/<docId>.grist with a sibling hash-marker
// file recording the token of the last content this worker trusted. The
// directory is private to one worker; the worker map guarantees no other
// process touches it.
package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gristlabs/grist-hsm/internal/logger"
)

const (
	// DocSuffix is the file extension of document databases.
	DocSuffix = ".grist"

	// hashMarkerSuffix is appended to the document path for the marker file.
	hashMarkerSuffix = "-hash-doc"

	// backupSuffix marks in-progress live-backup destinations. Leftovers
	// from a crash are swept on startup.
	backupSuffix = ".grist-backup"
)

// ErrNotFound is returned when a document has no local copy.
var ErrNotFound = errors.New("no local copy")

// Store is a filesystem-rooted store of document files.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create document root %q: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// Root returns the configured root directory.
func (s *Store) Root() string { return s.root }

// PathFor returns the path of the document's SQLite file.
func (s *Store) PathFor(docID string) string {
	return filepath.Join(s.root, docID+DocSuffix)
}

// HashMarkerFor returns the path of the document's hash-marker file. The
// marker caches the last known token so opening a document does not require
// hashing the whole database.
func (s *Store) HashMarkerFor(docID string) string {
	return s.PathFor(docID) + hashMarkerSuffix
}

// BackupPathFor returns the live-backup destination for the document.
func (s *Store) BackupPathFor(docID string) string {
	return filepath.Join(s.root, docID+backupSuffix)
}

// Exists reports whether the document has a local copy.
func (s *Store) Exists(docID string) bool {
	_, err := os.Stat(s.PathFor(docID))
	return err == nil
}

// ReadHashMarker returns the token recorded for the document, or "" when
// the marker is absent.
func (s *Store) ReadHashMarker(docID string) (string, error) {
	data, err := os.ReadFile(s.HashMarkerFor(docID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read hash marker for %s: %w", docID, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteHashMarker records the token for the document.
func (s *Store) WriteHashMarker(docID, token string) error {
	if err := os.WriteFile(s.HashMarkerFor(docID), []byte(token+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write hash marker for %s: %w", docID, err)
	}
	return nil
}

// AtomicReplace replaces the document file with the contents of srcPath.
// The bytes land in a temp file in the same directory, get synced, and are
// renamed over the destination so readers never observe a partial file.
func (s *Store) AtomicReplace(docID, srcPath string) error {
	dst := s.PathFor(docID)

	tmp, err := os.CreateTemp(s.root, docID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	src, err := os.Open(srcPath)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to open %q: %w", srcPath, err)
	}
	_, copyErr := io.Copy(tmp, src)
	src.Close()
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to stage replacement for %s: %w", docID, copyErr)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", docID, err)
	}
	return nil
}

// AdoptFile moves an already-staged file (for example a finished download in
// the same directory) over the document path.
func (s *Store) AdoptFile(docID, stagedPath string) error {
	if err := os.Rename(stagedPath, s.PathFor(docID)); err != nil {
		return fmt.Errorf("failed to adopt staged file for %s: %w", docID, err)
	}
	return nil
}

// Remove deletes the document file and its marker. Missing files are fine;
// Remove is part of idempotent deletion.
func (s *Store) Remove(docID string) error {
	for _, path := range []string{s.PathFor(docID), s.HashMarkerFor(docID), s.BackupPathFor(docID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %q: %w", path, err)
		}
	}
	return nil
}

// RenameAside quarantines an untrusted local copy so a fresh download can
// take its place. Returns the quarantine path.
func (s *Store) RenameAside(docID string) (string, error) {
	src := s.PathFor(docID)
	aside := fmt.Sprintf("%s-conflict-%d", src, time.Now().UnixNano())
	if err := os.Rename(src, aside); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to quarantine %s: %w", docID, err)
	}
	// The marker refers to the quarantined content, not whatever replaces it.
	if err := os.Remove(s.HashMarkerFor(docID)); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to drop hash marker for %s: %w", docID, err)
	}
	return aside, nil
}

// ListDocs returns the ids of all documents with a local copy.
func (s *Store) ListDocs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", s.root, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, DocSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, DocSuffix))
	}
	return ids, nil
}

// CleanupBackups removes stray live-backup files left behind by crashes.
// Returns the number of files removed.
func (s *Store) CleanupBackups() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list %q: %w", s.root, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), backupSuffix) {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale backup file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
