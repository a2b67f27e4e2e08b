package local

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Token computes the content token of a file: the hex SHA-256 of its bytes.
// The same derivation runs on every worker, so a token stored in the shared
// registry identifies exact content regardless of where it was hashed.
func Token(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %q for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TokenOfDoc computes the token of a document's local copy. Returns
// ErrNotFound when there is no local copy.
func (s *Store) TokenOfDoc(docID string) (string, error) {
	path := s.PathFor(docID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", ErrNotFound
	}
	return Token(path)
}
