// Package artifacts exports published policy versions to content-addressed
// storage. Blobs are keyed by the SHA-256 of their bytes, so re-exporting an
// unchanged policy is a no-op.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/workgraph/pkg/canonicalize"
)

const hashPrefix = "sha256:"

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("artifact not found")

// Store is a content-addressed blob store.
type Store interface {
	// Put persists data and returns its "sha256:"-prefixed content hash.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

func contentHash(data []byte) (prefixed, raw string) {
	raw = canonicalize.HashBytes(data)
	return hashPrefix + raw, raw
}

// rawHash strips and validates the "sha256:" prefix.
func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".json"
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // shared export directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefixed, raw := contentHash(data)
	path := filepath.Join(s.baseDir, objectKey("", raw))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}

	// Write to temp, then rename.
	tmp := path + ".tmp"
	//nolint:gosec // exported policies are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}
	return prefixed, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, objectKey("", raw))) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectKey("", raw)))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}
