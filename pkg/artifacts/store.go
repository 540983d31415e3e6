// Package artifacts stores artifact bytes by content address and resolves
// declared artifacts into content associations.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no artifact has the requested digest.
var ErrNotFound = errors.New("artifact not found")

// ErrGCSNotLinked is returned for gcs storage by builds without -tags gcp.
var ErrGCSNotLinked = errors.New("GCS artifact storage needs a build with -tags gcp")

// Store defines the contract for Content-Addressed Storage (CAS) of artifacts.
// Artifacts are identified by their digest, "sha256:<hex>", and are
// write-once: storing the same bytes twice yields the same digest and keeps
// a single copy.
type Store interface {
	// Store persists data and returns its digest.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether an artifact with digest is stored.
	Exists(ctx context.Context, digest string) (bool, error)
	// Delete removes an artifact by digest.
	Delete(ctx context.Context, digest string) error
}

// Digest returns the content address of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ParseDigest validates a "sha256:<hex>" digest and returns the hex part.
func ParseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length: %s", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return raw, nil
}

// blobKey lays blobs out as <first two hex chars>/<hex>, which keeps
// directories and object listings small.
func blobKey(raw string) string {
	return raw[:2] + "/" + raw
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a new CAS store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: artifacts are served to downstream consumers
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(blobKey(raw)))
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	raw := strings.TrimPrefix(digest, "sha256:")
	path := s.path(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	//nolint:gosec // G301: see NewFileStore
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create shard dir: %w", err)
	}

	// Write to temp, then rename
	tmp, err := os.CreateTemp(filepath.Dir(path), raw+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("read blob %s: %w", digest, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob %s: %w", digest, err)
}

func (s *FileStore) Delete(ctx context.Context, digest string) error {
	raw, err := ParseDigest(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// MemoryStore keeps artifacts in memory. It is used by tests and by
// short-lived CLI runs that do not need durable blobs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	puts  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Store(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[digest]; !ok {
		s.blobs[digest] = append([]byte(nil), data...)
		s.puts++
	}
	return digest, nil
}

func (s *MemoryStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if _, err := ParseDigest(digest); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, digest string) (bool, error) {
	if _, err := ParseDigest(digest); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[digest]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, digest)
	return nil
}

// Len returns the number of distinct artifacts stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
