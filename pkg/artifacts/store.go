// Package artifacts builds content-addressed settlement documents, keeps
// their bodies in a blob store and fans them out to delivery destinations.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrBlobNotFound is returned when no blob exists at an address.
var ErrBlobNotFound = errors.New("artifacts: blob not found")

// Store is content-addressed blob storage. Addresses have the form
// "sha256:<hex>".
type Store interface {
	// Store persists data and returns its address. Storing the same bytes
	// twice is a no-op.
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
	Exists(ctx context.Context, address string) (bool, error)
	Delete(ctx context.Context, address string) error
}

// Address returns the CAS address of data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseAddress returns the hex digest of a "sha256:<hex>" address.
func parseAddress(address string) (string, error) {
	if len(address) < 7 || address[:7] != "sha256:" {
		return "", fmt.Errorf("invalid blob address: %s", address)
	}
	raw := address[7:]
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid blob address hex: %s", address)
	}
	return raw, nil
}

// FileStore keeps blobs as files named by digest.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := Address(data)
	path := s.path(address[7:])
	if _, err := os.Stat(path); err == nil {
		return address, nil
	}
	// Write to temp, then rename.
	tmp := path + ".tmp"
	//nolint:gosec // G306: blobs are readable documents
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return address, nil
}

func (s *FileStore) Get(_ context.Context, address string) ([]byte, error) {
	raw, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(raw)) //nolint:gosec // address validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, address)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, address string) (bool, error) {
	raw, err := parseAddress(address)
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
	return false, err
}

func (s *FileStore) Delete(_ context.Context, address string) error {
	raw, err := parseAddress(address)
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

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	address := Address(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[address]; !ok {
		s.blobs[address] = append([]byte(nil), data...)
	}
	return address, nil
}

func (s *MemoryStore) Get(_ context.Context, address string) ([]byte, error) {
	if _, err := parseAddress(address); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, address)
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Exists(_ context.Context, address string) (bool, error) {
	if _, err := parseAddress(address); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[address]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, address)
	return nil
}
