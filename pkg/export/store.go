// Package export seals evidence bundles into self-contained JSON documents
// and writes them to content-addressed object storage.
package export

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/callmonitor/evidence/pkg/canonicalize"
)

// ObjectStore is content-addressed storage for sealed exports. Keys are
// "sha256:<hex>" addresses derived from the stored bytes.
type ObjectStore interface {
	// Store persists data and returns its content address.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content address.
	Get(ctx context.Context, addr string) ([]byte, error)
	// Exists checks whether a content address is already stored.
	Exists(ctx context.Context, addr string) (bool, error)
}

func contentAddress(data []byte) (prefixed, raw string) {
	raw = canonicalize.HashBytes(data)
	return "sha256:" + raw, raw
}

func parseAddress(addr string) (string, error) {
	raw, ok := strings.CutPrefix(addr, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid content address: %s", addr)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid content address hex: %w", err)
	}
	return raw, nil
}

// FileStore is a filesystem-backed ObjectStore.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure export dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, raw := contentAddress(data)
	path := filepath.Join(s.baseDir, raw+".json")

	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("commit export: %w", err)
	}
	return addr, nil
}

func (s *FileStore) Get(ctx context.Context, addr string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.baseDir, raw+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("export not found: %s", addr)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(s.baseDir, raw+".json")); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
