package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxConfigFileSize is the maximum allowed config file size (1 MiB).
const maxConfigFileSize = 1 << 20

// ErrFileTooLarge is returned when a config file exceeds maxConfigFileSize.
var ErrFileTooLarge = errors.New("config file exceeds maximum allowed size (1 MiB)")

// ErrPathTraversal is returned when a config file path contains path traversal.
var ErrPathTraversal = errors.New("config file path contains path traversal")

// FileStore loads the YAML config from a file on disk. Each Load returns a
// version string, the SHA-256 hex digest of the raw bytes, so callers can
// tell whether the file changed since the last load.
type FileStore struct {
	path    string
	mu      sync.Mutex
	version string // cached digest of the last loaded content
}

// NewFileStore creates a FileStore for the given path. The file does not need
// to exist yet; Load returns an error if it is missing.
func NewFileStore(path string) (*FileStore, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

func validatePath(path string) error {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return ErrPathTraversal
		}
	}
	return nil
}

// Path returns the file path managed by this store.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and parses the config file and returns it with its version.
func (s *FileStore) Load(_ context.Context) (*Config, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, "", fmt.Errorf("config store: read %s: %w", s.path, err)
	}
	if int64(len(data)) > maxConfigFileSize {
		return nil, "", fmt.Errorf("config store: %s: %w", s.path, ErrFileTooLarge)
	}

	version := hashBytes(data)
	cfg, err := Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("config store: %s: %w", s.path, err)
	}
	s.version = version
	return cfg, version, nil
}

// Version returns the digest of the last successful Load, or empty.
func (s *FileStore) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}
