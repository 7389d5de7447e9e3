// Package local writes documents to the filesystem for development runs
// without a bucket.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type BlobStore struct {
	baseDir string
}

// New creates baseDir if needed.
func New(baseDir string) (*BlobStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	return &BlobStore{baseDir: abs}, nil
}

// Put writes data below the base directory and returns a file:// URI. Keys
// that escape the base directory are rejected.
func (s *BlobStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, key))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the base directory", key)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	return "file://" + filepath.ToSlash(full), nil
}
