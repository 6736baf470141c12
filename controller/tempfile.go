package controller

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/richardartoul/tieredcache/cachekey"
)

// TempFileStore hands out temporary files scoped to a single call.
type TempFileStore interface {
	// Allocate creates a uniquely named empty file associated with key,
	// runs fn with its path and removes the file once fn returns or panics.
	Allocate(key cachekey.Key, fn func(path string) error) error
}

// DirTempFileStore allocates temp files in a single directory.
type DirTempFileStore struct {
	dir string
}

// NewDirTempFileStore creates dir if needed and returns a store that
// allocates files in it. An empty dir means os.TempDir().
func NewDirTempFileStore(dir string) (*DirTempFileStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &DirTempFileStore{dir: dir}, nil
}

// Allocate implements TempFileStore.
func (s *DirTempFileStore) Allocate(key cachekey.Key, fn func(path string) error) error {
	path := filepath.Join(s.dir, key.Hex()+"-"+uuid.NewString()+".tmp")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to allocate temp file for %s: %w", key, err)
	}
	file.Close()
	defer os.Remove(path)

	return fn(path)
}
