// Package local implements the in-process local cache tier. Entries live in
// a sharded directory and are handed to readers as open files, without going
// through a temp file first.
package local

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/richardartoul/tieredcache/cachekey"
)

// fileFormatVersion prefixes every entry name so that a change to the entry
// format never reads files written by an older version.
const fileFormatVersion = "v1-"

// Cache manages the local disk cache.
type Cache struct {
	cacheDir string // Absolute path to cache directory
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new local cache rooted at cacheDir.
func New(cacheDir string, logger *slog.Logger) (*Cache, error) {
	// Convert to absolute path once at initialization
	absCacheDir, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := createShards(absCacheDir); err != nil {
		return nil, err
	}

	return &Cache{
		cacheDir: absCacheDir,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// createShards precreates all 256 subdirectories (00-ff) to avoid syscalls
// during writes.
func createShards(dir string) error {
	for i := 0; i < 256; i++ {
		subdir := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(dir, subdir), 0755); err != nil {
			return fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}
	return nil
}

// Load opens the entry for key and passes it to reader. It reports false
// when there is no entry. The error returned by reader is returned as is.
func (c *Cache) Load(key cachekey.Key, reader func(file *os.File) error) (bool, error) {
	path := c.keyToPath(key)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open local cache entry: %w", err)
	}
	defer file.Close()

	// Mark the entry as recently used so Trim keeps it.
	now := c.now()
	if err := os.Chtimes(path, now, now); err != nil {
		c.logger.Warn("failed to update local cache entry access time",
			"key", key,
			"error", err)
	}

	if err := reader(file); err != nil {
		return true, err
	}
	return true, nil
}

// Store copies the file at path into the cache under key.
func (c *Cache) Store(key cachekey.Key, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	diskPath := c.keyToPath(key)

	// Write to temp file first for atomic operation.
	tmpFile, err := os.CreateTemp(filepath.Dir(diskPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	_, err = io.Copy(tmpFile, src)
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	// Then atomically rename the temp file to the final destination. This
	// prevents any partial cache files from ever being observed by Load.
	if err := os.Rename(tmpPath, diskPath); err != nil {
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Remove deletes the entry for key if it exists.
func (c *Cache) Remove(key cachekey.Key) error {
	if err := os.Remove(c.keyToPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove local cache entry: %w", err)
	}
	return nil
}

// Trim removes entries that have not been stored or loaded within maxAge.
// It returns the number of entries removed.
func (c *Cache) Trim(maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge)
	removed := 0

	err := filepath.WalkDir(c.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), fileFormatVersion) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to trim local cache: %w", err)
	}
	return removed, nil
}

// Clear removes every entry from the cache.
func (c *Cache) Clear() error {
	if err := os.RemoveAll(c.cacheDir); err != nil {
		return fmt.Errorf("failed to remove cache directory: %w", err)
	}
	return createShards(c.cacheDir)
}

// Close implements the controller's local service contract. Entries are
// always flushed by Store, so there is nothing to release.
func (c *Cache) Close() error {
	return nil
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string {
	return c.cacheDir
}

// keyToPath converts a key to its entry path. Files are organized into 256
// subdirectories (00-ff) based on the first byte of the key, similar to Go's
// build cache structure.
func (c *Cache) keyToPath(key cachekey.Key) string {
	return filepath.Join(c.cacheDir, key.Shard(), fileFormatVersion+key.Hex())
}
