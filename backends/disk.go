package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/richardartoul/tieredcache/cachekey"
	"github.com/richardartoul/tieredcache/locking"
)

// Disk implements Backend using a directory on the local file system. It is
// the legacy local tier: entries go through a temp file like the remote
// tiers, unlike the in-process local tier.
type Disk struct {
	baseDir string
	locker  locking.Group
}

// NewDisk creates a new disk-based cache backend rooted at baseDir.
// locker serializes writers of the same key; pass a locking.FlockGroup when
// several processes share baseDir.
func NewDisk(baseDir string, locker locking.Group) (*Disk, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if locker == nil {
		locker = locking.NewMemLock()
	}

	return &Disk{
		baseDir: baseDir,
		locker:  locker,
	}, nil
}

// Get implements Backend.
func (d *Disk) Get(_ context.Context, key cachekey.Key) (io.ReadCloser, int64, bool, error) {
	file, err := os.Open(d.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("failed to open cache file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, false, fmt.Errorf("failed to stat cache file: %w", err)
	}

	return file, info.Size(), false, nil
}

// Put implements Backend.
func (d *Disk) Put(_ context.Context, key cachekey.Key, body io.Reader, size int64) error {
	_, err := d.locker.DoWithLock(key.Hex(), func() (interface{}, error) {
		return nil, d.write(key, body, size)
	})
	return err
}

func (d *Disk) write(key cachekey.Key, body io.Reader, size int64) error {
	diskPath := d.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(diskPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(diskPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	written, err := io.Copy(tmpFile, body)
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close cache file: %w", closeErr)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Close implements Backend.
func (d *Disk) Close() error {
	// No cleanup needed for disk backend
	return nil
}

// Clear implements Backend.
func (d *Disk) Clear(_ context.Context) error {
	// os.RemoveAll is idempotent - it doesn't error if path doesn't exist
	if err := os.RemoveAll(d.baseDir); err != nil {
		return fmt.Errorf("failed to remove cache directory: %w", err)
	}
	if err := os.MkdirAll(d.baseDir, 0755); err != nil {
		return fmt.Errorf("failed to recreate cache directory: %w", err)
	}
	return nil
}

// keyToPath converts a key to a file path. Files are spread over 256
// subdirectories named after the first byte of the key.
func (d *Disk) keyToPath(key cachekey.Key) string {
	return filepath.Join(d.baseDir, key.Shard(), key.Hex())
}
