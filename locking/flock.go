package locking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultFlockTimeout bounds how long FlockGroup waits for a lock.
const DefaultFlockTimeout = 10 * time.Second

// FlockGroup is a Group that uses filesystem locks, so it excludes callers
// across processes sharing lockDir as well as goroutines in one process.
type FlockGroup struct {
	lockDir string
	timeout time.Duration
}

// NewFlockGroup creates a new FlockGroup. If lockDir is empty it defaults to
// os.TempDir()/tieredcache-locks. A non-positive timeout uses
// DefaultFlockTimeout.
func NewFlockGroup(lockDir string, timeout time.Duration) (*FlockGroup, error) {
	if lockDir == "" {
		lockDir = filepath.Join(os.TempDir(), "tieredcache-locks")
	}
	if timeout <= 0 {
		timeout = DefaultFlockTimeout
	}

	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FlockGroup{
		lockDir: lockDir,
		timeout: timeout,
	}, nil
}

// DoWithLock implements Group.
func (g *FlockGroup) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	// Hash the key to get a safe filename.
	hash := sha256.Sum256([]byte(key))
	lockPath := filepath.Join(g.lockDir, hex.EncodeToString(hash[:])+".lock")

	fileLock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	acquired, err := fileLock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("failed to acquire lock: timeout")
	}
	defer fileLock.Unlock()

	return fn()
}
