package backends

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/richardartoul/tieredcache/cachekey"
)

// Debug wraps any Backend and logs every call with its duration.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger,
	}
}

// Get implements Backend.
func (d *Debug) Get(ctx context.Context, key cachekey.Key) (io.ReadCloser, int64, bool, error) {
	start := time.Now()
	body, size, miss, err := d.backend.Get(ctx, key)
	duration := time.Since(start)

	switch {
	case err != nil:
		d.logger.Debug("backend get failed", "key", key, "duration", duration, "error", err)
	case miss:
		d.logger.Debug("backend get miss", "key", key, "duration", duration)
	default:
		d.logger.Debug("backend get hit", "key", key, "size", size, "duration", duration)
	}

	return body, size, miss, err
}

// Put implements Backend.
func (d *Debug) Put(ctx context.Context, key cachekey.Key, body io.Reader, size int64) error {
	start := time.Now()
	err := d.backend.Put(ctx, key, body, size)
	duration := time.Since(start)

	if err != nil {
		d.logger.Debug("backend put failed", "key", key, "size", size, "duration", duration, "error", err)
		return err
	}

	d.logger.Debug("backend put", "key", key, "size", size, "duration", duration)
	return nil
}

// Close implements Backend.
func (d *Debug) Close() error {
	start := time.Now()
	err := d.backend.Close()
	d.logger.Debug("backend closed", "duration", time.Since(start), "error", err)
	return err
}

// Clear implements Backend.
func (d *Debug) Clear(ctx context.Context) error {
	start := time.Now()
	err := d.backend.Clear(ctx)
	d.logger.Debug("backend cleared", "duration", time.Since(start), "error", err)
	return err
}
