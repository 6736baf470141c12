package backends

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richardartoul/tieredcache/cachekey"
)

// Error wraps any Backend and randomly returns errors based on a configured percentage.
// This is useful for testing error handling and resilience.
type Error struct {
	backend   Backend
	errorRate float64 // Percentage of operations that should fail (0.0 to 1.0)

	rng   *rand.Rand
	rngMu sync.Mutex // Protects rng access (rand.Rand is not thread-safe)

	putErrors   atomic.Int64
	getErrors   atomic.Int64
	closeErrors atomic.Int64
	clearErrors atomic.Int64
}

// ErrorStats counts the failures injected per operation.
type ErrorStats struct {
	PutErrors   int64
	GetErrors   int64
	CloseErrors int64
	ClearErrors int64
}

// NewError creates a new error-injecting wrapper around an existing backend.
// errorRate is clamped to [0.0, 1.0].
func NewError(backend Backend, errorRate float64) *Error {
	if errorRate < 0.0 {
		errorRate = 0.0
	}
	if errorRate > 1.0 {
		errorRate = 1.0
	}

	return &Error{
		backend:   backend,
		errorRate: errorRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// shouldError returns true if this operation should fail based on the error rate.
func (e *Error) shouldError() bool {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < e.errorRate
}

// Get implements Backend.
func (e *Error) Get(ctx context.Context, key cachekey.Key) (io.ReadCloser, int64, bool, error) {
	if e.shouldError() {
		e.getErrors.Add(1)
		return nil, 0, false, fmt.Errorf("error backend: simulated Get error (error rate: %.2f%%)", e.errorRate*100)
	}
	return e.backend.Get(ctx, key)
}

// Put implements Backend.
func (e *Error) Put(ctx context.Context, key cachekey.Key, body io.Reader, size int64) error {
	if e.shouldError() {
		e.putErrors.Add(1)
		return fmt.Errorf("error backend: simulated Put error (error rate: %.2f%%)", e.errorRate*100)
	}
	return e.backend.Put(ctx, key, body, size)
}

// Close implements Backend. The wrapped backend is always closed, even when
// a failure is injected.
func (e *Error) Close() error {
	err := e.backend.Close()
	if e.shouldError() {
		e.closeErrors.Add(1)
		return fmt.Errorf("error backend: simulated Close error (error rate: %.2f%%)", e.errorRate*100)
	}
	return err
}

// Clear implements Backend.
func (e *Error) Clear(ctx context.Context) error {
	if e.shouldError() {
		e.clearErrors.Add(1)
		return fmt.Errorf("error backend: simulated Clear error (error rate: %.2f%%)", e.errorRate*100)
	}
	return e.backend.Clear(ctx)
}

// Stats returns the number of errors injected for each operation type.
func (e *Error) Stats() ErrorStats {
	return ErrorStats{
		PutErrors:   e.putErrors.Load(),
		GetErrors:   e.getErrors.Load(),
		CloseErrors: e.closeErrors.Load(),
		ClearErrors: e.clearErrors.Load(),
	}
}
