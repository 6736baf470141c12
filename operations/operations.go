// Package operations describes observable units of work such as packing or
// unpacking a cache entry. An Executor runs the work and records whatever
// it likes about it; Noop records nothing.
package operations

import (
	"log/slog"
	"time"
)

// Descriptor identifies an operation before it runs.
type Descriptor struct {
	DisplayName string
	Details     any
}

// Context is handed to the body of an operation so it can publish a result.
type Context interface {
	SetResult(result any)
}

// Executor runs a body as an observable operation. The body's error is
// returned unchanged.
type Executor interface {
	Run(desc Descriptor, body func(ctx Context) error) error
}

// Noop runs the body and records nothing.
type Noop struct{}

// Run implements Executor.
func (Noop) Run(_ Descriptor, body func(Context) error) error {
	return body(discard{})
}

type discard struct{}

func (discard) SetResult(any) {}

// Recorded is the completed form of an operation, passed to Listeners.
type Recorded struct {
	Descriptor Descriptor
	Result     any
	Duration   time.Duration
	Err        error
}

// Listener observes completed operations.
type Listener interface {
	OperationFinished(op Recorded)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(op Recorded)

// OperationFinished implements Listener.
func (f ListenerFunc) OperationFinished(op Recorded) { f(op) }

// Observing is an Executor that times each operation, captures its result
// and forwards the record to every listener.
type Observing struct {
	listeners []Listener
}

// NewObserving returns an Executor that reports to the given listeners.
func NewObserving(listeners ...Listener) *Observing {
	return &Observing{listeners: listeners}
}

// Run implements Executor.
func (o *Observing) Run(desc Descriptor, body func(Context) error) error {
	rc := &resultContext{}
	start := time.Now()
	err := body(rc)
	op := Recorded{
		Descriptor: desc,
		Result:     rc.result,
		Duration:   time.Since(start),
		Err:        err,
	}
	for _, l := range o.listeners {
		l.OperationFinished(op)
	}
	return err
}

type resultContext struct {
	result any
}

func (c *resultContext) SetResult(result any) {
	c.result = result
}

// NewLogging returns a Listener that logs every operation at debug level and
// failed ones at warn level.
func NewLogging(logger *slog.Logger) Listener {
	return ListenerFunc(func(op Recorded) {
		if op.Err != nil {
			logger.Warn("operation failed",
				"operation", op.Descriptor.DisplayName,
				"details", op.Descriptor.Details,
				"duration", op.Duration,
				"error", op.Err)
			return
		}
		logger.Debug("operation finished",
			"operation", op.Descriptor.DisplayName,
			"details", op.Descriptor.Details,
			"result", op.Result,
			"duration", op.Duration)
	})
}
