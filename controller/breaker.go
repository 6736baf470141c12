package controller

import "sync"

// MaxErrors is the number of consecutive failures after which a tier is
// turned off for the rest of the controller's lifetime.
const MaxErrors = 3

// breaker counts consecutive failures of one tier. Loads and stores share
// the counter, and any success resets it. Once tripped it stays tripped.
// The lock only covers the counter update, never the backend call.
type breaker struct {
	mu        sync.Mutex
	maxErrors int
	failures  int
	disabled  bool
}

func newBreaker(maxErrors int) *breaker {
	if maxErrors <= 0 {
		maxErrors = MaxErrors
	}
	return &breaker{maxErrors: maxErrors}
}

func (b *breaker) enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disabled
}

func (b *breaker) succeeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.disabled {
		b.failures = 0
	}
}

// failed records a failure and reports whether this call tripped the
// breaker, so exactly one caller observes the transition.
func (b *breaker) failed() (failures int, tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return b.failures, false
	}
	b.failures++
	if b.failures >= b.maxErrors {
		b.disabled = true
		return b.failures, true
	}
	return b.failures, false
}

func (b *breaker) snapshot() (failures int, disabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.disabled
}
