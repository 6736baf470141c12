package locking

import "sync"

// MemLock is a Group backed by in-memory mutexes. It only excludes callers
// within the same process.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// NewMemLock creates a new MemLock.
func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*refLock),
	}
}

// DoWithLock implements Group.
func (m *MemLock) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &refLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}()

	return fn()
}

// size reports the number of keys currently tracked.
func (m *MemLock) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
