package locking

import "golang.org/x/sync/singleflight"

// SingleflightGroup is a Group backed by golang.org/x/sync/singleflight.
// Concurrent callers for the same key wait for the first one and share its
// result instead of running fn themselves.
type SingleflightGroup struct {
	group singleflight.Group
}

// NewSingleflightGroup creates a new SingleflightGroup.
func NewSingleflightGroup() *SingleflightGroup {
	return &SingleflightGroup{}
}

// DoWithLock implements Group.
func (s *SingleflightGroup) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := s.group.Do(key, fn)
	return v, err
}
