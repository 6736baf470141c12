// Package locking provides mutual exclusion over sets of string keys.
package locking

// Group runs functions with mutual exclusion over a key.
type Group interface {
	// DoWithLock runs fn while holding the lock for key. A Group may instead
	// hand a caller the result of a concurrent fn for the same key, so keys
	// must only be shared by calls whose results are interchangeable.
	DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error)
}
