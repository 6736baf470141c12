package controller

import (
	"errors"
	"fmt"

	"github.com/richardartoul/tieredcache/cachekey"
)

// FatalError reports a failure to pack or unpack an entry. Unlike tier
// failures these are returned to the caller: the entry that should exist
// cannot be produced or read.
type FatalError struct {
	Op  string // "pack" or "unpack"
	Key cachekey.Key
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("failed to %s build cache entry %s: %v", e.Op, e.Key, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err contains a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
