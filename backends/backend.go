// Package backends contains the file-mediated cache tiers: the legacy local
// disk store and the remote stores, plus decorators that can wrap any of them.
package backends

import (
	"context"
	"io"

	"github.com/richardartoul/tieredcache/cachekey"
)

// Backend defines the interface for cache storage backends.
//
// Entries are opaque byte streams; backends never inspect them.
//
// Implementations must be safe for concurrent use. The controller never
// shares a temp file between calls, but two calls for the same key may be in
// flight at once unless the caller serializes them.
type Backend interface {
	// Get retrieves an entry. On a hit the caller must close body.
	// A missing entry is reported with miss=true and a nil error. size is
	// -1 when the backend does not know the entry's length up front.
	Get(ctx context.Context, key cachekey.Key) (body io.ReadCloser, size int64, miss bool, err error)

	// Put stores size bytes read from body under key, replacing any existing
	// entry.
	Put(ctx context.Context, key cachekey.Key, body io.Reader, size int64) error

	// Close releases any resources held by the backend.
	Close() error

	// Clear removes all entries from the backend.
	Clear(ctx context.Context) error
}
