package controller

import (
	"io"

	"github.com/richardartoul/tieredcache/cachekey"
)

// StoreResult is reported by a StoreCommand after serializing its artifact.
type StoreResult struct {
	// ArtifactEntryCount is the number of logical items packed, e.g. files.
	ArtifactEntryCount int64
}

// StoreCommand serializes one artifact into a cache entry.
type StoreCommand interface {
	Key() cachekey.Key
	Store(w io.Writer) (StoreResult, error)
}

// LoadResult is reported by a LoadCommand after deserializing a cache entry.
type LoadResult struct {
	ArtifactEntryCount int64
	// Metadata is defined by the command.
	Metadata any
}

// LoadCommand deserializes a cache entry back into an artifact.
type LoadCommand interface {
	Key() cachekey.Key
	Load(r io.Reader) (LoadResult, error)
}
