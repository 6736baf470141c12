package operations

import "github.com/richardartoul/tieredcache/cachekey"

// PackDetails describes packing a store request into a cache entry.
type PackDetails struct {
	Key cachekey.Key
}

// PackResult is the outcome of a pack operation.
type PackResult struct {
	ArtifactEntryCount int64
	Size               int64
}

// UnpackDetails describes unpacking a loaded cache entry.
type UnpackDetails struct {
	Key  cachekey.Key
	Size int64
}

// UnpackResult is the outcome of an unpack operation.
type UnpackResult struct {
	ArtifactEntryCount int64
}

// TierLoadDetails describes a load from a single cache tier.
type TierLoadDetails struct {
	Key  cachekey.Key
	Tier string
}

// TierLoadResult is the outcome of a tier load. Size is zero on a miss.
type TierLoadResult struct {
	Hit  bool
	Size int64
}

// TierStoreDetails describes a store into a single cache tier.
type TierStoreDetails struct {
	Key  cachekey.Key
	Tier string
	Size int64
}
