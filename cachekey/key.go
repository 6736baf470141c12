// Package cachekey defines the identifier of a build cache entry.
package cachekey

import (
	_ "crypto/sha256" // registers digest.SHA256
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Key names one cache entry. Keys are immutable and comparable with ==.
// The zero Key is not valid and is never produced by New or Parse.
type Key struct {
	d digest.Digest
}

// New returns the Key for a raw action ID as produced by the go command.
func New(actionID []byte) Key {
	return Key{d: digest.NewDigestFromBytes(digest.SHA256, actionID)}
}

// Parse accepts either the display form ("sha256:<hex>") or bare hex.
func Parse(s string) (Key, error) {
	if !strings.Contains(s, ":") {
		s = string(digest.SHA256) + ":" + s
	}
	d, err := digest.Parse(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	return Key{d: d}, nil
}

// String returns the stable display form of the key.
func (k Key) String() string {
	return k.d.String()
}

// Hex returns the hex encoding used to name the entry in storage.
func (k Key) Hex() string {
	return k.d.Encoded()
}

// Bytes returns the raw action ID.
func (k Key) Bytes() []byte {
	b, err := hex.DecodeString(k.d.Encoded())
	if err != nil {
		return nil
	}
	return b
}

// Shard returns the two character directory prefix used by sharded file stores.
func (k Key) Shard() string {
	h := k.Hex()
	if len(h) < 2 {
		return "00"
	}
	return h[:2]
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.d == ""
}
