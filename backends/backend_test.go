package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/richardartoul/tieredcache/cachekey"
)

func testKey(s string) cachekey.Key {
	sum := sha256.Sum256([]byte(s))
	return cachekey.New(sum[:])
}

// testBackendRoundTrip exercises the Backend contract shared by every tier.
func testBackendRoundTrip(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	key := testKey("round-trip")

	_, _, miss, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, miss, "expected a miss before Put")

	data := []byte("cache entry payload")
	require.NoError(t, b.Put(ctx, key, bytes.NewReader(data), int64(len(data))))

	body, size, miss, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, miss)
	require.Equal(t, int64(len(data)), size)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, data, got)

	// Overwrite with different content.
	data2 := []byte("second")
	require.NoError(t, b.Put(ctx, key, bytes.NewReader(data2), int64(len(data2))))
	body, _, _, err = b.Get(ctx, key)
	require.NoError(t, err)
	got, err = io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	require.Equal(t, data2, got)

	// Empty entries are valid.
	empty := testKey("empty")
	require.NoError(t, b.Put(ctx, empty, bytes.NewReader(nil), 0))
	body, size, miss, err = b.Get(ctx, empty)
	require.NoError(t, err)
	require.False(t, miss)
	require.Equal(t, int64(0), size)
	body.Close()

	require.NoError(t, b.Clear(ctx))
	_, _, miss, err = b.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, miss, "expected a miss after Clear")
}
