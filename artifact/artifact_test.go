package artifact

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/richardartoul/tieredcache/cachekey"
)

func testKey(s string) cachekey.Key {
	sum := sha256.Sum256([]byte(s))
	return cachekey.New(sum[:])
}

func TestStoreLoad(t *testing.T) {
	putTime := time.Unix(1700000000, 0)
	body := bytes.Repeat([]byte("package main\n"), 512)

	tests := []struct {
		name  string
		codec Codec
		body  []byte
	}{
		{name: "lz4", codec: CodecLZ4, body: body},
		{name: "zstd", codec: CodecZstd, body: body},
		{name: "none", codec: CodecNone, body: body},
		{name: "empty lz4", codec: CodecLZ4, body: nil},
		{name: "empty zstd", codec: CodecZstd, body: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := testKey(tt.name)
			outputID := []byte("output-" + tt.name)

			store := NewStoreCommand(key, outputID, bytes.NewReader(tt.body), int64(len(tt.body)), tt.codec)
			store.now = func() time.Time { return putTime }

			var entry bytes.Buffer
			res, err := store.Store(&entry)
			require.NoError(t, err)
			require.Equal(t, int64(1), res.ArtifactEntryCount)

			outputDir := t.TempDir()
			loaded, err := NewLoadCommand(key, outputDir).Load(&entry)
			require.NoError(t, err)
			require.Equal(t, int64(1), loaded.ArtifactEntryCount)

			meta, ok := loaded.Metadata.(Metadata)
			require.True(t, ok)
			require.Equal(t, outputID, meta.OutputID)
			require.Equal(t, int64(len(tt.body)), meta.Size)
			require.True(t, putTime.Equal(meta.PutTime))
			require.True(t, filepath.IsAbs(meta.DiskPath))
			require.Equal(t, filepath.Base(OutputPath(outputDir, key)), filepath.Base(meta.DiskPath))

			data, err := os.ReadFile(meta.DiskPath)
			require.NoError(t, err)
			require.Equal(t, len(tt.body), len(data))
			if len(tt.body) > 0 {
				require.Equal(t, tt.body, data)
			}
		})
	}
}

func TestStoreCompresses(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 64<<10)
	for _, codec := range []Codec{CodecLZ4, CodecZstd} {
		var entry bytes.Buffer
		_, err := NewStoreCommand(testKey("k"), nil, bytes.NewReader(body), int64(len(body)), codec).Store(&entry)
		require.NoError(t, err)
		require.Less(t, entry.Len(), len(body)/10, codec.String())
	}
}

func TestStoreSizeMismatch(t *testing.T) {
	var entry bytes.Buffer
	_, err := NewStoreCommand(testKey("k"), nil, strings.NewReader("short"), 100, CodecLZ4).Store(&entry)
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestLoadRejectsCorruptEntries(t *testing.T) {
	key := testKey("k")
	var entry bytes.Buffer
	_, err := NewStoreCommand(key, []byte("out"), strings.NewReader("hello"), 5, CodecNone).Store(&entry)
	require.NoError(t, err)
	valid := entry.Bytes()

	t.Run("bad magic", func(t *testing.T) {
		corrupt := append([]byte("XXXX"), valid[4:]...)
		_, err := NewLoadCommand(key, t.TempDir()).Load(bytes.NewReader(corrupt))
		require.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("unknown codec", func(t *testing.T) {
		corrupt := append([]byte(nil), valid...)
		corrupt[4] = 42
		_, err := NewLoadCommand(key, t.TempDir()).Load(bytes.NewReader(corrupt))
		require.ErrorContains(t, err, "unknown entry codec")
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := NewLoadCommand(key, t.TempDir()).Load(bytes.NewReader(valid[:6]))
		require.Error(t, err)
	})

	t.Run("truncated body", func(t *testing.T) {
		_, err := NewLoadCommand(key, t.TempDir()).Load(bytes.NewReader(valid[:len(valid)-2]))
		require.ErrorIs(t, err, ErrSizeMismatch)
	})

	t.Run("trailing data", func(t *testing.T) {
		corrupt := append(append([]byte(nil), valid...), "!!"...)
		dir := t.TempDir()
		_, err := NewLoadCommand(key, dir).Load(bytes.NewReader(corrupt))
		require.ErrorIs(t, err, ErrSizeMismatch)

		_, statErr := os.Stat(OutputPath(dir, key))
		require.True(t, errors.Is(statErr, os.ErrNotExist), "no partial output is left behind")
	})
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{in: "", want: DefaultCodec},
		{in: "lz4", want: CodecLZ4},
		{in: "ZSTD", want: CodecZstd},
		{in: "none", want: CodecNone},
		{in: "gzip", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestOutputPath(t *testing.T) {
	key := testKey("k")
	path := OutputPath("/out", key)
	require.Equal(t, filepath.Join("/out", key.Hex()[:2], key.Hex()+"-d"), path)
}
