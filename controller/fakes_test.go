package controller

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/richardartoul/tieredcache/cachekey"
)

func testKey(s string) cachekey.Key {
	sum := sha256.Sum256([]byte(s))
	return cachekey.New(sum[:])
}

var errBackend = errors.New("backend unavailable")

// fakeBackend is an in-memory backends.Backend that counts calls and can be
// told to fail.
type fakeBackend struct {
	mu       sync.Mutex
	entries  map[cachekey.Key][]byte
	fail     atomic.Bool
	closeErr error
	// truncate serves half of each entry while reporting its full size.
	truncate atomic.Bool

	gets atomic.Int32
	puts atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: make(map[cachekey.Key][]byte)}
}

func (f *fakeBackend) Get(_ context.Context, key cachekey.Key) (io.ReadCloser, int64, bool, error) {
	f.gets.Add(1)
	if f.fail.Load() {
		return nil, 0, false, errBackend
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.entries[key]
	if !ok {
		return nil, 0, true, nil
	}
	body := data
	if f.truncate.Load() {
		body = data[:len(data)/2]
	}
	return io.NopCloser(bytes.NewReader(body)), int64(len(data)), false, nil
}

func (f *fakeBackend) Put(_ context.Context, key cachekey.Key, body io.Reader, size int64) error {
	f.puts.Add(1)
	if f.fail.Load() {
		return errBackend
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = data
	return nil
}

func (f *fakeBackend) Close() error { return f.closeErr }

func (f *fakeBackend) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[cachekey.Key][]byte)
	return nil
}

func (f *fakeBackend) has(key cachekey.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

// fakeLocal is an in-memory LocalService that hands out real files.
type fakeLocal struct {
	t        *testing.T
	mu       sync.Mutex
	dir      string
	entries  map[cachekey.Key]string
	fail     atomic.Bool
	closeErr error
	// truncate serves half of each entry while reporting its full size.
	truncate atomic.Bool

	loads  atomic.Int32
	stores atomic.Int32
}

func newFakeLocal(t *testing.T) *fakeLocal {
	return &fakeLocal{t: t, dir: t.TempDir(), entries: make(map[cachekey.Key]string)}
}

func (f *fakeLocal) Load(key cachekey.Key, reader func(*os.File) error) (bool, error) {
	f.loads.Add(1)
	if f.fail.Load() {
		return false, errBackend
	}
	f.mu.Lock()
	path, ok := f.entries[key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()
	return true, reader(file)
}

func (f *fakeLocal) Store(key cachekey.Key, path string) error {
	f.stores.Add(1)
	if f.fail.Load() {
		return errBackend
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dst, err := os.CreateTemp(f.dir, "entry-*")
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := dst.Write(data); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = dst.Name()
	return nil
}

func (f *fakeLocal) Close() error { return f.closeErr }

func (f *fakeLocal) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[cachekey.Key]string)
}

func (f *fakeLocal) has(key cachekey.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

// countingTempStore wraps a DirTempFileStore, counting allocations and
// remembering every path it handed out.
type countingTempStore struct {
	inner *DirTempFileStore
	mu    sync.Mutex
	paths []string
}

func newCountingTempStore(t *testing.T) *countingTempStore {
	inner, err := NewDirTempFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create temp store: %v", err)
	}
	return &countingTempStore{inner: inner}
}

func (s *countingTempStore) Allocate(key cachekey.Key, fn func(path string) error) error {
	return s.inner.Allocate(key, func(path string) error {
		s.mu.Lock()
		s.paths = append(s.paths, path)
		s.mu.Unlock()
		return fn(path)
	})
}

func (s *countingTempStore) allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// testArtifact is what the test commands pack: a payload plus an entry count.
type testArtifact struct {
	payload string
	entries int64
}

type storeCmd struct {
	key      cachekey.Key
	artifact testArtifact
	err      error
	calls    atomic.Int32
}

func (c *storeCmd) Key() cachekey.Key { return c.key }

func (c *storeCmd) Store(w io.Writer) (StoreResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return StoreResult{}, c.err
	}
	if _, err := fmt.Fprintf(w, "%d\n%s", c.artifact.entries, c.artifact.payload); err != nil {
		return StoreResult{}, err
	}
	return StoreResult{ArtifactEntryCount: c.artifact.entries}, nil
}

type loadCmd struct {
	key   cachekey.Key
	err   error
	calls atomic.Int32
}

func (c *loadCmd) Key() cachekey.Key { return c.key }

func (c *loadCmd) Load(r io.Reader) (LoadResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return LoadResult{}, c.err
	}
	var entries int64
	if _, err := fmt.Fscanf(r, "%d\n", &entries); err != nil {
		return LoadResult{}, err
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return LoadResult{}, err
	}
	return LoadResult{ArtifactEntryCount: entries, Metadata: string(payload)}, nil
}

