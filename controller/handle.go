package controller

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/richardartoul/tieredcache/backends"
	"github.com/richardartoul/tieredcache/cachekey"
	"github.com/richardartoul/tieredcache/operations"
)

// loadTarget is the temp file a mediated tier loads into. It is shared by
// the legacy local and remote tiers within one Load call.
type loadTarget struct {
	path   string
	loaded bool
}

// readFrom replaces the file content with body. The target only counts as
// loaded once the caller has checked the length.
func (t *loadTarget) readFrom(body io.Reader) (int64, error) {
	t.loaded = false
	file, err := os.Create(t.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open load target: %w", err)
	}
	n, err := io.Copy(file, body)
	closeErr := file.Close()
	if err != nil {
		return n, fmt.Errorf("failed to write load target: %w", err)
	}
	if closeErr != nil {
		return n, fmt.Errorf("failed to close load target: %w", closeErr)
	}
	return n, nil
}

// mediatedHandle gates access to a tier that exchanges entries through temp
// files: the legacy local disk store and the remote store.
type mediatedHandle struct {
	tierState
	backend backends.Backend
	// ops wraps every backend call. Remote handles use the controller's
	// executor; legacy local handles use operations.Noop.
	ops operations.Executor
}

func (h *mediatedHandle) load(ctx context.Context, key cachekey.Key, target *loadTarget) {
	desc := operations.Descriptor{
		DisplayName: fmt.Sprintf("Load entry %s from %s build cache", key, h.tier),
		Details:     operations.TierLoadDetails{Key: key, Tier: string(h.tier)},
	}
	err := h.ops.Run(desc, func(opCtx operations.Context) error {
		body, size, miss, err := h.backend.Get(ctx, key)
		if err != nil {
			return err
		}
		if miss {
			opCtx.SetResult(operations.TierLoadResult{})
			return nil
		}
		defer body.Close()

		n, err := target.readFrom(body)
		if err != nil {
			return err
		}
		if size >= 0 && n != size {
			return fmt.Errorf("entry %s size mismatch: read %d of %d bytes", key, n, size)
		}
		target.loaded = true
		opCtx.SetResult(operations.TierLoadResult{Hit: true, Size: n})
		return nil
	})
	h.record("load", key, err)
	if err == nil {
		h.listener.TierLoaded(h.tier, target.loaded)
	}
}

// storeSource is the packed temp file a Store call writes to the mediated
// tiers. Each tier reads it from the start.
type storeSource struct {
	file *os.File
	size int64
}

// openTempFile is replaced in tests.
var openTempFile = os.Open

func openStoreSource(path string) (*storeSource, error) {
	file, err := openTempFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store target: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat store target: %w", err)
	}
	return &storeSource{file: file, size: info.Size()}, nil
}

// reader returns a fresh reader over the whole file.
func (s *storeSource) reader() io.Reader {
	return io.NewSectionReader(s.file, 0, s.size)
}

func (s *storeSource) close() error {
	return s.file.Close()
}

func (h *mediatedHandle) store(ctx context.Context, key cachekey.Key, src *storeSource) {
	desc := operations.Descriptor{
		DisplayName: fmt.Sprintf("Store entry %s in %s build cache", key, h.tier),
		Details:     operations.TierStoreDetails{Key: key, Tier: string(h.tier), Size: src.size},
	}
	err := h.ops.Run(desc, func(operations.Context) error {
		return h.backend.Put(ctx, key, src.reader(), src.size)
	})
	h.record("store", key, err)
	if err == nil {
		h.listener.TierStored(h.tier)
	}
}

func (h *mediatedHandle) close() error {
	if !h.present {
		return nil
	}
	return h.backend.Close()
}

// LocalService is the in-process local tier. It reads and writes entries
// directly, without a temp file in between.
type LocalService interface {
	// Load passes the entry for key to reader, reporting false on a miss.
	Load(key cachekey.Key, reader func(file *os.File) error) (bool, error)
	// Store copies the file at path into the tier.
	Store(key cachekey.Key, path string) error
	Close() error
}

type localHandle struct {
	tierState
	service LocalService
}

// load reports whether reader consumed an entry. Errors from reader are
// returned and are not counted as tier failures; errors from the service
// are counted and swallowed.
func (h *localHandle) load(key cachekey.Key, reader func(file *os.File) error) (bool, error) {
	var readerErr error
	found, err := h.service.Load(key, func(file *os.File) error {
		readerErr = reader(file)
		return readerErr
	})
	if readerErr != nil {
		return false, readerErr
	}

	h.record("load", key, err)
	if err != nil {
		return false, nil
	}
	h.listener.TierLoaded(h.tier, found)
	return found, nil
}

func (h *localHandle) store(key cachekey.Key, path string) {
	err := h.service.Store(key, path)
	h.record("store", key, err)
	if err == nil {
		h.listener.TierStored(h.tier)
	}
}

func (h *localHandle) close() error {
	if !h.present {
		return nil
	}
	return h.service.Close()
}
