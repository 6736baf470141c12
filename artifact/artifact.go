// Package artifact serializes go command outputs into build cache entries.
//
// An entry is a small header (see header) followed by the output body,
// compressed with lz4 or zstd. StoreCommand and LoadCommand plug the format
// into the controller's pack and unpack steps.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/richardartoul/tieredcache/cachekey"
	"github.com/richardartoul/tieredcache/controller"
)

// ErrSizeMismatch is returned when a body does not have its declared size.
var ErrSizeMismatch = errors.New("body size mismatch")

// Metadata describes a loaded entry. It is the Metadata of the LoadResult
// returned by LoadCommand.
type Metadata struct {
	OutputID []byte
	Size     int64
	PutTime  time.Time
	// DiskPath is the absolute path of the uncompressed output.
	DiskPath string
}

// OutputPath returns where the uncompressed output for key lives under dir.
func OutputPath(dir string, key cachekey.Key) string {
	return filepath.Join(dir, key.Shard(), key.Hex()+"-d")
}

// StoreCommand packs one output into an entry.
type StoreCommand struct {
	key      cachekey.Key
	outputID []byte
	body     io.Reader
	size     int64
	codec    Codec
	now      func() time.Time
}

// NewStoreCommand returns a command that packs size bytes from body. A nil
// body is allowed when size is zero.
func NewStoreCommand(key cachekey.Key, outputID []byte, body io.Reader, size int64, codec Codec) *StoreCommand {
	return &StoreCommand{
		key:      key,
		outputID: outputID,
		body:     body,
		size:     size,
		codec:    codec,
		now:      time.Now,
	}
}

// Key implements controller.StoreCommand.
func (c *StoreCommand) Key() cachekey.Key { return c.key }

// Store implements controller.StoreCommand.
func (c *StoreCommand) Store(w io.Writer) (controller.StoreResult, error) {
	h := header{
		Codec:    c.codec,
		OutputID: c.outputID,
		Size:     c.size,
		PutTime:  c.now(),
	}
	if err := h.writeTo(w); err != nil {
		return controller.StoreResult{}, err
	}

	zw, err := c.codec.compressor(w)
	if err != nil {
		return controller.StoreResult{}, err
	}

	body := c.body
	if body == nil {
		body = eofReader{}
	}
	n, err := io.CopyN(zw, body, c.size)
	if err != nil && !errors.Is(err, io.EOF) {
		zw.Close()
		return controller.StoreResult{}, fmt.Errorf("failed to compress body: %w", err)
	}
	if n != c.size {
		zw.Close()
		return controller.StoreResult{}, fmt.Errorf("%w: expected %d, read %d", ErrSizeMismatch, c.size, n)
	}
	if err := zw.Close(); err != nil {
		return controller.StoreResult{}, fmt.Errorf("failed to finish compressed body: %w", err)
	}
	return controller.StoreResult{ArtifactEntryCount: 1}, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// LoadCommand unpacks an entry into the output directory.
type LoadCommand struct {
	key       cachekey.Key
	outputDir string
}

// NewLoadCommand returns a command that writes the entry body for key to
// OutputPath(outputDir, key).
func NewLoadCommand(key cachekey.Key, outputDir string) *LoadCommand {
	return &LoadCommand{key: key, outputDir: outputDir}
}

// Key implements controller.LoadCommand.
func (c *LoadCommand) Key() cachekey.Key { return c.key }

// Load implements controller.LoadCommand.
func (c *LoadCommand) Load(r io.Reader) (controller.LoadResult, error) {
	h, err := readHeader(r)
	if err != nil {
		return controller.LoadResult{}, err
	}

	zr, err := h.Codec.decompressor(r)
	if err != nil {
		return controller.LoadResult{}, err
	}
	defer zr.Close()

	diskPath, err := WriteOutput(c.outputDir, c.key, zr, h.Size)
	if err != nil {
		return controller.LoadResult{}, err
	}

	return controller.LoadResult{
		ArtifactEntryCount: 1,
		Metadata: Metadata{
			OutputID: h.OutputID,
			Size:     h.Size,
			PutTime:  h.PutTime,
			DiskPath: diskPath,
		},
	}, nil
}

// WriteOutput atomically writes exactly size bytes from body to
// OutputPath(dir, key) and returns the absolute path. Trailing data in body
// is an error.
func WriteOutput(dir string, key cachekey.Key, body io.Reader, size int64) (string, error) {
	diskPath := OutputPath(dir, key)
	if err := os.MkdirAll(filepath.Dir(diskPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(diskPath), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if body == nil {
		body = eofReader{}
	}
	n, err := io.CopyN(tmpFile, body, size)
	if err != nil && !errors.Is(err, io.EOF) {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	if n != size {
		tmpFile.Close()
		return "", fmt.Errorf("%w: expected %d, read %d", ErrSizeMismatch, size, n)
	}
	var probe [1]byte
	if extra, _ := body.Read(probe[:]); extra > 0 {
		tmpFile.Close()
		return "", fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, size)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return "", fmt.Errorf("failed to rename output file: %w", err)
	}

	absPath, err := filepath.Abs(diskPath)
	if err != nil {
		return diskPath, nil
	}
	return absPath, nil
}
