package backends

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/richardartoul/tieredcache/cachekey"
)

// GCS implements Backend using Google Cloud Storage.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS creates a new GCS-based cache backend. opts are passed to the
// storage client; with none, Application Default Credentials are used.
func NewGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	handle := client.Bucket(bucket)
	if _, err := handle.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access GCS bucket %s: %w", bucket, err)
	}

	return &GCS{
		client: client,
		bucket: handle,
		prefix: prefix,
	}, nil
}

// Get implements Backend.
func (g *GCS) Get(ctx context.Context, key cachekey.Key) (io.ReadCloser, int64, bool, error) {
	reader, err := g.bucket.Object(g.objectName(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("failed to read object from GCS: %w", err)
	}
	return reader, reader.Attrs.Size, false, nil
}

// Put implements Backend.
func (g *GCS) Put(ctx context.Context, key cachekey.Key, body io.Reader, size int64) error {
	// Cancelling the context aborts the upload if the copy fails midway.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := g.bucket.Object(g.objectName(key)).NewWriter(ctx)
	written, err := io.Copy(writer, body)
	if err != nil {
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS upload: %w", err)
	}
	return nil
}

// Close implements Backend.
func (g *GCS) Close() error {
	return g.client.Close()
}

// Clear removes all entries under the prefix.
func (g *GCS) Clear(ctx context.Context) error {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: g.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list GCS objects: %w", err)
		}
		err = g.bucket.Object(attrs.Name).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete GCS object %s: %w", attrs.Name, err)
		}
	}
	return nil
}

// objectName converts a cache key to a GCS object name.
func (g *GCS) objectName(key cachekey.Key) string {
	return g.prefix + key.Hex()
}
