package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/richardartoul/tieredcache/cachekey"
)

// Redis implements Backend on a Redis server. Entries are stored as plain
// string values, so it suits small to medium artifacts.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to the server at url (redis://[user:pass@]host:port/db).
// A zero ttl keeps entries until they are evicted by the server.
func NewRedis(ctx context.Context, url, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, key cachekey.Key) (io.ReadCloser, int64, bool, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("failed to get entry from redis: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), false, nil
}

// Put implements Backend.
func (r *Redis) Put(ctx context.Context, key cachekey.Key, body io.Reader, size int64) error {
	data := make([]byte, size)
	if _, err := io.ReadFull(body, data); err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := r.client.Set(ctx, r.redisKey(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set entry in redis: %w", err)
	}
	return nil
}

// Close implements Backend.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Clear removes every key under the prefix.
func (r *Redis) Clear(ctx context.Context) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan redis keys: %w", err)
	}

	for i := 0; i < len(keys); i += 500 {
		end := min(i+500, len(keys))
		if err := r.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete redis keys: %w", err)
		}
	}
	return nil
}

// redisKey converts a cache key to a Redis key.
func (r *Redis) redisKey(key cachekey.Key) string {
	return r.prefix + key.Hex()
}
