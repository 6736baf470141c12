// Package config holds the cache program settings. Values come from an
// optional YAML file, then environment variables, then command-line flags,
// each layer overriding the previous one.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete cache program configuration.
type Config struct {
	Debug       bool   `yaml:"debug"`
	PrintStats  bool   `yaml:"print_stats"`
	OutputDir   string `yaml:"output_dir"`
	TempDir     string `yaml:"temp_dir"`
	Compression string `yaml:"compression"`
	MetricsAddr string `yaml:"metrics_addr"`

	// VerboseFailures logs every tier failure with its error chain instead
	// of only the failure that disables a tier.
	VerboseFailures bool `yaml:"verbose_failures"`

	Local       LocalConfig       `yaml:"local"`
	LegacyLocal LegacyLocalConfig `yaml:"legacy_local"`
	Remote      RemoteConfig      `yaml:"remote"`
	Lock        LockConfig        `yaml:"lock"`
}

// LocalConfig configures the in-process local tier.
type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Push    bool   `yaml:"push"`
	Dir     string `yaml:"dir"`
	// MaxAge is how long an unused entry survives the trim run at startup.
	// Zero disables trimming.
	MaxAge time.Duration `yaml:"max_age"`
}

// LegacyLocalConfig configures the shared on-disk tier. An empty Dir
// disables it.
type LegacyLocalConfig struct {
	Dir  string `yaml:"dir"`
	Push bool   `yaml:"push"`
}

// RemoteConfig configures the remote tier.
type RemoteConfig struct {
	// Type is one of none, s3, gcs or redis.
	Type string `yaml:"type"`
	Push bool   `yaml:"push"`
	// ErrorRate injects failures into remote calls, for testing.
	ErrorRate float64 `yaml:"error_rate"`

	S3    BucketConfig `yaml:"s3"`
	GCS   BucketConfig `yaml:"gcs"`
	Redis RedisConfig  `yaml:"redis"`
}

type BucketConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type RedisConfig struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// LockConfig selects how concurrent requests for one action ID are
// serialized.
type LockConfig struct {
	// Type is one of memory, fslock, singleflight or noop.
	Type string `yaml:"type"`
	Dir  string `yaml:"dir"`
}

// Remote tier types.
const (
	RemoteNone  = "none"
	RemoteS3    = "s3"
	RemoteGCS   = "gcs"
	RemoteRedis = "redis"
)

// Lock types.
const (
	LockMemory       = "memory"
	LockFS           = "fslock"
	LockSingleflight = "singleflight"
	LockNoop         = "noop"
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	base := filepath.Join(os.TempDir(), "tieredcache")
	return Config{
		PrintStats:  true,
		OutputDir:   filepath.Join(base, "outputs"),
		TempDir:     filepath.Join(base, "tmp"),
		Compression: "lz4",
		Local: LocalConfig{
			Enabled: true,
			Push:    true,
			Dir:     filepath.Join(base, "local"),
		},
		Remote: RemoteConfig{
			Type: RemoteNone,
			Push: true,
			Redis: RedisConfig{
				Prefix: "tieredcache:",
			},
		},
		Lock: LockConfig{
			Type: LockMemory,
		},
	}
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML config file. An empty path returns Default().
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize lower-cases the enumerated settings.
func (c *Config) Normalize() {
	c.Remote.Type = strings.ToLower(c.Remote.Type)
	c.Lock.Type = strings.ToLower(c.Lock.Type)
	c.Compression = strings.ToLower(c.Compression)
	if c.Remote.Type == "" {
		c.Remote.Type = RemoteNone
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Remote.Type {
	case RemoteNone, "":
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			errs = append(errs, errors.New("S3 bucket is required for the s3 remote (set via -s3-bucket flag or S3_BUCKET env var)"))
		}
	case RemoteGCS:
		if c.Remote.GCS.Bucket == "" {
			errs = append(errs, errors.New("GCS bucket is required for the gcs remote (set via -gcs-bucket flag or GCS_BUCKET env var)"))
		}
	case RemoteRedis:
		if c.Remote.Redis.URL == "" {
			errs = append(errs, errors.New("Redis URL is required for the redis remote (set via -redis-url flag or REDIS_URL env var)"))
		}
		if c.Remote.Redis.TTL < 0 {
			errs = append(errs, fmt.Errorf("invalid redis ttl %s", c.Remote.Redis.TTL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote type: %s (supported: none, s3, gcs, redis)", c.Remote.Type))
	}

	switch c.Lock.Type {
	case LockMemory, LockFS, LockSingleflight, LockNoop, "":
	default:
		errs = append(errs, fmt.Errorf("unknown lock type: %s (supported: memory, fslock, singleflight, noop)", c.Lock.Type))
	}

	switch c.Compression {
	case "lz4", "zstd", "none", "":
	default:
		errs = append(errs, fmt.Errorf("unknown compression: %s (supported: lz4, zstd, none)", c.Compression))
	}

	if c.Remote.ErrorRate < 0 || c.Remote.ErrorRate > 1 {
		errs = append(errs, fmt.Errorf("error rate must be between 0 and 1, got %v", c.Remote.ErrorRate))
	}
	if c.Local.Enabled && c.Local.Dir == "" {
		errs = append(errs, errors.New("local cache directory is required when the local tier is enabled"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Local.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("invalid local max age %s", c.Local.MaxAge))
	}

	return errors.Join(errs...)
}
