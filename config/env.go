package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Env reads settings from environment variables. Lookup defaults to
// os.LookupEnv.
type Env struct {
	Lookup func(key string) (string, bool)
}

func (e Env) get(key string) string {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, _ := lookup(key)
	return value
}

// String gets an environment variable or returns a default value.
func (e Env) String(key, defaultValue string) string {
	if value := e.get(key); value != "" {
		return value
	}
	return defaultValue
}

// Bool gets a boolean environment variable or returns a default value.
// Accepts: true, false, 1, 0, yes, no (case insensitive).
func (e Env) Bool(key string, defaultValue bool) bool {
	value := strings.ToLower(e.get(key))
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// Float gets a float64 environment variable or returns a default value.
func (e Env) Float(key string, defaultValue float64) float64 {
	value := e.get(key)
	if value == "" {
		return defaultValue
	}
	var f float64
	if _, err := fmt.Sscanf(value, "%f", &f); err != nil {
		return defaultValue
	}
	return f
}

// Duration gets a time.Duration environment variable or returns a default
// value.
func (e Env) Duration(key string, defaultValue time.Duration) time.Duration {
	value := e.get(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// Apply overlays every environment variable that is set onto c.
func (e Env) Apply(c *Config) {
	c.Debug = e.Bool("DEBUG", c.Debug)
	c.PrintStats = e.Bool("PRINT_STATS", c.PrintStats)
	c.OutputDir = e.String("OUTPUT_DIR", c.OutputDir)
	c.TempDir = e.String("TEMP_DIR", c.TempDir)
	c.Compression = e.String("COMPRESSION", c.Compression)
	c.MetricsAddr = e.String("METRICS_ADDR", c.MetricsAddr)
	c.VerboseFailures = e.Bool("VERBOSE_FAILURES", c.VerboseFailures)

	c.Local.Enabled = e.Bool("LOCAL_ENABLED", c.Local.Enabled)
	c.Local.Push = e.Bool("LOCAL_PUSH", c.Local.Push)
	c.Local.Dir = e.String("CACHE_DIR", c.Local.Dir)
	c.Local.MaxAge = e.Duration("LOCAL_MAX_AGE", c.Local.MaxAge)

	c.LegacyLocal.Dir = e.String("LEGACY_DIR", c.LegacyLocal.Dir)
	c.LegacyLocal.Push = e.Bool("LEGACY_PUSH", c.LegacyLocal.Push)

	c.Remote.Type = e.String("REMOTE_TYPE", e.String("BACKEND_TYPE", c.Remote.Type))
	c.Remote.Push = e.Bool("REMOTE_PUSH", c.Remote.Push)
	c.Remote.ErrorRate = e.Float("ERROR_RATE", c.Remote.ErrorRate)
	c.Remote.S3.Bucket = e.String("S3_BUCKET", c.Remote.S3.Bucket)
	c.Remote.S3.Prefix = e.String("S3_PREFIX", c.Remote.S3.Prefix)
	c.Remote.GCS.Bucket = e.String("GCS_BUCKET", c.Remote.GCS.Bucket)
	c.Remote.GCS.Prefix = e.String("GCS_PREFIX", c.Remote.GCS.Prefix)
	c.Remote.Redis.URL = e.String("REDIS_URL", c.Remote.Redis.URL)
	c.Remote.Redis.Prefix = e.String("REDIS_PREFIX", c.Remote.Redis.Prefix)
	c.Remote.Redis.TTL = e.Duration("REDIS_TTL", c.Remote.Redis.TTL)

	c.Lock.Type = e.String("LOCK_TYPE", e.String("DEDUPE_TYPE", c.Lock.Type))
	c.Lock.Dir = e.String("LOCK_DIR", e.String("DEDUPE_LOCK_DIR", c.Lock.Dir))
}
