package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/richardartoul/tieredcache/artifact"
	"github.com/richardartoul/tieredcache/backends"
	"github.com/richardartoul/tieredcache/config"
	"github.com/richardartoul/tieredcache/controller"
	"github.com/richardartoul/tieredcache/local"
	"github.com/richardartoul/tieredcache/locking"
	"github.com/richardartoul/tieredcache/metrics"
	"github.com/richardartoul/tieredcache/operations"
)

func main() {
	// Check if we have a subcommand
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		subcommand := os.Args[1]

		switch subcommand {
		case "clear":
			runClearCommand(os.Args[2:])
			return
		case "help", "-h", "--help":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", subcommand)
			printHelp()
			os.Exit(1)
		}
	}

	// No subcommand or starts with -, run the server
	runServerCommand(os.Args[1:])
}

// configPathFromArgs finds -config in args before the flag set is built, so
// the file can supply the flag defaults.
func configPathFromArgs(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// loadConfig layers the config file, the environment and the command line,
// in increasing order of precedence.
func loadConfig(fs *flag.FlagSet, args []string, bind func(*config.Config)) (config.Config, error) {
	env := config.Env{}
	path := configPathFromArgs(args)
	if path == "" {
		path = env.String("CONFIG_FILE", "")
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	env.Apply(&cfg)

	var ignored string
	fs.StringVar(&ignored, "config", path, "YAML config file, overridden by env and flags (env: CONFIG_FILE)")
	bind(&cfg)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func bindTierFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging to stderr (env: DEBUG)")
	fs.BoolVar(&cfg.Local.Enabled, "local", cfg.Local.Enabled, "Enable the local tier (env: LOCAL_ENABLED)")
	fs.StringVar(&cfg.Local.Dir, "cache-dir", cfg.Local.Dir, "Local tier directory (env: CACHE_DIR)")
	fs.StringVar(&cfg.LegacyLocal.Dir, "legacy-dir", cfg.LegacyLocal.Dir, "Legacy local tier directory, empty to disable (env: LEGACY_DIR)")
	fs.StringVar(&cfg.Remote.Type, "remote", cfg.Remote.Type, "Remote tier type: none, s3, gcs, redis (env: REMOTE_TYPE)")
	fs.StringVar(&cfg.Remote.S3.Bucket, "s3-bucket", cfg.Remote.S3.Bucket, "S3 bucket name (required for s3 remote) (env: S3_BUCKET)")
	fs.StringVar(&cfg.Remote.S3.Prefix, "s3-prefix", cfg.Remote.S3.Prefix, "S3 key prefix (optional) (env: S3_PREFIX)")
	fs.StringVar(&cfg.Remote.GCS.Bucket, "gcs-bucket", cfg.Remote.GCS.Bucket, "GCS bucket name (required for gcs remote) (env: GCS_BUCKET)")
	fs.StringVar(&cfg.Remote.GCS.Prefix, "gcs-prefix", cfg.Remote.GCS.Prefix, "GCS object prefix (optional) (env: GCS_PREFIX)")
	fs.StringVar(&cfg.Remote.Redis.URL, "redis-url", cfg.Remote.Redis.URL, "Redis URL (required for redis remote) (env: REDIS_URL)")
	fs.StringVar(&cfg.Remote.Redis.Prefix, "redis-prefix", cfg.Remote.Redis.Prefix, "Redis key prefix (env: REDIS_PREFIX)")
}

func runServerCommand(args []string) {
	serverFlags := flag.NewFlagSet("server", flag.ExitOnError)

	serverFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the Go build cache program (GOCACHEPROG).\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables or a config file):\n")
		serverFlags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nNote: flags take precedence over environment variables, which take precedence over the config file.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Local tier only:\n")
		fmt.Fprintf(os.Stderr, "  GOCACHEPROG=\"%s -cache-dir=/var/cache/go\" go build ./...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Local tier backed by S3:\n")
		fmt.Fprintf(os.Stderr, "  REMOTE_TYPE=s3 S3_BUCKET=my-cache-bucket GOCACHEPROG=%s go test ./...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Shared disk plus Redis, read-only remote:\n")
		fmt.Fprintf(os.Stderr, "  %s -legacy-dir=/mnt/cache -remote=redis -redis-url=redis://cache:6379/0 -remote-push=false\n", os.Args[0])
	}

	cfg, err := loadConfig(serverFlags, args, func(cfg *config.Config) {
		bindTierFlags(serverFlags, cfg)
		serverFlags.BoolVar(&cfg.PrintStats, "stats", cfg.PrintStats, "Print cache statistics on exit (env: PRINT_STATS)")
		serverFlags.BoolVar(&cfg.Local.Push, "local-push", cfg.Local.Push, "Store entries in the local tier (env: LOCAL_PUSH)")
		serverFlags.DurationVar(&cfg.Local.MaxAge, "local-max-age", cfg.Local.MaxAge, "Trim local entries unused for this long at startup, 0 to keep all (env: LOCAL_MAX_AGE)")
		serverFlags.BoolVar(&cfg.LegacyLocal.Push, "legacy-push", cfg.LegacyLocal.Push, "Store entries in the legacy local tier (env: LEGACY_PUSH)")
		serverFlags.BoolVar(&cfg.Remote.Push, "remote-push", cfg.Remote.Push, "Store entries in the remote tier (env: REMOTE_PUSH)")
		serverFlags.DurationVar(&cfg.Remote.Redis.TTL, "redis-ttl", cfg.Remote.Redis.TTL, "Expiry of redis entries, 0 for none (env: REDIS_TTL)")
		serverFlags.Float64Var(&cfg.Remote.ErrorRate, "error-rate", cfg.Remote.ErrorRate, "Error injection rate (0.0-1.0) on the remote tier for testing error handling (env: ERROR_RATE)")
		serverFlags.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for outputs handed to the go command (env: OUTPUT_DIR)")
		serverFlags.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Directory for temporary entry files (env: TEMP_DIR)")
		serverFlags.StringVar(&cfg.Compression, "compression", cfg.Compression, "Entry compression: lz4, zstd, none (env: COMPRESSION)")
		serverFlags.StringVar(&cfg.Lock.Type, "lock", cfg.Lock.Type, "Per-action locking: memory, fslock, singleflight, noop (env: LOCK_TYPE)")
		serverFlags.StringVar(&cfg.Lock.Dir, "lock-dir", cfg.Lock.Dir, "Lock directory for fslock locking (env: LOCK_DIR)")
		serverFlags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address, empty to disable (env: METRICS_ADDR)")
		serverFlags.BoolVar(&cfg.VerboseFailures, "verbose-failures", cfg.VerboseFailures, "Log every tier failure with its error chain (env: VERBOSE_FAILURES)")
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error running cache program: %v\n", err)
		os.Exit(1)
	}
}

func runClearCommand(args []string) {
	clearFlags := flag.NewFlagSet("clear", flag.ExitOnError)

	clearFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s clear [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Clear all entries from every configured tier.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables or a config file):\n")
		clearFlags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s clear -cache-dir=/var/cache/go\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  REMOTE_TYPE=s3 S3_BUCKET=my-cache-bucket %s clear\n", os.Args[0])
	}

	cfg, err := loadConfig(clearFlags, args, func(cfg *config.Config) {
		bindTierFlags(clearFlags, cfg)
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := runClear(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing cache: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Cache cleared successfully\n")
}

func printHelp() {
	fmt.Fprintf(os.Stderr, "Usage: %s [command] [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "A tiered cache program for Go builds.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  (no command)  Run the cache program (default)\n")
	fmt.Fprintf(os.Stderr, "  clear         Clear all entries from every tier\n")
	fmt.Fprintf(os.Stderr, "  help          Show this help message\n\n")
	fmt.Fprintf(os.Stderr, "Tiers, in lookup order:\n")
	fmt.Fprintf(os.Stderr, "  local         In-process disk cache (-cache-dir)\n")
	fmt.Fprintf(os.Stderr, "  legacy-local  Shared disk directory (-legacy-dir)\n")
	fmt.Fprintf(os.Stderr, "  remote        s3, gcs or redis (-remote)\n\n")
	fmt.Fprintf(os.Stderr, "Configuration:\n")
	fmt.Fprintf(os.Stderr, "  Settings come from a YAML file (-config or CONFIG_FILE), environment variables and flags.\n")
	fmt.Fprintf(os.Stderr, "  Flags take precedence over environment variables, which take precedence over the file.\n\n")
	fmt.Fprintf(os.Stderr, "Run '%s [command] -h' for more information about a command.\n", os.Args[0])
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// tiers holds the services behind each controller tier. Nil means absent.
type tiers struct {
	local       *local.Cache
	legacyLocal backends.Backend
	remote      backends.Backend
}

func (t *tiers) servicesConfig(cfg config.Config) controller.ServicesConfig {
	var sc controller.ServicesConfig
	// Assign through the interface only when present, so absent tiers stay
	// a nil interface rather than a typed nil.
	if t.local != nil {
		sc.Local = t.local
		sc.LocalPush = cfg.Local.Push
	}
	if t.legacyLocal != nil {
		sc.LegacyLocal = t.legacyLocal
		sc.LegacyLocalPush = cfg.LegacyLocal.Push
	}
	if t.remote != nil {
		sc.Remote = t.remote
		sc.RemotePush = cfg.Remote.Push
	}
	return sc
}

func (t *tiers) close() error {
	var errs []error
	if t.local != nil {
		errs = append(errs, t.local.Close())
	}
	if t.legacyLocal != nil {
		errs = append(errs, t.legacyLocal.Close())
	}
	if t.remote != nil {
		errs = append(errs, t.remote.Close())
	}
	return errors.Join(errs...)
}

// createTiers builds the service behind every configured tier.
func createTiers(ctx context.Context, cfg config.Config, logger *slog.Logger) (*tiers, error) {
	t := &tiers{}

	if cfg.Local.Enabled {
		cache, err := local.New(cfg.Local.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local tier: %w", err)
		}
		t.local = cache
	}

	if cfg.LegacyLocal.Dir != "" {
		// The legacy directory is shared between processes, so writers
		// coordinate through lock files in a sibling directory that
		// survives Clear.
		locker, err := locking.NewFlockGroup(filepath.Clean(cfg.LegacyLocal.Dir)+".locks", locking.DefaultFlockTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create legacy local tier: %w", err)
		}
		disk, err := backends.NewDisk(cfg.LegacyLocal.Dir, locker)
		if err != nil {
			return nil, fmt.Errorf("failed to create legacy local tier: %w", err)
		}
		t.legacyLocal = disk
		if cfg.Debug {
			t.legacyLocal = backends.NewDebug(t.legacyLocal, logger.With("tier", controller.TierLegacyLocal))
		}
	}

	remote, err := createRemote(ctx, cfg, logger)
	if err != nil {
		t.close()
		return nil, err
	}
	t.remote = remote

	return t, nil
}

func createRemote(ctx context.Context, cfg config.Config, logger *slog.Logger) (backends.Backend, error) {
	var backend backends.Backend
	var err error

	switch cfg.Remote.Type {
	case config.RemoteNone, "":
		return nil, nil

	case config.RemoteS3:
		backend, err = backends.NewS3(ctx, cfg.Remote.S3.Bucket, cfg.Remote.S3.Prefix)

	case config.RemoteGCS:
		backend, err = backends.NewGCS(ctx, cfg.Remote.GCS.Bucket, cfg.Remote.GCS.Prefix)

	case config.RemoteRedis:
		backend, err = backends.NewRedis(ctx, cfg.Remote.Redis.URL, cfg.Remote.Redis.Prefix, cfg.Remote.Redis.TTL)

	default:
		return nil, fmt.Errorf("unknown remote type: %s (supported: none, s3, gcs, redis)", cfg.Remote.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s remote tier: %w", cfg.Remote.Type, err)
	}

	// Wrap with error backend if error rate is configured
	if cfg.Remote.ErrorRate > 0 {
		backend = backends.NewError(backend, cfg.Remote.ErrorRate)
		logger.Info("error injection enabled", "tier", controller.TierRemote, "rate", cfg.Remote.ErrorRate)
	}

	// Wrap with debug backend if debug mode is enabled
	if cfg.Debug {
		backend = backends.NewDebug(backend, logger.With("tier", controller.TierRemote))
	}

	return backend, nil
}

func createLockGroup(cfg config.LockConfig) (locking.Group, error) {
	switch cfg.Type {
	case config.LockMemory, "":
		return locking.NewMemLock(), nil

	case config.LockFS, "fs":
		group, err := locking.NewFlockGroup(cfg.Dir, locking.DefaultFlockTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create fslock group: %w", err)
		}
		return group, nil

	case config.LockSingleflight:
		return locking.NewSingleflightGroup(), nil

	case config.LockNoop:
		return locking.NewNoOpGroup(), nil

	default:
		return nil, fmt.Errorf("unknown lock type: %s (supported: memory, fslock, singleflight, noop)", cfg.Type)
	}
}

func runServer(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Debug)

	codec, err := artifact.ParseCodec(cfg.Compression)
	if err != nil {
		return err
	}

	lockGroup, err := createLockGroup(cfg.Lock)
	if err != nil {
		return err
	}

	tmp, err := controller.NewDirTempFileStore(cfg.TempDir)
	if err != nil {
		return err
	}

	t, err := createTiers(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if t.local != nil && cfg.Local.MaxAge > 0 {
		removed, err := t.local.Trim(cfg.Local.MaxAge)
		if err != nil {
			logger.Warn("failed to trim local cache", "error", err)
		} else if removed > 0 {
			logger.Debug("trimmed local cache", "removed", removed, "max_age", cfg.Local.MaxAge)
		}
	}

	latency := metrics.NewLatencyTracker(0.01)
	listeners := []operations.Listener{latency, operations.NewLogging(logger)}
	var tierListener controller.TierListener = controller.NoopTierListener{}
	var recorder requestRecorder = noopRecorder{}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewProm(reg, "tieredcache")
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		listeners = append(listeners, prom)
		tierListener = prom
		recorder = prom

		srv := startMetricsServer(cfg.MetricsAddr, reg, logger)
		defer shutdownMetricsServer(srv)
	}

	ctrl := controller.New(t.servicesConfig(cfg),
		controller.WithTempFileStore(tmp),
		controller.WithOperations(operations.NewObserving(listeners...)),
		controller.WithLogger(logger),
		controller.WithTierListener(tierListener),
		controller.WithVerboseFailures(cfg.VerboseFailures),
	)

	prog := NewCacheProg(ctrl, os.Stdin, os.Stdout, CacheProgOptions{
		OutputDir:  cfg.OutputDir,
		Codec:      codec,
		LockGroup:  lockGroup,
		Logger:     logger,
		Latency:    latency,
		Recorder:   recorder,
		PrintStats: cfg.PrintStats,
		Stats:      os.Stderr,
	})
	return prog.Run(ctx)
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Debug("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownMetricsServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func runClear(cfg config.Config) error {
	ctx := context.Background()
	logger := newLogger(cfg.Debug)

	t, err := createTiers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer t.close()

	var errs []error
	if t.remote != nil {
		if err := t.remote.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear %s build cache: %w", controller.TierRemote, err))
		}
	}
	if t.legacyLocal != nil {
		if err := t.legacyLocal.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear %s build cache: %w", controller.TierLegacyLocal, err))
		}
	}
	if t.local != nil {
		if err := t.local.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear %s build cache: %w", controller.TierLocal, err))
		}
	}
	if err := clearDir(cfg.OutputDir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// clearDir removes all files from dir.
func clearDir(dir string) error {
	// os.RemoveAll is idempotent - it doesn't error if path doesn't exist
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to recreate directory %s: %w", dir, err)
	}
	return nil
}
