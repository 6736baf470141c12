// Package controller coordinates the build cache tiers.
//
// A Controller owns one handle per tier: the in-process local tier, the
// legacy local tier and the remote tier. Loads consult the tiers in that
// order and stop at the first hit; entries found in a slower tier are
// written back to the local tier. Stores pack the artifact once and write
// it to every tier that accepts stores, in the order legacy local, remote,
// local.
//
// A tier whose backend fails MaxErrors times in a row is turned off for the
// rest of the controller's lifetime. Tier failures are logged, never
// returned; only pack/unpack failures (FatalError) and temp file allocation
// failures reach the caller. Failing to open the packed temp file before
// the tier writes is a temp file failure too.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/richardartoul/tieredcache/backends"
	"github.com/richardartoul/tieredcache/operations"
)

// ServicesConfig selects the service behind each tier. A nil service leaves
// the tier permanently inert. The Push flags allow stores to that tier.
type ServicesConfig struct {
	Local     LocalService
	LocalPush bool

	LegacyLocal     backends.Backend
	LegacyLocalPush bool

	Remote     backends.Backend
	RemotePush bool
}

type options struct {
	tmp       TempFileStore
	ops       operations.Executor
	logger    *slog.Logger
	listener  TierListener
	maxErrors int
	verbose   bool
}

// Option configures a Controller.
type Option func(*options)

// WithTempFileStore sets where packed entries are staged. The default
// allocates files in os.TempDir().
func WithTempFileStore(tmp TempFileStore) Option {
	return func(o *options) { o.tmp = tmp }
}

// WithOperations sets the executor that records pack, unpack and remote
// tier operations. The default records nothing.
func WithOperations(ops operations.Executor) Option {
	return func(o *options) { o.ops = ops }
}

// WithLogger sets the logger used to report tier failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTierListener sets a listener for tier hits, stores and failures.
func WithTierListener(listener TierListener) Option {
	return func(o *options) { o.listener = listener }
}

// WithVerboseFailures logs every tier failure at warn level together with
// its full error chain. By default individual failures are logged at debug
// level and only disabling a tier is a warning.
func WithVerboseFailures(verbose bool) Option {
	return func(o *options) { o.verbose = verbose }
}

// WithMaxErrors overrides MaxErrors.
func WithMaxErrors(n int) Option {
	return func(o *options) { o.maxErrors = n }
}

// Controller is the entry point for loading and storing cache entries. It is
// safe for concurrent use by many build tasks; each call gets its own temp
// file.
type Controller struct {
	local       *localHandle
	legacyLocal *mediatedHandle
	remote      *mediatedHandle

	tmp TempFileStore
	ops operations.Executor
}

// New creates a Controller for one build.
func New(cfg ServicesConfig, opts ...Option) *Controller {
	o := options{
		tmp:       &DirTempFileStore{dir: os.TempDir()},
		ops:       operations.Noop{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		listener:  NoopTierListener{},
		maxErrors: MaxErrors,
	}
	for _, opt := range opts {
		opt(&o)
	}

	state := func(tier Tier, present, push bool) tierState {
		return tierState{
			tier:     tier,
			present:  present,
			push:     push,
			breaker:  newBreaker(o.maxErrors),
			logger:   o.logger,
			listener: o.listener,
			verbose:  o.verbose,
		}
	}

	return &Controller{
		local: &localHandle{
			tierState: state(TierLocal, cfg.Local != nil, cfg.LocalPush),
			service:   cfg.Local,
		},
		legacyLocal: &mediatedHandle{
			tierState: state(TierLegacyLocal, cfg.LegacyLocal != nil, cfg.LegacyLocalPush),
			backend:   cfg.LegacyLocal,
			ops:       operations.Noop{},
		},
		remote: &mediatedHandle{
			tierState: state(TierRemote, cfg.Remote != nil, cfg.RemotePush),
			backend:   cfg.Remote,
			ops:       o.ops,
		},
		tmp: o.tmp,
		ops: o.ops,
	}
}

// Load looks cmd's key up in each tier and unpacks the first hit with cmd.
// It reports false on a miss, which is not an error.
func (c *Controller) Load(ctx context.Context, cmd LoadCommand) (LoadResult, bool, error) {
	key := cmd.Key()
	var result *LoadResult

	if c.local.canLoad() {
		_, err := c.local.load(key, func(file *os.File) error {
			loaded, err := c.unpack(cmd, file)
			if err != nil {
				return err
			}
			result = &loaded
			return nil
		})
		if err != nil {
			return LoadResult{}, false, err
		}
		if result != nil {
			return *result, true, nil
		}
	}

	if c.legacyLocal.canLoad() || c.remote.canLoad() {
		err := c.tmp.Allocate(key, func(path string) error {
			target := &loadTarget{path: path}
			if c.legacyLocal.canLoad() {
				c.legacyLocal.load(ctx, key, target)
			}
			if !target.loaded && c.remote.canLoad() {
				c.remote.load(ctx, key, target)
			}
			if !target.loaded {
				return nil
			}

			loaded, err := c.unpackFile(cmd, path)
			if err != nil {
				return err
			}
			result = &loaded

			if c.local.canStore() {
				c.local.store(key, path)
			}
			return nil
		})
		if err != nil {
			return LoadResult{}, false, err
		}
	}

	if result == nil {
		return LoadResult{}, false, nil
	}
	return *result, true, nil
}

// Store packs cmd's artifact once and writes it to every tier that accepts
// stores. It does nothing, not even packing, when no tier does.
func (c *Controller) Store(ctx context.Context, cmd StoreCommand) error {
	if !c.local.canStore() && !c.legacyLocal.canStore() && !c.remote.canStore() {
		return nil
	}

	key := cmd.Key()
	return c.tmp.Allocate(key, func(path string) error {
		if _, err := c.pack(cmd, path); err != nil {
			return err
		}

		if c.legacyLocal.canStore() || c.remote.canStore() {
			src, err := openStoreSource(path)
			if err != nil {
				return err
			}
			defer src.close()

			if c.legacyLocal.canStore() {
				c.legacyLocal.store(ctx, key, src)
			}
			if c.remote.canStore() {
				c.remote.store(ctx, key, src)
			}
		}
		if c.local.canStore() {
			c.local.store(key, path)
		}
		return nil
	})
}

// Close closes every tier's service, even if some fail, and returns all
// failures joined together.
func (c *Controller) Close() error {
	var errs []error
	if err := c.legacyLocal.close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s build cache: %w", TierLegacyLocal, err))
	}
	if err := c.local.close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s build cache: %w", TierLocal, err))
	}
	if err := c.remote.close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s build cache: %w", TierRemote, err))
	}
	return errors.Join(errs...)
}

// Status returns the state of each tier in load order.
func (c *Controller) Status() []TierStatus {
	return []TierStatus{
		c.local.status(),
		c.legacyLocal.status(),
		c.remote.status(),
	}
}
