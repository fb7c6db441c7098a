// Package update serialises changes to a repository scope. Each run takes
// the scope lock, rebuilds the whole index from the stored spec records and
// persists every derived artifact before releasing the lock.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/gemspec"
	"github.com/git-pkgs/gemserver/internal/index"
	"github.com/git-pkgs/gemserver/internal/indexstore"
	"github.com/git-pkgs/gemserver/internal/lock"
	"github.com/git-pkgs/gemserver/internal/logutil"
)

// Invalidator is told which gems of a scope changed after a run has
// written them. No names means the whole scope.
type Invalidator interface {
	Invalidate(scope string, names ...string)
}

// Coordinator runs index rebuilds under the repository lock.
type Coordinator struct {
	store        *indexstore.Store
	locker       *lock.Locker
	extractor    *gemspec.Extractor
	logger       *slog.Logger
	ttl          time.Duration
	maxWait      time.Duration
	invalidators []Invalidator
	runs         *tracker
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithLockTTL sets the lease duration of the scope lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxWait bounds how long a run waits for a contended scope.
func WithMaxWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// WithInvalidator registers a cache to notify after each run.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Coordinator) { c.invalidators = append(c.invalidators, inv) }
}

// New returns a Coordinator.
func New(store *indexstore.Store, locker *lock.Locker, extractor *gemspec.Extractor, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		locker:    locker,
		extractor: extractor,
		logger:    slog.Default(),
		ttl:       lock.DefaultTTL,
		maxWait:   lock.DefaultMaxWait,
		runs:      newTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the phase of the scope's current run, or Idle.
func (c *Coordinator) State(scope string) State {
	return c.runs.state(scope)
}

// change is one mutation of a scope.
type change struct {
	op string
	// apply derives the new spec set from the stored one.
	apply func(ctx context.Context, specs []*core.Spec) ([]*core.Spec, error)
	// persist writes the records behind the change. It runs before any
	// derived file is written.
	persist func(ctx context.Context) error
	// names are the gems whose cached reads go stale.
	names []string
}

// Update adds the gem in archive to scope, replacing any spec with the same
// name, version and platform, and rebuilds the index.
func (c *Coordinator) Update(ctx context.Context, scope string, archive []byte) (*core.Spec, error) {
	spec, err := c.extractor.Extract(archive)
	if err != nil {
		metricResults.WithLabelValues("update", resultLabel(err)).Inc()
		return nil, err
	}
	t := spec.Tuple()

	err = c.run(ctx, scope, change{
		op: "update",
		apply: func(_ context.Context, specs []*core.Spec) ([]*core.Spec, error) {
			return index.Merge(specs, spec), nil
		},
		persist: func(ctx context.Context) error {
			if err := c.store.WriteArchive(ctx, scope, t, archive); err != nil {
				return err
			}
			return c.store.WriteSpec(ctx, scope, spec)
		},
		names: []string{spec.Name},
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// Remove deletes one spec and its archive from scope and rebuilds the
// index. Removing an unknown spec fails with core.ErrNotFound.
func (c *Coordinator) Remove(ctx context.Context, scope string, t core.Tuple) error {
	t.Platform = core.NormalizePlatform(t.Platform)
	return c.run(ctx, scope, change{
		op: "remove",
		apply: func(_ context.Context, specs []*core.Spec) ([]*core.Spec, error) {
			kept := index.Remove(specs, t)
			if len(kept) == len(specs) {
				return nil, &core.NotFoundError{Scope: scope, Name: t.Name, Version: t.Version}
			}
			return kept, nil
		},
		persist: func(ctx context.Context) error {
			if err := c.store.DeleteSpec(ctx, scope, t); err != nil && !errors.Is(err, core.ErrNotFound) {
				return err
			}
			if err := c.store.DeleteArchive(ctx, scope, t); err != nil && !errors.Is(err, core.ErrNotFound) {
				return err
			}
			return nil
		},
		names: []string{t.Name},
	})
}

// Reindex extracts every stored archive of scope again, rewrites the spec
// records from them and rebuilds the index. Archives that no longer extract
// are logged and skipped; their existing records are kept. It returns the
// number of archives read.
func (c *Coordinator) Reindex(ctx context.Context, scope string) (int, error) {
	var extracted []*core.Spec
	err := c.run(ctx, scope, change{
		op: "reindex",
		apply: func(ctx context.Context, specs []*core.Spec) ([]*core.Spec, error) {
			names, err := c.store.ListArchives(ctx, scope)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				archive, err := c.store.ReadArchive(ctx, scope, name)
				if errors.Is(err, core.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				spec, err := c.extractor.Extract(archive)
				if err != nil {
					c.logger.Warn("Skipping unreadable archive", "scope", scope, "archive", name, logutil.Error(err))
					continue
				}
				extracted = append(extracted, spec)
			}
			return index.Merge(specs, extracted...), nil
		},
		persist: func(ctx context.Context) error {
			for _, spec := range extracted {
				if err := c.store.WriteSpec(ctx, scope, spec); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return len(extracted), nil
}

// run applies ch to scope under the scope lock. Only the lock wait honours
// ctx; once the lock is held the rebuild runs to completion. Losing the
// lease before ch is persisted fails with core.ErrLockBusy and changes
// nothing; losing it afterwards also wraps core.ErrIndexPending.
func (c *Coordinator) run(ctx context.Context, scope string, ch change) (err error) {
	state := Idle
	enter := func(s State) {
		c.logger.Debug("Coordinator state change", "scope", scope, "op", ch.op, "from", state, "to", s)
		c.runs.move(scope, state, s)
		state = s
	}
	enter(LockPending)

	defer func() {
		result := "ok"
		if err != nil {
			result = resultLabel(err)
			enter(Failed)
		}
		metricResults.WithLabelValues(ch.op, result).Inc()
		enter(Idle)
	}()

	h, err := c.locker.Wait(ctx, scope, c.ttl, c.maxWait)
	if err != nil {
		if errors.Is(err, core.ErrLockTimeout) {
			c.logger.Warn("Repository lock contended", "scope", scope, "op", ch.op, logutil.Error(err))
		}
		return err
	}

	ctx = context.WithoutCancel(ctx)
	lease := c.locker.KeepAlive(ctx, h)
	start := time.Now()
	defer func() {
		lease.Stop()
		if rerr := c.locker.Release(ctx, h); rerr != nil {
			c.logger.Warn("Releasing repository lock", "scope", scope, logutil.Error(rerr))
		}
		// Writes may have landed even if a later one failed.
		if state == Persisting {
			c.invalidate(scope, ch.names)
		}
		if err != nil {
			c.logger.Error("Repository update failed", "scope", scope, "op", ch.op, logutil.Error(err))
		}
	}()

	enter(Building)
	specs, err := c.store.ReadAllSpecs(ctx, scope)
	if err != nil {
		return err
	}
	if specs, err = ch.apply(ctx, specs); err != nil {
		return err
	}
	result, err := index.Build(specs)
	if err != nil {
		return err
	}

	enter(Persisting)
	if err := leaseLost(scope, lease); err != nil {
		return err
	}
	if ch.persist != nil {
		if err := ch.persist(ctx); err != nil {
			return err
		}
	}
	if err := leaseLost(scope, lease); err != nil {
		return fmt.Errorf("%w: %w", core.ErrIndexPending, err)
	}
	for _, q := range result.QuickFiles {
		if err := c.store.WriteQuickFile(ctx, scope, q.Tuple, q.Data); err != nil {
			return err
		}
	}
	if err := leaseLost(scope, lease); err != nil {
		return fmt.Errorf("%w: %w", core.ErrIndexPending, err)
	}
	for _, a := range result.Artifacts {
		if err := c.store.WriteArtifact(ctx, scope, a.Kind, a.Compressed, a.Data); err != nil {
			return err
		}
	}
	pruned, err := c.store.PruneQuickFiles(ctx, scope, result.Full)
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	metricRebuildSeconds.WithLabelValues(ch.op).Observe(elapsed.Seconds())
	metricSpecs.WithLabelValues(scope).Set(float64(len(result.Full)))
	c.logger.Info("Rebuilt repository index",
		"scope", scope,
		"op", ch.op,
		"specs", len(result.Full),
		"latest", len(result.Latest),
		"prerelease", len(result.Prerelease),
		"pruned", pruned,
		"duration", elapsed)
	return nil
}

func (c *Coordinator) invalidate(scope string, names []string) {
	for _, inv := range c.invalidators {
		inv.Invalidate(scope, names...)
	}
}

// leaseLost reports a renewal failure as core.ErrLockBusy.
func leaseLost(scope string, lease *lock.Lease) error {
	err := lease.Err()
	if err == nil || errors.Is(err, core.ErrLockBusy) {
		return err
	}
	return fmt.Errorf("%w: renewing lease on %s: %w", core.ErrLockBusy, scope, err)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrCorruptArchive):
		return "corrupt_archive"
	case errors.Is(err, core.ErrMissingMetadata):
		return "missing_metadata"
	case errors.Is(err, core.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, core.ErrIndexPending):
		return "index_pending"
	case errors.Is(err, core.ErrLockBusy):
		return "lock_lost"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrEncoding):
		return "encoding_error"
	case errors.Is(err, core.ErrStorage):
		return "storage_error"
	default:
		return "error"
	}
}
