// Package resolve answers the dependency API: given gem names, the runtime
// dependencies of every stored version. Reads never take the repository
// lock and may be slightly stale.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/indexstore"
	"github.com/git-pkgs/gemserver/internal/logutil"
	"github.com/git-pkgs/gemserver/internal/marshal"
)

const (
	DefaultMaxNames    = 200
	DefaultCacheSize   = 4096
	DefaultCacheTTL    = 30 * time.Second
	defaultConcurrency = 8
)

type cacheKey struct {
	scope string
	name  string
}

// Resolver reads dependency entries from spec records through a short-lived
// cache.
type Resolver struct {
	store       *indexstore.Store
	logger      *slog.Logger
	maxNames    int
	concurrency int
	cacheSize   int
	cacheTTL    time.Duration

	cache *expirable.LRU[cacheKey, []core.DependencyEntry]
	group singleflight.Group
	// gens counts invalidations per scope. A read only fills the cache if
	// no invalidation happened while it ran.
	gens *xsync.MapOf[string, uint64]
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithMaxNames caps the names accepted per query.
func WithMaxNames(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxNames = n
		}
	}
}

// WithConcurrency bounds the parallel spec reads of one query.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithCache sets the number of cached names and how long an entry lives.
func WithCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		if size > 0 {
			r.cacheSize = size
		}
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// New returns a Resolver over store.
func New(store *indexstore.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		logger:      slog.Default(),
		maxNames:    DefaultMaxNames,
		concurrency: defaultConcurrency,
		cacheSize:   DefaultCacheSize,
		cacheTTL:    DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = expirable.NewLRU[cacheKey, []core.DependencyEntry](r.cacheSize, nil, r.cacheTTL)
	r.gens = xsync.NewMapOf[string, uint64]()
	return r
}

// ParseNames splits a comma separated gem list, dropping blanks and
// repeats while keeping the first-seen order.
func ParseNames(list string) []string {
	return normalize(strings.Split(list, ","))
}

func normalize(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Resolve returns the Marshal-encoded dependency reply for names, entries
// grouped by name in request order.
func (r *Resolver) Resolve(ctx context.Context, scope string, names []string) ([]byte, error) {
	names = normalize(names)
	byName, err := r.lookup(ctx, scope, names)
	if err != nil {
		return nil, err
	}
	var entries []core.DependencyEntry
	for _, n := range names {
		entries = append(entries, byName[n]...)
	}
	return marshal.EncodeDependencyReply(entries)
}

// Lookup returns the dependency entries of each name. Unknown names map to
// an empty list.
func (r *Resolver) Lookup(ctx context.Context, scope string, names []string) (map[string][]core.DependencyEntry, error) {
	return r.lookup(ctx, scope, normalize(names))
}

func (r *Resolver) lookup(ctx context.Context, scope string, names []string) (map[string][]core.DependencyEntry, error) {
	if len(names) > r.maxNames {
		return nil, fmt.Errorf("%w: %d requested, limit is %d", core.ErrTooManyNames, len(names), r.maxNames)
	}
	metricNames.Observe(float64(len(names)))

	results := make(map[string][]core.DependencyEntry, len(names))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	sem := make(chan struct{}, r.concurrency)

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				if firstErr == nil {
					firstErr = ctx.Err()
				}
				mu.Unlock()
				return
			}

			entries, err := r.entries(ctx, scope, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[name] = entries
		}(name)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (r *Resolver) entries(ctx context.Context, scope, name string) ([]core.DependencyEntry, error) {
	if err := core.ValidateName(name); err != nil {
		return []core.DependencyEntry{}, nil
	}

	key := cacheKey{scope: scope, name: name}
	if v, ok := r.cache.Get(key); ok {
		metricCache.WithLabelValues("hit").Inc()
		return v, nil
	}
	metricCache.WithLabelValues("miss").Inc()

	gen := r.generation(scope)
	flight := scope + "\x00" + name + "\x00" + strconv.FormatUint(gen, 10)
	v, err, shared := r.group.Do(flight, func() (any, error) {
		specs, err := r.store.ReadSpecs(ctx, scope, name)
		if err != nil {
			return nil, err
		}
		entries := make([]core.DependencyEntry, 0, len(specs))
		for _, s := range specs {
			entries = append(entries, core.DependencyEntry{
				Name:         s.Name,
				Number:       s.Version,
				Platform:     core.NormalizePlatform(s.Platform),
				Dependencies: s.RuntimeDependencies(),
			})
		}
		r.gens.Compute(scope, func(cur uint64, _ bool) (uint64, bool) {
			if cur == gen {
				r.cache.Add(key, entries)
			}
			return cur, false
		})
		return entries, nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("Reading dependency entries", "scope", scope, "gem", name, logutil.Error(err))
		}
		return nil, err
	}
	if shared {
		metricCache.WithLabelValues("shared").Inc()
	}
	return v.([]core.DependencyEntry), nil
}

// Invalidate drops cached entries of names in scope, or of the whole scope
// when no names are given. Reads already in flight do not cache their
// result.
func (r *Resolver) Invalidate(scope string, names ...string) {
	r.gens.Compute(scope, func(gen uint64, _ bool) (uint64, bool) {
		if len(names) == 0 {
			for _, k := range r.cache.Keys() {
				if k.scope == scope {
					r.cache.Remove(k)
				}
			}
		}
		for _, n := range names {
			r.cache.Remove(cacheKey{scope: scope, name: n})
		}
		return gen + 1, false
	})
}

func (r *Resolver) generation(scope string) uint64 {
	gen, _ := r.gens.Load(scope)
	return gen
}
