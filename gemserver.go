// Package gemserver hosts gem repositories: it accepts .gem uploads,
// maintains the Marshal 4.8 index files that gem clients download and
// answers dependency queries, for any number of independent scopes backed
// by one object store.
//
// Basic usage:
//
//	import (
//		"context"
//		"github.com/git-pkgs/gemserver"
//		_ "github.com/git-pkgs/gemserver/all"
//	)
//
//	repo, err := gemserver.Open(ctx, "leveldb:///var/lib/gemserver/db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer repo.Close()
//
//	spec, err := repo.Submit(ctx, "default", archive)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(spec.FullName())
//
// The all subpackage registers every storage backend; import single
// backends from internal/objectstore to keep the binary small.
package gemserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/git-pkgs/gemserver/client"
	"github.com/git-pkgs/gemserver/fetch"
	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/gemspec"
	"github.com/git-pkgs/gemserver/internal/index"
	"github.com/git-pkgs/gemserver/internal/indexstore"
	"github.com/git-pkgs/gemserver/internal/info"
	"github.com/git-pkgs/gemserver/internal/lock"
	"github.com/git-pkgs/gemserver/internal/mirror"
	"github.com/git-pkgs/gemserver/internal/objectstore"
	"github.com/git-pkgs/gemserver/internal/resolve"
	"github.com/git-pkgs/gemserver/internal/rubygems"
	"github.com/git-pkgs/gemserver/internal/update"
)

// Re-export types from internal/core
type (
	// Spec is the metadata record of one stored gem version.
	Spec = core.Spec

	// Tuple identifies a gem version by name, version and platform.
	Tuple = core.Tuple

	// Dependency is an edge from a gem to another.
	Dependency = core.Dependency

	// DependencyEntry is one version of a gem in a dependency reply.
	DependencyEntry = core.DependencyEntry

	// Scope indicates when a dependency is required.
	Scope = core.Scope

	// ArtifactKind names an index list.
	ArtifactKind = core.ArtifactKind

	// State is the phase of a scope's update run.
	State = update.State

	// Store is the object store a Repository persists into.
	Store = objectstore.Swapper
)

// Re-export constants
const (
	Runtime     = core.Runtime
	Development = core.Development

	Full       = core.Full
	Latest     = core.Latest
	Prerelease = core.Prerelease

	Idle        = update.Idle
	LockPending = update.LockPending
	Building    = update.Building
	Persisting  = update.Persisting
	Failed      = update.Failed
)

// Re-export errors
var (
	ErrNotFound        = core.ErrNotFound
	ErrCorruptArchive  = core.ErrCorruptArchive
	ErrMissingMetadata = core.ErrMissingMetadata
	ErrLockBusy        = core.ErrLockBusy
	ErrLockTimeout     = core.ErrLockTimeout
	ErrStorage         = core.ErrStorage
	ErrEncoding        = core.ErrEncoding
	ErrTooManyNames    = core.ErrTooManyNames
	ErrInvalidName     = core.ErrInvalidName
	ErrTooLarge        = core.ErrTooLarge
	ErrUpstream        = core.ErrUpstream
	ErrIndexPending    = core.ErrIndexPending

	// ErrMirrorDisabled is returned by Mirror when no upstream is configured.
	ErrMirrorDisabled = errors.New("mirroring disabled")
)

// Error types
type (
	NotFoundError = core.NotFoundError
	StorageError  = core.StorageError
	ArchiveError  = core.ArchiveError
)

// DefaultMaxArchiveSize bounds submitted and mirrored archives.
const DefaultMaxArchiveSize = mirror.DefaultMaxArchiveSize

type config struct {
	logger            *slog.Logger
	lockTTL           time.Duration
	maxWait           time.Duration
	cacheSize         int
	cacheTTL          time.Duration
	maxNames          int
	baseURL           string
	upstreamURL       string
	fetchOpts         []fetch.Option
	maxArchiveSize    int64
	maxDescriptorSize int64
}

// Option configures a Repository.
type Option func(*config)

// WithLogger sets the logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithLock sets the lease TTL of scope locks and how long an update waits
// for a busy scope.
func WithLock(ttl, maxWait time.Duration) Option {
	return func(c *config) {
		c.lockTTL = ttl
		c.maxWait = maxWait
	}
}

// WithCache sizes the dependency cache.
func WithCache(size int, ttl time.Duration) Option {
	return func(c *config) {
		c.cacheSize = size
		c.cacheTTL = ttl
	}
}

// WithMaxNames caps the gem names of one dependency query.
func WithMaxNames(n int) Option {
	return func(c *config) { c.maxNames = n }
}

// WithBaseURL sets the public URL the info documents link to.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithUpstream enables Mirror from a rubygems.org-compatible registry.
func WithUpstream(baseURL string, opts ...fetch.Option) Option {
	return func(c *config) {
		c.upstreamURL = baseURL
		if c.upstreamURL == "" {
			c.upstreamURL = rubygems.DefaultURL
		}
		c.fetchOpts = opts
	}
}

// WithMaxArchiveSize bounds submitted archives and their metadata.
// Non-positive values keep the defaults.
func WithMaxArchiveSize(archive, descriptor int64) Option {
	return func(c *config) {
		if archive > 0 {
			c.maxArchiveSize = archive
		}
		c.maxDescriptorSize = descriptor
	}
}

// Repository serves every scope of one object store.
type Repository struct {
	objects  objectstore.Swapper
	store    *indexstore.Store
	coord    *update.Coordinator
	resolver *resolve.Resolver
	info     *info.Builder
	mirror   *mirror.Mirror
	maxSize  int64
}

// Open opens the object store at storeURL and returns a Repository over it.
// The backend for the URL scheme must be registered, for example by
// importing the all package.
func Open(ctx context.Context, storeURL string, opts ...Option) (*Repository, error) {
	objects, err := objectstore.Open(ctx, storeURL)
	if err != nil {
		return nil, err
	}
	return New(objects, opts...), nil
}

// New returns a Repository over objects.
func New(objects Store, opts ...Option) *Repository {
	c := config{
		logger:         slog.Default(),
		maxArchiveSize: DefaultMaxArchiveSize,
	}
	for _, opt := range opts {
		opt(&c)
	}

	store := indexstore.New(objects)
	resolver := resolve.New(store,
		resolve.WithLogger(c.logger),
		resolve.WithMaxNames(c.maxNames),
		resolve.WithCache(c.cacheSize, c.cacheTTL))

	coord := update.New(store,
		lock.New(objects, lock.WithLogger(c.logger)),
		gemspec.New(gemspec.WithMaxDescriptorSize(c.maxDescriptorSize)),
		update.WithLogger(c.logger),
		update.WithLockTTL(c.lockTTL),
		update.WithMaxWait(c.maxWait),
		update.WithInvalidator(resolver))

	r := &Repository{
		objects:  objects,
		store:    store,
		coord:    coord,
		resolver: resolver,
		info:     info.New(store, c.baseURL),
		maxSize:  c.maxArchiveSize,
	}

	if c.upstreamURL != "" {
		fetchOpts := append([]fetch.Option{fetch.WithLogger(c.logger)}, c.fetchOpts...)
		fetcher := fetch.NewCircuitBreakerFetcher(fetch.NewFetcher(fetchOpts...))
		reg := rubygems.New(c.upstreamURL, client.DefaultClient())
		r.mirror = mirror.New(fetch.NewResolver(reg), fetcher, coord,
			mirror.WithLogger(c.logger),
			mirror.WithMaxArchiveSize(c.maxArchiveSize))
	}
	return r
}

// Close closes the object store.
func (r *Repository) Close() error {
	return r.objects.Close()
}

// checkScope accepts gem-like names except the one holding lock records.
func checkScope(scope string) error {
	if err := core.ValidateName(scope); err != nil {
		return fmt.Errorf("scope: %w", err)
	}
	if scope == lock.KeyPrefix {
		return fmt.Errorf("scope: %w: %q is reserved", core.ErrInvalidName, scope)
	}
	return nil
}

func (r *Repository) artifact(ctx context.Context, scope string, kind core.ArtifactKind, compressed bool) ([]byte, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	data, err := r.store.ReadArtifact(ctx, scope, kind, compressed)
	if errors.Is(err, core.ErrNotFound) {
		return index.Empty(kind, compressed)
	}
	return data, err
}

// FullIndex returns the list of every stored gem version. A scope with no
// gems yields a well-formed empty list.
func (r *Repository) FullIndex(ctx context.Context, scope string, compressed bool) ([]byte, error) {
	return r.artifact(ctx, scope, core.Full, compressed)
}

// LatestIndex returns the newest release of every gem.
func (r *Repository) LatestIndex(ctx context.Context, scope string, compressed bool) ([]byte, error) {
	return r.artifact(ctx, scope, core.Latest, compressed)
}

// PrereleaseIndex returns the gzipped list of prerelease versions.
func (r *Repository) PrereleaseIndex(ctx context.Context, scope string) ([]byte, error) {
	return r.artifact(ctx, scope, core.Prerelease, true)
}

// QuickFile returns the deflated spec of one gem version.
func (r *Repository) QuickFile(ctx context.Context, scope, name, version, platform string) ([]byte, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	t := core.Tuple{Name: name, Version: version, Platform: core.NormalizePlatform(platform)}
	if err := core.ValidateName(t.Name); err != nil {
		return nil, err
	}
	if err := core.ValidateName(t.Platform); err != nil {
		return nil, err
	}
	if !core.ValidVersion(t.Version) {
		return nil, fmt.Errorf("%w: version %q", core.ErrInvalidName, version)
	}
	return r.store.ReadQuickFile(ctx, scope, t)
}

// QuickFileByName is QuickFile addressed by full name, e.g.
// "nokogiri-1.16.0-java".
func (r *Repository) QuickFileByName(ctx context.Context, scope, fullName string) ([]byte, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if err := core.ValidateName(fullName); err != nil {
		return nil, err
	}
	return r.store.ReadQuickFileByName(ctx, scope, fullName)
}

// Download returns a stored .gem by full name, e.g. "rack-3.0.8".
func (r *Repository) Download(ctx context.Context, scope, fullName string) ([]byte, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if err := core.ValidateName(fullName); err != nil {
		return nil, err
	}
	return r.store.ReadArchive(ctx, scope, fullName)
}

// Dependencies answers a comma-separated gem list with a Marshal-encoded
// dependency reply.
func (r *Repository) Dependencies(ctx context.Context, scope, gems string) ([]byte, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	return r.resolver.Resolve(ctx, scope, resolve.ParseNames(gems))
}

// Lookup is Dependencies without the Marshal encoding.
func (r *Repository) Lookup(ctx context.Context, scope string, names []string) (map[string][]DependencyEntry, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	return r.resolver.Lookup(ctx, scope, names)
}

// Submit stores a .gem archive in scope and rebuilds its index.
func (r *Repository) Submit(ctx context.Context, scope string, archive []byte) (*Spec, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if int64(len(archive)) > r.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", core.ErrTooLarge, len(archive), r.maxSize)
	}
	return r.coord.Update(ctx, scope, archive)
}

// Info returns the info document of a gem; query is a name or a Package URL.
func (r *Repository) Info(ctx context.Context, scope, query string) (map[string]any, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	return r.info.Info(ctx, scope, query)
}

// Versions lists the stored versions of a gem, newest first.
func (r *Repository) Versions(ctx context.Context, scope, query string) ([]map[string]any, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	return r.info.Versions(ctx, scope, query)
}

// Yank removes one gem version from scope.
func (r *Repository) Yank(ctx context.Context, scope string, t Tuple) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	if err := core.ValidateName(t.Name); err != nil {
		return err
	}
	return r.coord.Remove(ctx, scope, t)
}

// Reindex rebuilds scope from its stored archives and returns how many were
// read.
func (r *Repository) Reindex(ctx context.Context, scope string) (int, error) {
	if err := checkScope(scope); err != nil {
		return 0, err
	}
	return r.coord.Reindex(ctx, scope)
}

// Mirror copies a gem from the upstream into scope. An empty version picks
// the newest upstream release.
func (r *Repository) Mirror(ctx context.Context, scope, name, version, platform string) (*Spec, error) {
	if r.mirror == nil {
		return nil, ErrMirrorDisabled
	}
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	return r.mirror.Mirror(ctx, scope, name, version, platform)
}

// State reports the phase of the scope's current update run.
func (r *Repository) State(scope string) State {
	return r.coord.State(scope)
}
