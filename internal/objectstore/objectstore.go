// Package objectstore defines the key/value blob store the repository
// persists into, and the registry of backends selectable by URL scheme.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/git-pkgs/gemserver/internal/core"
)

// Store is a flat namespace of immutable blobs addressed by slash-separated
// keys. Get returns an error wrapping core.ErrNotFound for missing keys;
// Delete of a missing key succeeds.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Swapper is a Store with an atomic conditional update.
type Swapper interface {
	Store
	// CompareAndSwap sets key to new if its current value equals old and
	// reports whether it did. A nil old requires the key to be absent; a
	// nil new deletes the key.
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
}

// Opener opens a backend for a parsed store URL.
type Opener func(ctx context.Context, u *url.URL) (Store, error)

var (
	openers = make(map[string]Opener)
	mu      sync.RWMutex
)

// Register makes a backend available under a URL scheme.
func Register(scheme string, open Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[scheme] = open
}

// Schemes returns the registered URL schemes, sorted.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()

	schemes := make([]string, 0, len(openers))
	for s := range openers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Open opens the store addressed by rawURL. The result always supports
// CompareAndSwap; backends without native support are serialized within
// the process (see Local).
func Open(ctx context.Context, rawURL string, opts ...Option) (Swapper, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing store URL: %w", err)
	}

	mu.RLock()
	open, ok := openers[u.Scheme]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store scheme %q (registered: %s)", u.Scheme, strings.Join(Schemes(), ", "))
	}

	s, err := open(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", u.Scheme, err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	sw := Local(s)
	sw = Instrument(u.Scheme, sw)
	if !o.noBreaker {
		sw = WithBreaker(sw)
	}
	return sw, nil
}

type options struct {
	noBreaker bool
}

// Option configures Open.
type Option func(*options)

// WithoutBreaker disables the circuit breaker around the backend.
func WithoutBreaker() Option {
	return func(o *options) { o.noBreaker = true }
}

// Fail wraps a backend failure as a *core.StorageError. Not-found errors
// pass through unchanged.
func Fail(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrNotFound) {
		return err
	}
	var se *core.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &core.StorageError{Op: op, Key: key, Err: err}
}

// NotFound returns an error wrapping core.ErrNotFound for key.
func NotFound(key string) error {
	return fmt.Errorf("%w: %s", core.ErrNotFound, key)
}

// FilePath returns the filesystem path of a URL such as "leveldb:///abs/dir"
// or "sqlite:rel/file.db".
func FilePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}
