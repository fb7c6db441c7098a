// Package lock implements the per-scope repository lock as a lease record
// in the object store. Every state change is a compare-and-swap against the
// record the caller last saw, so two processes sharing a store never both
// hold a scope.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/google/uuid"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/logutil"
	"github.com/git-pkgs/gemserver/internal/objectstore"
)

// Defaults for the lease policy. A live holder renews every TTL/3, so the
// TTL only bounds how long a crashed holder blocks the scope.
const (
	DefaultTTL     = 2 * time.Minute
	DefaultMaxWait = 30 * time.Second
)

// KeyPrefix holds the lock records of every scope at the store root, so it
// must never be used as a scope name itself.
const KeyPrefix = "locks"

// Key returns the store key of the lock record for scope.
func Key(scope string) string {
	return path.Join(KeyPrefix, scope)
}

// Record is the persisted lease.
type Record struct {
	Owner    string    `json:"owner"`
	Scope    string    `json:"scope"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
}

// Clock abstracts time for lease expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Handle is a held lease.
type Handle struct {
	Scope string
	Owner string
	TTL   time.Duration

	mu      sync.Mutex
	raw     []byte
	expires time.Time
}

// Expires returns the current lease expiry.
func (h *Handle) Expires() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expires
}

// Locker acquires and releases scope leases.
type Locker struct {
	store  objectstore.Swapper
	clock  Clock
	logger *slog.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock sets the clock used for lease timestamps.
func WithClock(c Clock) Option {
	return func(l *Locker) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// WithRetryInterval sets the first and largest pause between attempts in
// Wait.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(l *Locker) {
		l.initialInterval = initial
		l.maxInterval = max
	}
}

// New returns a Locker storing leases in store.
func New(store objectstore.Swapper, opts ...Option) *Locker {
	l := &Locker{
		store:           store,
		clock:           systemClock{},
		logger:          slog.Default(),
		initialInterval: 100 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lease for scope, or fails with core.ErrLockBusy if a
// live lease is held by someone else. Expired leases are taken over; a
// record that is not a lease fails with core.ErrStorage.
func (l *Locker) Acquire(ctx context.Context, scope string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := Key(scope)

	cur, err := l.store.Get(ctx, key)
	switch {
	case errors.Is(err, core.ErrNotFound):
		cur = nil
	case err != nil:
		return nil, objectstore.Fail("get", key, err)
	default:
		var rec Record
		if jerr := json.Unmarshal(cur, &rec); jerr != nil {
			// Not a lease; overwriting it could destroy data.
			return nil, &core.StorageError{Op: "decode", Key: key, Err: jerr}
		}
		if l.clock.Now().Before(rec.Expires) {
			metricAcquire.WithLabelValues("busy").Inc()
			return nil, fmt.Errorf("%w: %s held by %s until %s", core.ErrLockBusy, scope, rec.Owner, rec.Expires.Format(time.RFC3339))
		}
		l.logger.Warn("Taking over expired repository lock", "scope", scope, "previous", rec.Owner)
	}

	now := l.clock.Now()
	h := &Handle{Scope: scope, Owner: uuid.NewString(), TTL: ttl}
	raw, err := h.record(now, now.Add(ttl))
	if err != nil {
		return nil, err
	}

	ok, err := l.store.CompareAndSwap(ctx, key, cur, raw)
	if err != nil {
		return nil, objectstore.Fail("cas", key, err)
	}
	if !ok {
		metricAcquire.WithLabelValues("busy").Inc()
		return nil, fmt.Errorf("%w: %s acquired concurrently", core.ErrLockBusy, scope)
	}

	if cur != nil {
		metricAcquire.WithLabelValues("takeover").Inc()
	} else {
		metricAcquire.WithLabelValues("acquired").Inc()
	}
	h.raw = raw
	h.expires = now.Add(ttl)
	l.logger.Debug("Acquired repository lock", "scope", scope, "owner", h.Owner, "ttl", ttl)
	return h, nil
}

func (h *Handle) record(acquired, expires time.Time) ([]byte, error) {
	raw, err := json.Marshal(Record{
		Owner:    h.Owner,
		Scope:    h.Scope,
		Acquired: acquired.UTC(),
		Expires:  expires.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: lock record: %v", core.ErrEncoding, err)
	}
	return raw, nil
}

// Wait retries Acquire with exponential backoff until it succeeds, maxWait
// elapses or ctx ends. Exhausting the wait returns core.ErrLockTimeout.
func (l *Locker) Wait(ctx context.Context, scope string, ttl, maxWait time.Duration) (*Handle, error) {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	start := time.Now()
	defer func() { metricWaitSeconds.Observe(time.Since(start).Seconds()) }()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialInterval
	b.MaxInterval = l.maxInterval
	b.MaxElapsedTime = maxWait
	b.Reset()

	deadline := start.Add(maxWait)
	for attempt := 1; ; attempt++ {
		h, err := l.Acquire(ctx, scope, ttl)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, core.ErrLockBusy) {
			return nil, err
		}

		next := b.NextBackOff()
		remaining := time.Until(deadline)
		if next == backoff.Stop || remaining <= 0 {
			metricAcquire.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w: %s after %d attempts in %s: %v", core.ErrLockTimeout, scope, attempt, maxWait, err)
		}
		next = min(next, remaining)

		l.logger.Debug("Repository lock busy, retrying", "scope", scope, "attempt", attempt, "delay", next)
		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			metricAcquire.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w: %s: %v", core.ErrLockTimeout, scope, ctx.Err())
		case <-t.C:
		}
	}
}

// Renew extends the lease by its TTL. It fails with core.ErrLockBusy if the
// lease was lost to another holder.
func (l *Locker) Renew(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := l.clock.Now()
	var prev Record
	if err := json.Unmarshal(h.raw, &prev); err != nil {
		return fmt.Errorf("%w: lock record: %v", core.ErrEncoding, err)
	}
	raw, err := h.record(prev.Acquired, now.Add(h.TTL))
	if err != nil {
		return err
	}

	key := Key(h.Scope)
	ok, err := l.store.CompareAndSwap(ctx, key, h.raw, raw)
	if err != nil {
		return objectstore.Fail("cas", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: lease on %s lost", core.ErrLockBusy, h.Scope)
	}
	h.raw = raw
	h.expires = now.Add(h.TTL)
	return nil
}

// Release deletes the lease. Releasing a lease that was lost fails with
// core.ErrLockBusy and leaves the new holder's record in place.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := Key(h.Scope)
	ok, err := l.store.CompareAndSwap(ctx, key, h.raw, nil)
	if err != nil {
		return objectstore.Fail("cas", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: lease on %s lost before release", core.ErrLockBusy, h.Scope)
	}
	l.logger.Debug("Released repository lock", "scope", h.Scope, "owner", h.Owner)
	return nil
}

// Inspect returns the current lease record of scope, or an error wrapping
// core.ErrNotFound if the scope is unlocked.
func (l *Locker) Inspect(ctx context.Context, scope string) (*Record, error) {
	key := Key(scope)
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, objectstore.Fail("get", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &core.StorageError{Op: "decode", Key: key, Err: err}
	}
	return &rec, nil
}

// Lease renews a handle in the background.
type Lease struct {
	stop chan struct{}
	done chan struct{}

	mu  sync.Mutex
	err error
}

// KeepAlive renews h every TTL/3 until Stop is called or a renewal fails.
// Renewal runs on a context detached from ctx's cancellation.
func (l *Locker) KeepAlive(ctx context.Context, h *Handle) *Lease {
	ls := &Lease{stop: make(chan struct{}), done: make(chan struct{})}
	ctx = context.WithoutCancel(ctx)
	interval := max(h.TTL/3, time.Millisecond)

	go func() {
		defer close(ls.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ls.stop:
				return
			case <-ticker.C:
				if err := l.Renew(ctx, h); err != nil {
					l.logger.Error("Renewing repository lock", "scope", h.Scope, logutil.Error(err))
					metricRenewFailures.Inc()
					ls.mu.Lock()
					ls.err = err
					ls.mu.Unlock()
					return
				}
			}
		}
	}()
	return ls
}

// Err returns the renewal failure, if any. A non-nil result means the lease
// may be held by someone else.
func (ls *Lease) Err() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.err
}

// Stop ends renewal and waits for the renewing goroutine to exit.
func (ls *Lease) Stop() {
	select {
	case <-ls.stop:
	default:
		close(ls.stop)
	}
	<-ls.done
}
