package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/logutil"
	"github.com/git-pkgs/gemserver/internal/objectstore/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLocker(opts ...Option) (*Locker, *memstore.Store) {
	store := memstore.New()
	opts = append([]Option{
		WithLogger(logutil.Discard()),
		WithRetryInterval(2*time.Millisecond, 10*time.Millisecond),
	}, opts...)
	return New(store, opts...), store
}

func TestAcquireExcludes(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, _ := newTestLocker(WithClock(clock))

	h, err := l.Acquire(ctx, "default", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := l.Acquire(ctx, "default", time.Minute); !errors.Is(err, core.ErrLockBusy) {
		t.Errorf("second Acquire() error = %v, want ErrLockBusy", err)
	}

	other, err := l.Acquire(ctx, "other", time.Minute)
	if err != nil {
		t.Errorf("Acquire() of another scope error = %v", err)
	}

	rec, err := l.Inspect(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Owner != h.Owner || rec.Scope != "default" || !rec.Expires.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("Inspect() = %+v", rec)
	}

	if err := l.Release(ctx, h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := l.Inspect(ctx, "default"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Inspect() after release error = %v, want ErrNotFound", err)
	}
	if _, err := l.Acquire(ctx, "default", time.Minute); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
	if err := l.Release(ctx, other); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, _ := newTestLocker(WithClock(clock))

	stale, err := l.Acquire(ctx, "default", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(59 * time.Second)
	if _, err := l.Acquire(ctx, "default", time.Minute); !errors.Is(err, core.ErrLockBusy) {
		t.Fatalf("Acquire() before expiry error = %v, want ErrLockBusy", err)
	}

	clock.Advance(2 * time.Second)
	fresh, err := l.Acquire(ctx, "default", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}

	if err := l.Release(ctx, stale); !errors.Is(err, core.ErrLockBusy) {
		t.Errorf("Release() of lost lease error = %v, want ErrLockBusy", err)
	}
	if err := l.Renew(ctx, stale); !errors.Is(err, core.ErrLockBusy) {
		t.Errorf("Renew() of lost lease error = %v, want ErrLockBusy", err)
	}

	rec, err := l.Inspect(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Owner != fresh.Owner {
		t.Errorf("lock owner = %s, want %s", rec.Owner, fresh.Owner)
	}
}

func TestAcquireRefusesForeignRecord(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLocker()
	foreign := []byte("\x04\b[\x00")
	if err := store.Put(ctx, Key("specs.full"), foreign); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Acquire(ctx, "specs.full", time.Minute); !errors.Is(err, core.ErrStorage) {
		t.Fatalf("Acquire() error = %v, want ErrStorage", err)
	}
	if _, err := l.Wait(ctx, "specs.full", time.Minute, time.Second); !errors.Is(err, core.ErrStorage) {
		t.Errorf("Wait() error = %v, want ErrStorage", err)
	}
	got, err := store.Get(ctx, Key("specs.full"))
	if err != nil || string(got) != string(foreign) {
		t.Errorf("record = %q (err %v), want it untouched", got, err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, _ := newTestLocker(WithClock(clock))

	h, err := l.Acquire(ctx, "default", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(50 * time.Second)
	if err := l.Renew(ctx, h); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if want := clock.Now().Add(time.Minute); !h.Expires().Equal(want) {
		t.Errorf("Expires() = %v, want %v", h.Expires(), want)
	}

	clock.Advance(50 * time.Second)
	if _, err := l.Acquire(ctx, "default", time.Minute); !errors.Is(err, core.ErrLockBusy) {
		t.Errorf("Acquire() of renewed lease error = %v, want ErrLockBusy", err)
	}
	if err := l.Release(ctx, h); err != nil {
		t.Errorf("Release() after renew error = %v", err)
	}
}

func TestConcurrentAcquire(t *testing.T) {
	l, _ := newTestLocker()
	const workers = 10

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Acquire(context.Background(), "default", time.Minute)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case !errors.Is(err, core.ErrLockBusy):
				t.Errorf("Acquire() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d goroutines acquired the lock, want 1", wins)
	}
}

func TestWaitAcquiresAfterRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker()

	h, err := l.Acquire(ctx, "default", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Release(ctx, h)
	}()

	got, err := l.Wait(ctx, "default", time.Minute, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.Owner == h.Owner {
		t.Error("Wait() returned the previous holder's lease")
	}
}

func TestWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker()

	if _, err := l.Acquire(ctx, "default", time.Minute); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := l.Wait(ctx, "default", time.Minute, 30*time.Millisecond)
	if !errors.Is(err, core.ErrLockTimeout) {
		t.Fatalf("Wait() error = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Wait() took %s", elapsed)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l, _ := newTestLocker()
	if _, err := l.Acquire(context.Background(), "default", time.Minute); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Wait(ctx, "default", time.Minute, time.Minute)
	if !errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("Wait() error = %v, want ErrLockTimeout", err)
	}
}

func TestKeepAlive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker()

	h, err := l.Acquire(ctx, "default", 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	lease := l.KeepAlive(ctx, h)

	time.Sleep(100 * time.Millisecond)
	if _, err := l.Acquire(ctx, "default", time.Minute); !errors.Is(err, core.ErrLockBusy) {
		t.Errorf("Acquire() while kept alive error = %v, want ErrLockBusy", err)
	}
	lease.Stop()
	if err := lease.Err(); err != nil {
		t.Errorf("lease.Err() = %v", err)
	}
	if err := l.Release(ctx, h); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestKeepAliveReportsLostLease(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLocker()

	h, err := l.Acquire(ctx, "default", 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, Key("default"), []byte(`{"owner":"someone-else"}`)); err != nil {
		t.Fatal(err)
	}

	lease := l.KeepAlive(ctx, h)
	defer lease.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for lease.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(lease.Err(), core.ErrLockBusy) {
		t.Errorf("lease.Err() = %v, want ErrLockBusy", lease.Err())
	}
}
