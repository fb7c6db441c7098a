package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/git-pkgs/gemserver/internal/core"
)

// ErrUnavailable is returned while the breaker around a backend is open.
var ErrUnavailable = errors.New("store unavailable")

// breakerStore fails fast after repeated backend errors so request
// goroutines do not pile up behind a dead store.
type breakerStore struct {
	next    Swapper
	breaker *circuit.Breaker
}

// WithBreaker wraps s with a circuit breaker that trips after 5 consecutive
// failures and probes again with exponential backoff. Not-found results do
// not count as failures.
func WithBreaker(s Swapper) Swapper {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 2 * time.Second
	expBackoff.MaxInterval = time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	opts := &circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	}
	return &breakerStore{next: s, breaker: circuit.NewBreakerWithOptions(opts)}
}

func (b *breakerStore) call(op, key string, fn func() error) error {
	if !b.breaker.Ready() {
		return &core.StorageError{Op: op, Key: key, Err: fmt.Errorf("circuit breaker open: %w", ErrUnavailable)}
	}

	var result error
	err := b.breaker.Call(func() error {
		result = fn()
		if result != nil && !errors.Is(result, core.ErrNotFound) {
			return result
		}
		return nil
	}, 0)
	if result != nil {
		return Fail(op, key, result)
	}
	return Fail(op, key, err)
}

func (b *breakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.call("get", key, func() error {
		var err error
		data, err = b.next.Get(ctx, key)
		return err
	})
	return data, err
}

func (b *breakerStore) Put(ctx context.Context, key string, data []byte) error {
	return b.call("put", key, func() error {
		return b.next.Put(ctx, key, data)
	})
}

func (b *breakerStore) Delete(ctx context.Context, key string) error {
	return b.call("delete", key, func() error {
		return b.next.Delete(ctx, key)
	})
}

func (b *breakerStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.call("list", prefix, func() error {
		var err error
		keys, err = b.next.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (b *breakerStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	var swapped bool
	err := b.call("cas", key, func() error {
		var err error
		swapped, err = b.next.CompareAndSwap(ctx, key, old, new)
		return err
	})
	return swapped, err
}

func (b *breakerStore) Close() error {
	return b.next.Close()
}

// Tripped reports whether the breaker is currently open.
func (b *breakerStore) Tripped() bool {
	return b.breaker.Tripped()
}
