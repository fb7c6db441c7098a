package objectstore

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/git-pkgs/gemserver/internal/core"
)

// Local returns s unchanged when it already implements Swapper. Otherwise
// it wraps s with a CompareAndSwap that is atomic only among callers in
// this process, which is enough for single-instance deployments on stores
// without conditional writes.
func Local(s Store) Swapper {
	if sw, ok := s.(Swapper); ok {
		return sw
	}
	return &localSwapper{Store: s}
}

type localSwapper struct {
	Store
	mu sync.Mutex
}

func (l *localSwapper) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.Get(ctx, key)
	switch {
	case errors.Is(err, core.ErrNotFound):
		if old != nil {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		if old == nil || !bytes.Equal(cur, old) {
			return false, nil
		}
	}

	if new == nil {
		return true, l.Delete(ctx, key)
	}
	return true, l.Put(ctx, key, new)
}
