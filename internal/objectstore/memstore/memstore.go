// Package memstore is an in-process object store, used for tests and
// ephemeral servers (mem://).
package memstore

import (
	"bytes"
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/git-pkgs/gemserver/internal/objectstore"
)

func init() {
	objectstore.Register("mem", func(context.Context, *url.URL) (objectstore.Store, error) {
		return New(), nil
	})
}

// Store keeps blobs in a concurrent map. Values are copied on the way in
// and out.
type Store struct {
	data *xsync.MapOf[string, []byte]
}

var _ objectstore.Swapper = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{data: xsync.NewMapOf[string, []byte]()}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.data.Load(key)
	if !ok {
		return nil, objectstore.NotFound(key)
	}
	return bytes.Clone(v), nil
}

func (s *Store) Put(_ context.Context, key string, data []byte) error {
	s.data.Store(key, cloneNonNil(data))
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.data.Delete(key)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	s.data.Range(func(k string, _ []byte) bool {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, old, new []byte) (bool, error) {
	swapped := false
	s.data.Compute(key, func(cur []byte, loaded bool) ([]byte, bool) {
		match := (old == nil && !loaded) || (old != nil && loaded && bytes.Equal(cur, old))
		if !match {
			return cur, !loaded
		}
		swapped = true
		if new == nil {
			return nil, true
		}
		return cloneNonNil(new), false
	})
	return swapped, nil
}

func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return s.data.Size()
}

func cloneNonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return bytes.Clone(b)
}
