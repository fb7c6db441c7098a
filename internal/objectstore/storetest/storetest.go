// Package storetest holds the behavioural tests every object store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/objectstore"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s objectstore.Swapper) {
	t.Helper()
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, s) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, s) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s) })
	t.Run("List", func(t *testing.T) { testList(t, s) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, s) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, s) })
}

func testGetMissing(t *testing.T, s objectstore.Swapper) {
	_, err := s.Get(context.Background(), "missing/key")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if errors.Is(err, core.ErrStorage) {
		t.Errorf("Get() error = %v, must not be a storage error", err)
	}
}

func testPutGet(t *testing.T, s objectstore.Swapper) {
	ctx := context.Background()
	if err := s.Put(ctx, "pg/a", []byte("one")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "pg/a", []byte("two")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(ctx, "pg/a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get() = %q, want %q", got, "two")
	}

	if err := s.Put(ctx, "pg/empty", nil); err != nil {
		t.Fatalf("Put(nil) error = %v", err)
	}
	got, err = s.Get(ctx, "pg/empty")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Get() = %q, want empty", got)
	}
}

func testDelete(t *testing.T, s objectstore.Swapper) {
	ctx := context.Background()
	if err := s.Put(ctx, "del/a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "del/a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "del/a"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "del/a"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func testList(t *testing.T, s objectstore.Swapper) {
	ctx := context.Background()
	for _, k := range []string{"ls/b/2", "ls/a", "ls/b/1", "lsx/c"} {
		if err := s.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.List(ctx, "ls/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"ls/a", "ls/b/1", "ls/b/2"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("List() = %v, want %v", keys, want)
	}

	keys, err = s.List(ctx, "nothing/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List() = %v, want empty", keys)
	}
}

func testCompareAndSwap(t *testing.T, s objectstore.Swapper) {
	ctx := context.Background()
	key := "cas/lock"

	steps := []struct {
		name     string
		old, new []byte
		want     bool
		after    string // "" means absent
	}{
		{"create", nil, []byte("a"), true, "a"},
		{"create again", nil, []byte("b"), false, "a"},
		{"wrong old", []byte("x"), []byte("b"), false, "a"},
		{"replace", []byte("a"), []byte("b"), true, "b"},
		{"delete wrong old", []byte("a"), nil, false, "b"},
		{"delete", []byte("b"), nil, true, ""},
		{"replace missing", []byte("b"), []byte("c"), false, ""},
		{"absent check", nil, nil, true, ""},
	}

	for _, step := range steps {
		swapped, err := s.CompareAndSwap(ctx, key, step.old, step.new)
		if err != nil {
			t.Fatalf("%s: CompareAndSwap() error = %v", step.name, err)
		}
		if swapped != step.want {
			t.Errorf("%s: CompareAndSwap() = %v, want %v", step.name, swapped, step.want)
		}
		got, err := s.Get(ctx, key)
		switch {
		case step.after == "" && !errors.Is(err, core.ErrNotFound):
			t.Errorf("%s: Get() = %q, %v, want absent", step.name, got, err)
		case step.after != "" && string(got) != step.after:
			t.Errorf("%s: Get() = %q, %v, want %q", step.name, got, err, step.after)
		}
	}
}

func testConcurrentCreate(t *testing.T, s objectstore.Swapper) {
	ctx := context.Background()
	const workers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "race/key", nil, []byte(fmt.Sprint(i)))
			if err != nil {
				t.Errorf("CompareAndSwap() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d concurrent creates succeeded, want 1", wins)
	}
}
