package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/git-pkgs/gemserver/internal/objectstore/storetest"
)

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	storetest.Run(t, s)
}
