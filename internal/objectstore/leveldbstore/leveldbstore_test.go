package leveldbstore

import (
	"path/filepath"
	"testing"

	"github.com/git-pkgs/gemserver/internal/objectstore/storetest"
)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	storetest.Run(t, s)
}
