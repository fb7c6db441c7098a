package indexstore

import (
	"context"
	"errors"
	"testing"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/objectstore/memstore"
)

func TestKeys(t *testing.T) {
	java := core.Tuple{Name: "jruby-openssl", Version: "0.14.2", Platform: "java"}
	plain := core.Tuple{Name: "rack", Version: "3.0.8", Platform: "ruby"}

	tests := []struct {
		got, want string
	}{
		{ArtifactKey("default", core.Full, false), "default/specs.full"},
		{ArtifactKey("default", core.Full, true), "default/specs.full.gz"},
		{ArtifactKey("default", core.Latest, true), "default/specs.latest.gz"},
		{ArtifactKey("default", core.Prerelease, false), "default/specs.prerelease.gz"},
		{QuickKey("team", java), "team/quick/jruby-openssl-0.14.2-java.spec"},
		{QuickKey("team", plain), "team/quick/rack-3.0.8.spec"},
		{SpecKey("team", plain), "team/meta/rack/rack-3.0.8.json"},
		{ArchiveKey("team", plain.FullName()), "team/gems/rack-3.0.8.gem"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestSpecRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())

	spec := &core.Spec{
		Name:     "foo",
		Version:  "1.0.0",
		Checksum: "abc",
		Dependencies: []core.Dependency{
			{Name: "bar", Requirement: ">= 1.0", Scope: core.Runtime},
		},
		Attributes: core.Attributes{Summary: "foo", Licenses: []string{"MIT"}},
	}
	if err := s.WriteSpec(ctx, "default", spec); err != nil {
		t.Fatalf("WriteSpec() error = %v", err)
	}

	got, err := s.ReadSpec(ctx, "default", spec.Tuple())
	if err != nil {
		t.Fatalf("ReadSpec() error = %v", err)
	}
	if got.Platform != "ruby" {
		t.Errorf("Platform = %q, want ruby", got.Platform)
	}
	if got.Checksum != "abc" || got.Attributes.Summary != "foo" {
		t.Errorf("ReadSpec() = %+v", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != spec.Dependencies[0] {
		t.Errorf("Dependencies = %+v", got.Dependencies)
	}
}

func TestReadSpecsByName(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())

	for _, spec := range []*core.Spec{
		{Name: "foo", Version: "2.0.0"},
		{Name: "foo", Version: "1.0.0"},
		{Name: "foo-bar", Version: "1.0.0"},
		{Name: "foo", Version: "1.0.0", Platform: "java"},
	} {
		if err := s.WriteSpec(ctx, "default", spec); err != nil {
			t.Fatal(err)
		}
	}

	specs, err := s.ReadSpecs(ctx, "default", "foo")
	if err != nil {
		t.Fatalf("ReadSpecs() error = %v", err)
	}
	want := []string{"foo-1.0.0-java", "foo-1.0.0", "foo-2.0.0"}
	if len(specs) != len(want) {
		t.Fatalf("got %d specs, want %d", len(specs), len(want))
	}
	for i, spec := range specs {
		if spec.FullName() != want[i] {
			t.Errorf("specs[%d] = %q, want %q", i, spec.FullName(), want[i])
		}
	}

	all, err := s.ReadAllSpecs(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("ReadAllSpecs() returned %d specs, want 4", len(all))
	}

	none, err := s.ReadSpecs(ctx, "default", "missing")
	if err != nil || len(none) != 0 {
		t.Errorf("ReadSpecs(missing) = %v, %v, want empty", none, err)
	}
	other, err := s.ReadAllSpecs(ctx, "other")
	if err != nil || len(other) != 0 {
		t.Errorf("ReadAllSpecs(other scope) = %v, %v, want empty", other, err)
	}
}

func TestReadMissing(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())
	tuple := core.Tuple{Name: "foo", Version: "1.0.0"}

	if _, err := s.ReadQuickFile(ctx, "default", tuple); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ReadQuickFile() error = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadArtifact(ctx, "default", core.Full, true); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ReadArtifact() error = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadArchive(ctx, "default", "foo-1.0.0"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ReadArchive() error = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadSpec(ctx, "default", tuple); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ReadSpec() error = %v, want ErrNotFound", err)
	}
}

func TestCorruptRecord(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	s := New(m)
	tuple := core.Tuple{Name: "foo", Version: "1.0.0"}
	if err := m.Put(ctx, SpecKey("default", tuple), []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ReadAllSpecs(ctx, "default"); !errors.Is(err, core.ErrStorage) {
		t.Errorf("ReadAllSpecs() error = %v, want ErrStorage", err)
	}
}

func TestPruneQuickFiles(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())
	keep := core.Tuple{Name: "foo", Version: "1.0.0"}
	stale := core.Tuple{Name: "foo", Version: "0.9.0"}

	for _, tuple := range []core.Tuple{keep, stale} {
		if err := s.WriteQuickFile(ctx, "default", tuple, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.PruneQuickFiles(ctx, "default", []core.Tuple{keep})
	if err != nil {
		t.Fatalf("PruneQuickFiles() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d files, want 1", removed)
	}
	if _, err := s.ReadQuickFile(ctx, "default", keep); err != nil {
		t.Errorf("kept quick file missing: %v", err)
	}
	if _, err := s.ReadQuickFile(ctx, "default", stale); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("stale quick file error = %v, want ErrNotFound", err)
	}
}

func TestArchives(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())
	tuple := core.Tuple{Name: "foo", Version: "1.0.0", Platform: "java"}

	if err := s.WriteArchive(ctx, "default", tuple, []byte("gem")); err != nil {
		t.Fatal(err)
	}
	names, err := s.ListArchives(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "foo-1.0.0-java" {
		t.Errorf("ListArchives() = %v", names)
	}

	data, err := s.ReadArchive(ctx, "default", "foo-1.0.0-java")
	if err != nil || string(data) != "gem" {
		t.Errorf("ReadArchive() = %q, %v", data, err)
	}

	if err := s.DeleteArchive(ctx, "default", tuple); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadArchive(ctx, "default", "foo-1.0.0-java"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ReadArchive() after delete error = %v", err)
	}
}

func TestReadQuickFileByName(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())
	tuple := core.Tuple{Name: "foo-bar", Version: "2.0.0-beta", Platform: "java"}

	if err := s.WriteQuickFile(ctx, "default", tuple, []byte("spec")); err != nil {
		t.Fatal(err)
	}
	data, err := s.ReadQuickFileByName(ctx, "default", "foo-bar-2.0.0-beta-java")
	if err != nil {
		t.Fatalf("ReadQuickFileByName() error = %v", err)
	}
	if string(data) != "spec" {
		t.Errorf("data = %q, want %q", data, "spec")
	}
	if _, err := s.ReadQuickFileByName(ctx, "default", "foo-bar-2.0.0-beta"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ReadQuickFileByName(ruby) error = %v, want ErrNotFound", err)
	}
}
