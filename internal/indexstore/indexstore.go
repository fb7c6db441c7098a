// Package indexstore lays out a repository scope on the object store: spec
// records, raw archives, quick files and the derived index artifacts.
package indexstore

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/objectstore"
)

const readConcurrency = 16

const (
	quickDir   = "quick"
	metaDir    = "meta"
	gemsDir    = "gems"
	quickExt   = ".spec"
	metaExt    = ".json"
	archiveExt = ".gem"
	gzExt      = ".gz"
)

// Store reads and writes scope data.
type Store struct {
	objects objectstore.Store
}

// New returns a Store over objects.
func New(objects objectstore.Store) *Store {
	return &Store{objects: objects}
}

// ArtifactKey returns the key of an index artifact, e.g. "default/specs.latest.gz".
// The prerelease list only exists compressed.
func ArtifactKey(scope string, kind core.ArtifactKind, compressed bool) string {
	key := path.Join(scope, "specs."+string(kind))
	if compressed || kind == core.Prerelease {
		key += gzExt
	}
	return key
}

// QuickKey returns the key of a quick file.
func QuickKey(scope string, t core.Tuple) string {
	return path.Join(scope, quickDir, t.FullName()+quickExt)
}

// SpecKey returns the key of a spec record.
func SpecKey(scope string, t core.Tuple) string {
	return path.Join(scope, metaDir, t.Name, t.FullName()+metaExt)
}

// ArchiveKey returns the key of a stored .gem by its full name.
func ArchiveKey(scope, fullName string) string {
	return path.Join(scope, gemsDir, fullName+archiveExt)
}

func specPrefix(scope, name string) string {
	if name == "" {
		return path.Join(scope, metaDir) + "/"
	}
	return path.Join(scope, metaDir, name) + "/"
}

// record is the persisted form of a spec.
type record struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Platform     string            `json:"platform"`
	Checksum     string            `json:"sha256,omitempty"`
	Dependencies []core.Dependency `json:"dependencies"`
	Attributes   core.Attributes   `json:"attributes"`
}

func encodeSpec(s *core.Spec) ([]byte, error) {
	deps := s.Dependencies
	if deps == nil {
		deps = []core.Dependency{}
	}
	return json.Marshal(record{
		Name:         s.Name,
		Version:      s.Version,
		Platform:     core.NormalizePlatform(s.Platform),
		Checksum:     s.Checksum,
		Dependencies: deps,
		Attributes:   s.Attributes,
	})
}

func decodeSpec(data []byte) (*core.Spec, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &core.Spec{
		Name:         r.Name,
		Version:      r.Version,
		Platform:     core.NormalizePlatform(r.Platform),
		Checksum:     r.Checksum,
		Dependencies: r.Dependencies,
		Attributes:   r.Attributes,
	}, nil
}

// WriteSpec persists a spec record, replacing any record with the same
// identity.
func (s *Store) WriteSpec(ctx context.Context, scope string, spec *core.Spec) error {
	key := SpecKey(scope, spec.Tuple())
	data, err := encodeSpec(spec)
	if err != nil {
		return &core.StorageError{Op: "encode", Key: key, Err: err}
	}
	return objectstore.Fail("put", key, s.objects.Put(ctx, key, data))
}

// DeleteSpec removes a spec record.
func (s *Store) DeleteSpec(ctx context.Context, scope string, t core.Tuple) error {
	key := SpecKey(scope, t)
	return objectstore.Fail("delete", key, s.objects.Delete(ctx, key))
}

// ReadSpec reads one spec record.
func (s *Store) ReadSpec(ctx context.Context, scope string, t core.Tuple) (*core.Spec, error) {
	key := SpecKey(scope, t)
	data, err := s.objects.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.NotFoundError{Scope: scope, Name: t.Name, Version: t.Version}
	}
	if err != nil {
		return nil, objectstore.Fail("get", key, err)
	}
	spec, err := decodeSpec(data)
	if err != nil {
		return nil, &core.StorageError{Op: "decode", Key: key, Err: err}
	}
	return spec, nil
}

// ReadSpecs returns the records of every version of name, in index order.
// An unknown name yields no specs and no error.
func (s *Store) ReadSpecs(ctx context.Context, scope, name string) ([]*core.Spec, error) {
	return s.readPrefix(ctx, specPrefix(scope, name))
}

// ReadAllSpecs returns every spec record of the scope, in index order.
func (s *Store) ReadAllSpecs(ctx context.Context, scope string) ([]*core.Spec, error) {
	return s.readPrefix(ctx, specPrefix(scope, ""))
}

func (s *Store) readPrefix(ctx context.Context, prefix string) ([]*core.Spec, error) {
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, objectstore.Fail("list", prefix, err)
	}

	var (
		mu    sync.Mutex
		specs = make([]*core.Spec, 0, len(keys))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for _, key := range keys {
		if !strings.HasSuffix(key, metaExt) {
			continue
		}
		g.Go(func() error {
			data, err := s.objects.Get(ctx, key)
			if errors.Is(err, core.ErrNotFound) {
				// Removed since the listing.
				return nil
			}
			if err != nil {
				return objectstore.Fail("get", key, err)
			}
			spec, err := decodeSpec(data)
			if err != nil {
				return &core.StorageError{Op: "decode", Key: key, Err: err}
			}
			mu.Lock()
			specs = append(specs, spec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	core.SortSpecs(specs)
	return specs, nil
}

// WriteArtifact stores an encoded index list.
func (s *Store) WriteArtifact(ctx context.Context, scope string, kind core.ArtifactKind, compressed bool, data []byte) error {
	key := ArtifactKey(scope, kind, compressed)
	return objectstore.Fail("put", key, s.objects.Put(ctx, key, data))
}

// ReadArtifact returns a stored index list, or an error wrapping
// core.ErrNotFound if the scope was never built.
func (s *Store) ReadArtifact(ctx context.Context, scope string, kind core.ArtifactKind, compressed bool) ([]byte, error) {
	key := ArtifactKey(scope, kind, compressed)
	data, err := s.objects.Get(ctx, key)
	return data, objectstore.Fail("get", key, err)
}

// WriteQuickFile stores the deflated spec of one tuple.
func (s *Store) WriteQuickFile(ctx context.Context, scope string, t core.Tuple, data []byte) error {
	key := QuickKey(scope, t)
	return objectstore.Fail("put", key, s.objects.Put(ctx, key, data))
}

// ReadQuickFile returns the deflated spec of one tuple.
func (s *Store) ReadQuickFile(ctx context.Context, scope string, t core.Tuple) ([]byte, error) {
	data, err := s.ReadQuickFileByName(ctx, scope, t.FullName())
	var nf *core.NotFoundError
	if errors.As(err, &nf) {
		nf.Name, nf.Version = t.Name, t.Version
	}
	return data, err
}

// ReadQuickFileByName returns a quick file by the full name of its gem,
// which clients request without knowing where the name ends.
func (s *Store) ReadQuickFileByName(ctx context.Context, scope, fullName string) ([]byte, error) {
	key := path.Join(scope, quickDir, fullName+quickExt)
	data, err := s.objects.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.NotFoundError{Scope: scope, Name: fullName}
	}
	return data, objectstore.Fail("get", key, err)
}

// PruneQuickFiles deletes the quick files of tuples not in keep and returns
// how many were removed.
func (s *Store) PruneQuickFiles(ctx context.Context, scope string, keep []core.Tuple) (int, error) {
	prefix := path.Join(scope, quickDir) + "/"
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return 0, objectstore.Fail("list", prefix, err)
	}

	live := make(map[string]bool, len(keep))
	for _, t := range keep {
		live[QuickKey(scope, t)] = true
	}

	removed := 0
	for _, key := range keys {
		if live[key] {
			continue
		}
		if err := s.objects.Delete(ctx, key); err != nil {
			return removed, objectstore.Fail("delete", key, err)
		}
		removed++
	}
	return removed, nil
}

// WriteArchive stores the raw .gem of a spec.
func (s *Store) WriteArchive(ctx context.Context, scope string, t core.Tuple, archive []byte) error {
	key := ArchiveKey(scope, t.FullName())
	return objectstore.Fail("put", key, s.objects.Put(ctx, key, archive))
}

// ReadArchive returns a stored .gem by its full name.
func (s *Store) ReadArchive(ctx context.Context, scope, fullName string) ([]byte, error) {
	key := ArchiveKey(scope, fullName)
	data, err := s.objects.Get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.NotFoundError{Scope: scope, Name: fullName}
	}
	return data, objectstore.Fail("get", key, err)
}

// DeleteArchive removes a stored .gem.
func (s *Store) DeleteArchive(ctx context.Context, scope string, t core.Tuple) error {
	key := ArchiveKey(scope, t.FullName())
	return objectstore.Fail("delete", key, s.objects.Delete(ctx, key))
}

// ListArchives returns the full names of every stored .gem in the scope.
func (s *Store) ListArchives(ctx context.Context, scope string) ([]string, error) {
	prefix := path.Join(scope, gemsDir) + "/"
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, objectstore.Fail("list", prefix, err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, archiveExt))
	}
	return names, nil
}
