// Package index derives the index artifacts of a repository scope from its
// spec records. Everything here is pure: the same specs always produce the
// same bytes.
package index

import (
	"fmt"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/marshal"
)

// Artifact is one encoded index list ready to persist.
type Artifact struct {
	Kind       core.ArtifactKind
	Compressed bool
	Data       []byte
}

// QuickFile is the deflated Marshal spec of one tuple.
type QuickFile struct {
	Tuple core.Tuple
	Data  []byte
}

// Result holds everything a rebuild writes.
type Result struct {
	Full       []core.Tuple
	Latest     []core.Tuple
	Prerelease []core.Tuple

	// Artifacts are ordered Full, Latest, Prerelease.
	Artifacts  []Artifact
	QuickFiles []QuickFile
}

// Build sorts specs into index order and encodes the full, latest and
// prerelease lists plus one quick file per spec. When two specs share an
// identity the later one wins.
func Build(specs []*core.Spec) (*Result, error) {
	specs = dedupe(specs)
	core.SortSpecs(specs)

	r := &Result{
		Full:       make([]core.Tuple, 0, len(specs)),
		Latest:     latest(specs),
		Prerelease: []core.Tuple{},
	}
	for _, s := range specs {
		t := s.Tuple()
		r.Full = append(r.Full, t)
		if core.IsPrerelease(s.Version) {
			r.Prerelease = append(r.Prerelease, t)
		}
	}

	lists := []struct {
		kind   core.ArtifactKind
		tuples []core.Tuple
	}{
		{core.Full, r.Full},
		{core.Latest, r.Latest},
		{core.Prerelease, r.Prerelease},
	}
	for _, l := range lists {
		arts, err := encodeList(l.kind, l.tuples)
		if err != nil {
			return nil, err
		}
		r.Artifacts = append(r.Artifacts, arts...)
	}

	r.QuickFiles = make([]QuickFile, 0, len(specs))
	for _, s := range specs {
		data, err := QuickFileData(s)
		if err != nil {
			return nil, err
		}
		r.QuickFiles = append(r.QuickFiles, QuickFile{Tuple: s.Tuple(), Data: data})
	}
	return r, nil
}

// encodeList produces the stored forms of one list: plain and gzip for
// full and latest, gzip only for prerelease.
func encodeList(kind core.ArtifactKind, tuples []core.Tuple) ([]Artifact, error) {
	plain, err := marshal.EncodeIndex(tuples)
	if err != nil {
		return nil, fmt.Errorf("encoding %s index: %w", kind, err)
	}
	gz, err := marshal.Gzip(plain)
	if err != nil {
		return nil, fmt.Errorf("compressing %s index: %w", kind, err)
	}
	if kind == core.Prerelease {
		return []Artifact{{Kind: kind, Compressed: true, Data: gz}}, nil
	}
	return []Artifact{
		{Kind: kind, Data: plain},
		{Kind: kind, Compressed: true, Data: gz},
	}, nil
}

// Empty returns the artifact served for a scope that has never been built.
func Empty(kind core.ArtifactKind, compressed bool) ([]byte, error) {
	arts, err := encodeList(kind, nil)
	if err != nil {
		return nil, err
	}
	for _, a := range arts {
		if a.Compressed == (compressed || kind == core.Prerelease) {
			return a.Data, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s artifact", core.ErrEncoding, kind)
}

// QuickFileData encodes and deflates the Marshal spec of s.
func QuickFileData(s *core.Spec) ([]byte, error) {
	raw, err := marshal.EncodeSpec(s)
	if err != nil {
		return nil, fmt.Errorf("encoding quick file %s: %w", s.FullName(), err)
	}
	data, err := marshal.Deflate(raw)
	if err != nil {
		return nil, fmt.Errorf("compressing quick file %s: %w", s.FullName(), err)
	}
	return data, nil
}

// latest picks, per name, the highest release version. Among platforms
// that share that version the ruby platform wins, otherwise the first in
// index order. specs must be sorted.
func latest(specs []*core.Spec) []core.Tuple {
	out := []core.Tuple{}
	var best *core.Spec
	flush := func() {
		if best != nil {
			out = append(out, best.Tuple())
		}
		best = nil
	}

	for _, s := range specs {
		if core.IsPrerelease(s.Version) {
			continue
		}
		if best != nil && best.Name != s.Name {
			flush()
		}
		if best == nil {
			best = s
			continue
		}
		switch c := core.CompareVersions(s.Version, best.Version); {
		case c > 0:
			best = s
		case c == 0 && core.NormalizePlatform(best.Platform) != core.DefaultPlatform &&
			core.NormalizePlatform(s.Platform) == core.DefaultPlatform:
			best = s
		}
	}
	flush()
	return out
}

// Merge replaces specs in existing by identity with those in added and
// appends the rest. The result is unsorted.
func Merge(existing []*core.Spec, added ...*core.Spec) []*core.Spec {
	return dedupe(append(append([]*core.Spec(nil), existing...), added...))
}

// Remove drops the spec with identity t.
func Remove(specs []*core.Spec, t core.Tuple) []*core.Spec {
	t.Platform = core.NormalizePlatform(t.Platform)
	out := make([]*core.Spec, 0, len(specs))
	for _, s := range specs {
		if s.Tuple() != t {
			out = append(out, s)
		}
	}
	return out
}

// dedupe keeps the last spec of each identity, at the position of the
// first.
func dedupe(specs []*core.Spec) []*core.Spec {
	pos := make(map[core.Tuple]int, len(specs))
	out := make([]*core.Spec, 0, len(specs))
	for _, s := range specs {
		if s == nil {
			continue
		}
		t := s.Tuple()
		if i, ok := pos[t]; ok {
			out[i] = s
			continue
		}
		pos[t] = len(out)
		out = append(out, s)
	}
	return out
}
