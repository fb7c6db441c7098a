// Package core provides the shared gem model, version ordering and error taxonomy.
package core

import (
	"sort"
	"strings"
	"time"
)

// DefaultPlatform is the platform of pure-Ruby gems.
const DefaultPlatform = "ruby"

// Spec is the normalized metadata record of one uploaded gem version.
type Spec struct {
	Name         string
	Version      string
	Platform     string
	Dependencies []Dependency
	Attributes   Attributes
	Checksum     string // hex sha256 of the archive
}

// Attributes holds the descriptive fields of a gem.
type Attributes struct {
	Summary                 string            `json:"summary,omitempty"`
	Description             string            `json:"description,omitempty"`
	Authors                 []string          `json:"authors,omitempty"`
	Email                   []string          `json:"email,omitempty"`
	Homepage                string            `json:"homepage,omitempty"`
	Licenses                []string          `json:"licenses,omitempty"`
	RequiredRubyVersion     string            `json:"required_ruby_version,omitempty"`
	RequiredRubygemsVersion string            `json:"required_rubygems_version,omitempty"`
	RubygemsVersion         string            `json:"rubygems_version,omitempty"`
	SpecificationVersion    int               `json:"specification_version,omitempty"`
	Date                    time.Time         `json:"date,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
}

// Tree renders the attributes as a nested key/value document. Empty fields
// are omitted.
func (a Attributes) Tree() map[string]any {
	tree := make(map[string]any)
	putString := func(key, value string) {
		if value != "" {
			tree[key] = value
		}
	}
	putString("summary", a.Summary)
	putString("description", a.Description)
	putString("homepage", a.Homepage)
	putString("required_ruby_version", a.RequiredRubyVersion)
	putString("required_rubygems_version", a.RequiredRubygemsVersion)
	putString("rubygems_version", a.RubygemsVersion)
	if len(a.Authors) > 0 {
		tree["authors"] = strings.Join(a.Authors, ", ")
	}
	if len(a.Email) > 0 {
		tree["email"] = strings.Join(a.Email, ", ")
	}
	if len(a.Licenses) > 0 {
		tree["licenses"] = append([]string(nil), a.Licenses...)
	}
	if a.SpecificationVersion > 0 {
		tree["specification_version"] = a.SpecificationVersion
	}
	if !a.Date.IsZero() {
		tree["date"] = a.Date.UTC().Format(time.RFC3339)
	}
	if len(a.Metadata) > 0 {
		meta := make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			meta[k] = v
		}
		tree["metadata"] = meta
	}
	return tree
}

// Dependency is a directed edge from a spec to another gem.
type Dependency struct {
	Name        string `json:"name"`
	Requirement string `json:"requirement"`
	Scope       Scope  `json:"scope"`
}

// Scope indicates when a dependency is required.
type Scope string

const (
	Runtime     Scope = "runtime"
	Development Scope = "development"
)

// Tuple identifies a spec within a repository scope.
type Tuple struct {
	Name     string
	Version  string
	Platform string
}

// Tuple returns the identity of the spec.
func (s *Spec) Tuple() Tuple {
	return Tuple{Name: s.Name, Version: s.Version, Platform: NormalizePlatform(s.Platform)}
}

// FullName returns the conventional file stem, e.g. "nokogiri-1.16.0-x86_64-linux".
func (s *Spec) FullName() string {
	return s.Tuple().FullName()
}

// RuntimeDependencies returns only the runtime edges, in declaration order.
func (s *Spec) RuntimeDependencies() []Dependency {
	var deps []Dependency
	for _, d := range s.Dependencies {
		if d.Scope == Runtime {
			deps = append(deps, d)
		}
	}
	return deps
}

// FullName returns "name-version" for the ruby platform and
// "name-version-platform" otherwise.
func (t Tuple) FullName() string {
	p := NormalizePlatform(t.Platform)
	if p == DefaultPlatform {
		return t.Name + "-" + t.Version
	}
	return t.Name + "-" + t.Version + "-" + p
}

func (t Tuple) String() string {
	return t.FullName()
}

// NormalizePlatform maps the empty platform to DefaultPlatform.
func NormalizePlatform(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPlatform
	}
	return p
}

// DependencyEntry is one version of a gem as returned by the dependency API.
type DependencyEntry struct {
	Name         string
	Number       string
	Platform     string
	Dependencies []Dependency // runtime only
}

// Less reports whether tuple a sorts before tuple b: by name, then by gem
// version, then by the raw version string, then by platform.
func Less(a, b Tuple) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if c := CompareVersions(a.Version, b.Version); c != 0 {
		return c < 0
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return NormalizePlatform(a.Platform) < NormalizePlatform(b.Platform)
}

// SortSpecs sorts specs in index order.
func SortSpecs(specs []*Spec) {
	sort.SliceStable(specs, func(i, j int) bool {
		return Less(specs[i].Tuple(), specs[j].Tuple())
	})
}

// ArtifactKind names one of the derived index lists.
type ArtifactKind string

const (
	Full       ArtifactKind = "full"
	Latest     ArtifactKind = "latest"
	Prerelease ArtifactKind = "prerelease"
)

// ArtifactKinds lists the kinds in the order they are persisted.
var ArtifactKinds = []ArtifactKind{Full, Latest, Prerelease}
