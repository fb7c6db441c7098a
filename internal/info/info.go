// Package info renders the JSON documents of the gem info and versions
// endpoints from stored spec records.
package info

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/git-pkgs/gemserver/client"
	"github.com/git-pkgs/gemserver/internal/core"
)

// Reader returns the stored specs of one gem. *indexstore.Store satisfies it.
type Reader interface {
	ReadSpecs(ctx context.Context, scope, name string) ([]*core.Spec, error)
}

// Builder renders info documents.
type Builder struct {
	store   Reader
	baseURL string
}

// New returns a Builder whose documents link to baseURL, e.g.
// "https://gems.example.com". An empty baseURL omits server links.
func New(store Reader, baseURL string) *Builder {
	return &Builder{store: store, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (b *Builder) urls(scope string) client.URLBuilder {
	if b.baseURL == "" {
		return &client.BaseURLs{DocumentationFn: client.ServerURLs("", scope).DocumentationFn}
	}
	return client.ServerURLs(b.baseURL, scope)
}

// Info returns the document of a gem. query is a name or a gem Package URL;
// without a version the latest release is described, or the latest
// prerelease when the gem has no release.
func (b *Builder) Info(ctx context.Context, scope, query string) (map[string]any, error) {
	name, version, err := core.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	specs, err := b.store.ReadSpecs(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	spec, ok := Select(specs, version)
	if !ok {
		return nil, &core.NotFoundError{Scope: scope, Name: name, Version: version}
	}
	return Document(spec, b.urls(scope)), nil
}

// Versions lists every stored version of a gem, newest first.
func (b *Builder) Versions(ctx context.Context, scope, query string) ([]map[string]any, error) {
	name, _, err := core.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	specs, err := b.store.ReadSpecs(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, &core.NotFoundError{Scope: scope, Name: name}
	}

	sortNewestFirst(specs)
	out := make([]map[string]any, len(specs))
	for i, s := range specs {
		v := map[string]any{
			"number":     s.Version,
			"platform":   core.NormalizePlatform(s.Platform),
			"prerelease": core.IsPrerelease(s.Version),
			"sha":        s.Checksum,
			"purl":       core.PURL(s.Name, s.Version, s.Platform),
		}
		if s.Attributes.Summary != "" {
			v["summary"] = s.Attributes.Summary
		}
		if len(s.Attributes.Authors) > 0 {
			v["authors"] = strings.Join(s.Attributes.Authors, ", ")
		}
		if len(s.Attributes.Licenses) > 0 {
			v["licenses"] = s.Attributes.Licenses
		}
		if !s.Attributes.Date.IsZero() {
			v["created_at"] = s.Attributes.Date.UTC().Format(time.RFC3339)
		}
		out[i] = v
	}
	return out, nil
}

// Select picks the spec of version, or the newest release (then the newest
// prerelease) when version is empty. The ruby platform wins ties.
func Select(specs []*core.Spec, version string) (*core.Spec, bool) {
	sorted := append([]*core.Spec(nil), specs...)
	sortNewestFirst(sorted)

	if version != "" {
		for _, s := range sorted {
			if s.Version == version {
				return s, true
			}
		}
		return nil, false
	}
	for _, s := range sorted {
		if !core.IsPrerelease(s.Version) {
			return s, true
		}
	}
	if len(sorted) > 0 {
		return sorted[0], true
	}
	return nil, false
}

func sortNewestFirst(specs []*core.Spec) {
	sort.SliceStable(specs, func(i, j int) bool {
		a, b := specs[i], specs[j]
		if c := core.CompareVersions(a.Version, b.Version); c != 0 {
			return c > 0
		}
		pa, pb := core.NormalizePlatform(a.Platform), core.NormalizePlatform(b.Platform)
		if (pa == core.DefaultPlatform) != (pb == core.DefaultPlatform) {
			return pa == core.DefaultPlatform
		}
		return pa < pb
	})
}

// Document renders spec the way the rubygems.org gem endpoint does.
func Document(spec *core.Spec, urls client.URLBuilder) map[string]any {
	attrs := spec.Attributes.Tree()
	doc := map[string]any{
		"name":       spec.Name,
		"version":    spec.Version,
		"platform":   core.NormalizePlatform(spec.Platform),
		"prerelease": core.IsPrerelease(spec.Version),
		"sha":        spec.Checksum,
		"purl":       core.PURL(spec.Name, spec.Version, spec.Platform),
	}

	info := spec.Attributes.Description
	if info == "" {
		info = spec.Attributes.Summary
	}
	if info != "" {
		doc["info"] = info
	}
	for _, key := range []string{"authors", "licenses", "metadata", "summary"} {
		if v, ok := attrs[key]; ok {
			doc[key] = v
		}
	}
	if v, ok := attrs["date"]; ok {
		doc["version_created_at"] = v
	}
	if spec.Attributes.Homepage != "" {
		doc["homepage_uri"] = spec.Attributes.Homepage
	}
	if src := spec.Attributes.Metadata["source_code_uri"]; src != "" {
		doc["source_code_uri"] = src
	}
	for key, u := range client.BuildURLs(urls, spec.Name, spec.Version, spec.FullName()) {
		doc[key] = u
	}

	deps := map[string][]map[string]string{
		string(core.Runtime):     {},
		string(core.Development): {},
	}
	for _, d := range spec.Dependencies {
		deps[string(d.Scope)] = append(deps[string(d.Scope)], map[string]string{
			"name":         d.Name,
			"requirements": d.Requirement,
		})
	}
	doc["dependencies"] = deps
	return doc
}
