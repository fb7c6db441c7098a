package fetch

import (
	"context"
	"errors"
	"path"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/rubygems"
)

// ErrNoDownloadURL is returned when a registry cannot name an archive URL.
var ErrNoDownloadURL = errors.New("no download URL available")

// Registry provides version listings and archive URLs of an upstream.
// *rubygems.Registry satisfies it.
type Registry interface {
	Find(ctx context.Context, name, version, platform string) (rubygems.Version, error)
	URLs() *rubygems.URLs
}

// Resolver determines the upstream archive of a gem version.
type Resolver struct {
	registry Registry
}

// NewResolver returns a Resolver over reg.
func NewResolver(reg Registry) *Resolver {
	return &Resolver{registry: reg}
}

// ArtifactInfo describes a downloadable gem archive.
type ArtifactInfo struct {
	URL       string
	Filename  string
	Integrity string // "sha256-<hex>" when the upstream publishes a checksum
	Tuple     core.Tuple
}

// Resolve returns the archive of name at version for platform. An empty
// version picks the highest upstream release.
func (r *Resolver) Resolve(ctx context.Context, name, version, platform string) (*ArtifactInfo, error) {
	v, err := r.registry.Find(ctx, name, version, platform)
	if err != nil {
		return nil, err
	}
	t := v.Tuple(name)

	u := r.registry.URLs().Download(t.FullName())
	if u == "" {
		return nil, ErrNoDownloadURL
	}
	info := &ArtifactInfo{
		URL:      u,
		Filename: filenameFromURL(u),
		Tuple:    t,
	}
	if v.SHA != "" {
		info.Integrity = "sha256-" + v.SHA
	}
	return info, nil
}

func filenameFromURL(rawURL string) string {
	return path.Base(rawURL)
}
