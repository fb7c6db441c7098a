// Package rubygems reads version listings from an upstream
// rubygems.org-compatible registry, for mirroring gems into a scope.
package rubygems

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/git-pkgs/gemserver/client"
	"github.com/git-pkgs/gemserver/internal/core"
)

// DefaultURL is the public registry.
const DefaultURL = "https://rubygems.org"

// upstreamScope labels not-found errors raised for the upstream.
const upstreamScope = "upstream"

// Registry is an upstream registry.
type Registry struct {
	baseURL string
	client  *client.Client
	urls    *URLs
}

// New returns a Registry for baseURL, or DefaultURL when empty.
func New(baseURL string, c *client.Client) *Registry {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if c == nil {
		c = client.DefaultClient()
	}
	r := &Registry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  c,
	}
	r.urls = &URLs{baseURL: r.baseURL}
	return r
}

// URLs returns the URL builder of the registry.
func (r *Registry) URLs() *URLs {
	return r.urls
}

// Version is one published gem version.
type Version struct {
	Number     string
	Platform   string
	CreatedAt  time.Time
	SHA        string
	Prerelease bool
	Licenses   []string
}

// Tuple returns the identity of v as a version of name.
func (v Version) Tuple(name string) core.Tuple {
	return core.Tuple{Name: name, Version: v.Number, Platform: core.NormalizePlatform(v.Platform)}
}

type versionResponse struct {
	Number     string   `json:"number"`
	Platform   string   `json:"platform"`
	CreatedAt  string   `json:"created_at"`
	Licenses   []string `json:"licenses"`
	SHA        string   `json:"sha"`
	Prerelease bool     `json:"prerelease"`
}

// FetchVersions lists every published version of name.
func (r *Registry) FetchVersions(ctx context.Context, name string) ([]Version, error) {
	if err := core.ValidateName(name); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/api/v1/versions/%s.json", r.baseURL, url.PathEscape(name))

	var resp []versionResponse
	if err := r.client.GetJSON(ctx, u, &resp); err != nil {
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsNotFound() {
			return nil, &core.NotFoundError{Scope: upstreamScope, Name: name}
		}
		return nil, err
	}

	versions := make([]Version, len(resp))
	for i, v := range resp {
		var created time.Time
		if v.CreatedAt != "" {
			created, _ = time.Parse(time.RFC3339, v.CreatedAt)
		}
		versions[i] = Version{
			Number:     v.Number,
			Platform:   core.NormalizePlatform(v.Platform),
			CreatedAt:  created,
			SHA:        v.SHA,
			Prerelease: v.Prerelease || core.IsPrerelease(v.Number),
			Licenses:   v.Licenses,
		}
	}
	return versions, nil
}

// Find returns the published version of name matching version and platform.
// An empty version selects the highest release.
func (r *Registry) Find(ctx context.Context, name, version, platform string) (Version, error) {
	versions, err := r.FetchVersions(ctx, name)
	if err != nil {
		return Version{}, err
	}
	platform = core.NormalizePlatform(platform)
	if version == "" {
		if v, ok := Latest(versions, platform); ok {
			return v, nil
		}
		return Version{}, &core.NotFoundError{Scope: upstreamScope, Name: name}
	}
	for _, v := range versions {
		if v.Number == version && v.Platform == platform {
			return v, nil
		}
	}
	return Version{}, &core.NotFoundError{Scope: upstreamScope, Name: name, Version: version}
}

// Latest returns the highest release among versions built for platform.
func Latest(versions []Version, platform string) (Version, bool) {
	var (
		best  Version
		found bool
	)
	for _, v := range versions {
		if v.Prerelease || v.Platform != platform {
			continue
		}
		if !found || core.CompareVersions(v.Number, best.Number) > 0 {
			best, found = v, true
		}
	}
	return best, found
}

// URLs builds upstream URLs.
type URLs struct {
	baseURL string
}

// Registry returns the web page of a gem version.
func (u *URLs) Registry(name, version string) string {
	if version != "" {
		return fmt.Sprintf("%s/gems/%s/versions/%s", u.baseURL, name, version)
	}
	return fmt.Sprintf("%s/gems/%s", u.baseURL, name)
}

// Download returns the archive URL of a gem by full name.
func (u *URLs) Download(fullName string) string {
	return fmt.Sprintf("%s/downloads/%s.gem", u.baseURL, fullName)
}
