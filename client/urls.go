package client

import (
	"fmt"
	"strings"
)

// URLBuilder constructs the public URLs of a gem version.
type URLBuilder interface {
	Registry(name, version string) string
	Download(fullName string) string
	Documentation(name, version string) string
	Dependencies(name string) string
}

// BaseURLs provides a URLBuilder from optional functions.
type BaseURLs struct {
	RegistryFn      func(name, version string) string
	DownloadFn      func(fullName string) string
	DocumentationFn func(name, version string) string
	DependenciesFn  func(name string) string
}

func (b *BaseURLs) Registry(name, version string) string {
	if b.RegistryFn != nil {
		return b.RegistryFn(name, version)
	}
	return ""
}

func (b *BaseURLs) Download(fullName string) string {
	if b.DownloadFn != nil {
		return b.DownloadFn(fullName)
	}
	return ""
}

func (b *BaseURLs) Documentation(name, version string) string {
	if b.DocumentationFn != nil {
		return b.DocumentationFn(name, version)
	}
	return ""
}

func (b *BaseURLs) Dependencies(name string) string {
	if b.DependenciesFn != nil {
		return b.DependenciesFn(name)
	}
	return ""
}

// ServerURLs returns the URLs this server publishes for scope under base,
// e.g. "https://gems.example.com" and "default".
func ServerURLs(base, scope string) *BaseURLs {
	root := strings.TrimSuffix(base, "/") + "/" + scope
	return &BaseURLs{
		RegistryFn: func(name, _ string) string {
			return fmt.Sprintf("%s/api/v1/gems/%s.json", root, name)
		},
		DownloadFn: func(fullName string) string {
			return fmt.Sprintf("%s/gems/%s.gem", root, fullName)
		},
		DocumentationFn: func(name, version string) string {
			if version != "" {
				return fmt.Sprintf("https://www.rubydoc.info/gems/%s/%s", name, version)
			}
			return fmt.Sprintf("https://www.rubydoc.info/gems/%s", name)
		},
		DependenciesFn: func(name string) string {
			return fmt.Sprintf("%s/api/v1/dependencies?gems=%s", root, name)
		},
	}
}

// BuildURLs returns the non-empty URLs of a gem version keyed the way the
// rubygems.org API names them: "gem_uri", "project_uri", "documentation_uri"
// and "dependencies_uri".
func BuildURLs(urls URLBuilder, name, version, fullName string) map[string]string {
	result := make(map[string]string)
	if v := urls.Download(fullName); v != "" {
		result["gem_uri"] = v
	}
	if v := urls.Registry(name, version); v != "" {
		result["project_uri"] = v
	}
	if v := urls.Documentation(name, version); v != "" {
		result["documentation_uri"] = v
	}
	if v := urls.Dependencies(name); v != "" {
		result["dependencies_uri"] = v
	}
	return result
}
