package gemspec

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/git-pkgs/gemserver/internal/core"
)

// Ruby object tags used by Psych when dumping specifications.
const (
	tagSpecification = "!ruby/object:Gem::Specification"
	tagVersion       = "!ruby/object:Gem::Version"
	tagRequirement   = "!ruby/object:Gem::Requirement"
	tagDependency    = "!ruby/object:Gem::Dependency"
	tagPlatform      = "!ruby/object:Gem::Platform"
	tagBinary        = "!binary"
)

var dateLayouts = []string{
	"2006-01-02 15:04:05.000000000 Z",
	"2006-01-02 15:04:05 Z",
	"2006-01-02 15:04:05.999999999 -07:00",
	"2006-01-02 15:04:05 -07:00",
	time.RFC3339Nano,
	"2006-01-02",
}

func parseSpec(doc []byte) (*core.Spec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, core.Missing("parsing YAML: %v", err)
	}
	m := &root
	if m.Kind == yaml.DocumentNode && len(m.Content) > 0 {
		m = m.Content[0]
	}
	if m.Kind != yaml.MappingNode {
		return nil, core.Missing("specification is not a mapping")
	}
	if m.Tag != "" && m.Tag != "!!map" && m.Tag != tagSpecification {
		return nil, core.Missing("unexpected document tag %s", m.Tag)
	}

	spec := &core.Spec{
		Name:     scalar(field(m, "name")),
		Version:  version(field(m, "version")),
		Platform: core.NormalizePlatform(platform(field(m, "platform"))),
	}

	if deps := field(m, "dependencies"); deps != nil && deps.Kind == yaml.SequenceNode {
		for _, d := range deps.Content {
			dep, ok := dependency(d)
			if ok {
				spec.Dependencies = append(spec.Dependencies, dep)
			}
		}
	}

	spec.Attributes = core.Attributes{
		Summary:                 scalar(field(m, "summary")),
		Description:             scalar(field(m, "description")),
		Authors:                 stringList(field(m, "authors")),
		Email:                   stringList(field(m, "email")),
		Homepage:                scalar(field(m, "homepage")),
		Licenses:                stringList(field(m, "licenses")),
		RequiredRubyVersion:     requirement(field(m, "required_ruby_version")),
		RequiredRubygemsVersion: requirement(field(m, "required_rubygems_version")),
		RubygemsVersion:         scalar(field(m, "rubygems_version")),
		Date:                    date(field(m, "date")),
		Metadata:                stringMap(field(m, "metadata")),
	}
	if n, err := strconv.Atoi(scalar(field(m, "specification_version"))); err == nil {
		spec.Attributes.SpecificationVersion = n
	}

	if err := validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// field returns the value node for key in a mapping node, or nil.
func field(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return resolveAlias(m.Content[i+1])
		}
	}
	return nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func scalar(n *yaml.Node) string {
	n = resolveAlias(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return ""
	}
	if n.Tag == tagBinary {
		if b, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(n.Value), "")); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return strings.TrimSpace(n.Value)
}

// version reads either a plain scalar or a Gem::Version object.
func version(n *yaml.Node) string {
	n = resolveAlias(n)
	if n == nil {
		return ""
	}
	if n.Kind == yaml.MappingNode {
		return scalar(field(n, "version"))
	}
	return scalar(n)
}

// platform reads a plain platform string or a Gem::Platform object with
// cpu, os and version fields.
func platform(n *yaml.Node) string {
	n = resolveAlias(n)
	if n == nil {
		return ""
	}
	if n.Kind != yaml.MappingNode {
		return scalar(n)
	}
	var parts []string
	for _, key := range []string{"cpu", "os", "version"} {
		if v := scalar(field(n, key)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "-")
}

// requirement renders a Gem::Requirement as "op version[, op version]".
func requirement(n *yaml.Node) string {
	n = resolveAlias(n)
	if n == nil {
		return ""
	}
	if n.Kind == yaml.ScalarNode {
		return scalar(n)
	}
	reqs := field(n, "requirements")
	if reqs == nil || reqs.Kind != yaml.SequenceNode {
		return ""
	}
	var parts []string
	for _, pair := range reqs.Content {
		pair = resolveAlias(pair)
		if pair.Kind != yaml.SequenceNode || len(pair.Content) != 2 {
			continue
		}
		op := scalar(pair.Content[0])
		v := version(pair.Content[1])
		if op == "" || v == "" {
			continue
		}
		parts = append(parts, op+" "+v)
	}
	return strings.Join(parts, ", ")
}

func dependency(n *yaml.Node) (core.Dependency, bool) {
	n = resolveAlias(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return core.Dependency{}, false
	}
	dep := core.Dependency{Name: scalar(field(n, "name"))}
	if dep.Name == "" {
		return core.Dependency{}, false
	}

	req := field(n, "requirement")
	if req == nil {
		req = field(n, "version_requirements")
	}
	dep.Requirement = requirement(req)
	if dep.Requirement == "" {
		dep.Requirement = ">= 0"
	}

	switch strings.TrimPrefix(scalar(field(n, "type")), ":") {
	case string(core.Development):
		dep.Scope = core.Development
	default:
		dep.Scope = core.Runtime
	}
	return dep, true
}

// stringList accepts a sequence of scalars or a single scalar.
func stringList(n *yaml.Node) []string {
	n = resolveAlias(n)
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		if s := scalar(n); s != "" {
			return []string{s}
		}
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil
	}
	var out []string
	for _, c := range n.Content {
		if s := scalar(c); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(n *yaml.Node) map[string]string {
	n = resolveAlias(n)
	if n == nil || n.Kind != yaml.MappingNode || len(n.Content) == 0 {
		return nil
	}
	out := make(map[string]string, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := scalar(n.Content[i])
		if k == "" {
			continue
		}
		out[k] = scalar(n.Content[i+1])
	}
	return out
}

func date(n *yaml.Node) time.Time {
	s := scalar(n)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
