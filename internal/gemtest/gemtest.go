// Package gemtest builds .gem archives for tests.
package gemtest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Dep is a dependency declared by a test gem.
type Dep struct {
	Name        string
	Requirement string // "op version", e.g. ">= 1.0"
	Development bool
}

// Gem describes a test archive.
type Gem struct {
	Name     string
	Version  string
	Platform string
	Summary  string
	Authors  []string
	Licenses []string
	Deps     []Dep
}

// Runtime returns a runtime dependency.
func Runtime(name, req string) Dep {
	return Dep{Name: name, Requirement: req}
}

// Development returns a development dependency.
func Development(name, req string) Dep {
	return Dep{Name: name, Requirement: req, Development: true}
}

// Build returns a .gem archive for g.
func Build(g Gem) []byte {
	return Archive(map[string][]byte{
		"metadata.gz": Gzip([]byte(YAML(g))),
		"data.tar.gz": Gzip(nil),
	})
}

// YAML renders the Gem::Specification document the way RubyGems dumps it.
func YAML(g Gem) string {
	platform := g.Platform
	if platform == "" {
		platform = "ruby"
	}
	var b strings.Builder
	b.WriteString("--- !ruby/object:Gem::Specification\n")
	fmt.Fprintf(&b, "name: %s\n", g.Name)
	b.WriteString("version: !ruby/object:Gem::Version\n")
	fmt.Fprintf(&b, "  version: %s\n", g.Version)
	fmt.Fprintf(&b, "platform: %s\n", platform)
	b.WriteString("authors:\n")
	for _, a := range g.Authors {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("autorequire:\nbindir: bin\ncert_chain: []\n")
	b.WriteString("date: 2024-01-15 00:00:00.000000000 Z\n")
	if len(g.Deps) == 0 {
		b.WriteString("dependencies: []\n")
	} else {
		b.WriteString("dependencies:\n")
	}
	for _, d := range g.Deps {
		typ := ":runtime"
		if d.Development {
			typ = ":development"
		}
		op, ver := splitRequirement(d.Requirement)
		fmt.Fprintf(&b, "- !ruby/object:Gem::Dependency\n  name: %s\n", d.Name)
		b.WriteString("  requirement: !ruby/object:Gem::Requirement\n    requirements:\n")
		fmt.Fprintf(&b, "    - - %q\n      - !ruby/object:Gem::Version\n        version: '%s'\n", op, ver)
		fmt.Fprintf(&b, "  type: %s\n  prerelease: false\n", typ)
	}
	b.WriteString("description:\nemail:\nexecutables: []\nextensions: []\nextra_rdoc_files: []\n")
	b.WriteString("files:\n- lib/x.rb\nhomepage:\n")
	if len(g.Licenses) == 0 {
		b.WriteString("licenses: []\n")
	} else {
		b.WriteString("licenses:\n")
		for _, l := range g.Licenses {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	b.WriteString("metadata: {}\npost_install_message:\nrdoc_options: []\nrequire_paths:\n- lib\n")
	b.WriteString("required_ruby_version: !ruby/object:Gem::Requirement\n  requirements:\n")
	b.WriteString("  - - \">=\"\n    - !ruby/object:Gem::Version\n      version: '0'\n")
	b.WriteString("requirements: []\nrubygems_version: 3.5.22\nsigning_key:\nspecification_version: 4\n")
	summary := g.Summary
	if summary == "" {
		summary = g.Name + " test gem"
	}
	fmt.Fprintf(&b, "summary: %s\ntest_files: []\n", summary)
	return b.String()
}

func splitRequirement(req string) (op, ver string) {
	fields := strings.Fields(req)
	switch len(fields) {
	case 0:
		return ">=", "0"
	case 1:
		return "=", fields[0]
	default:
		return fields[0], fields[1]
	}
}

// Archive builds a tar archive from member names to contents.
func Archive(members map[string][]byte) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range sortedKeys(members) {
		data := members[name]
		hdr := &tar.Header{Name: name, Mode: 0o444, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			panic(err)
		}
		if _, err := tw.Write(data); err != nil {
			panic(err)
		}
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Gzip compresses data.
func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
