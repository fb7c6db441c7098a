package index

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/marshal"
)

func spec(name, version, platform string) *core.Spec {
	return &core.Spec{Name: name, Version: version, Platform: platform}
}

func names(tuples []core.Tuple) []string {
	out := make([]string, len(tuples))
	for i, t := range tuples {
		out[i] = t.FullName()
	}
	return out
}

func TestBuildLists(t *testing.T) {
	specs := []*core.Spec{
		spec("foo", "2.0.0-beta", ""),
		spec("foo", "1.0.0", ""),
		spec("bar", "1.2.0", ""),
		spec("bar", "1.10.0", ""),
		spec("baz", "0.1.0.rc1", ""),
		spec("qux", "1.0.0-1", ""),
	}

	r, err := Build(specs)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		name string
		got  []core.Tuple
		want []string
	}{
		{"full", r.Full, []string{"bar-1.2.0", "bar-1.10.0", "baz-0.1.0.rc1", "foo-1.0.0", "foo-2.0.0-beta", "qux-1.0.0-1"}},
		{"latest", r.Latest, []string{"bar-1.10.0", "foo-1.0.0"}},
		{"prerelease", r.Prerelease, []string{"baz-0.1.0.rc1", "foo-2.0.0-beta", "qux-1.0.0-1"}},
	}
	for _, tt := range tests {
		if got := fmt.Sprint(names(tt.got)); got != fmt.Sprint(tt.want) {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if len(r.QuickFiles) != len(specs) {
		t.Errorf("got %d quick files, want %d", len(r.QuickFiles), len(specs))
	}
}

func TestBuildArtifactsOrderAndForms(t *testing.T) {
	r, err := Build([]*core.Spec{spec("foo", "1.0.0", "")})
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		kind       core.ArtifactKind
		compressed bool
	}{
		{core.Full, false},
		{core.Full, true},
		{core.Latest, false},
		{core.Latest, true},
		{core.Prerelease, true},
	}
	if len(r.Artifacts) != len(want) {
		t.Fatalf("got %d artifacts, want %d", len(r.Artifacts), len(want))
	}
	for i, w := range want {
		a := r.Artifacts[i]
		if a.Kind != w.kind || a.Compressed != w.compressed {
			t.Errorf("Artifacts[%d] = %s/%v, want %s/%v", i, a.Kind, a.Compressed, w.kind, w.compressed)
		}
	}

	plain, err := marshal.Gunzip(r.Artifacts[1].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, r.Artifacts[0].Data) {
		t.Error("compressed full index does not match the plain one")
	}
}

func TestLatestPlatformTieBreak(t *testing.T) {
	tests := []struct {
		name  string
		specs []*core.Spec
		want  string
	}{
		{
			"ruby wins",
			[]*core.Spec{spec("n", "1.0.0", "java"), spec("n", "1.0.0", ""), spec("n", "1.0.0", "x86_64-linux")},
			"n-1.0.0",
		},
		{
			"first platform without ruby",
			[]*core.Spec{spec("n", "1.0.0", "x86_64-linux"), spec("n", "1.0.0", "java")},
			"n-1.0.0-java",
		},
		{
			"higher version beats ruby",
			[]*core.Spec{spec("n", "1.0.0", ""), spec("n", "1.1.0", "java")},
			"n-1.1.0-java",
		},
		{
			"prerelease ignored",
			[]*core.Spec{spec("n", "1.0.0", ""), spec("n", "2.0.0.pre", "")},
			"n-1.0.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Build(tt.specs)
			if err != nil {
				t.Fatal(err)
			}
			if len(r.Latest) != 1 || r.Latest[0].FullName() != tt.want {
				t.Errorf("Latest = %v, want [%s]", names(r.Latest), tt.want)
			}
		})
	}
}

func TestLatestOnlyPrereleases(t *testing.T) {
	r, err := Build([]*core.Spec{spec("n", "1.0.0.beta", "")})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Latest) != 0 {
		t.Errorf("Latest = %v, want empty", names(r.Latest))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	a := []*core.Spec{spec("foo", "1.0.0", ""), spec("bar", "1.0", ""), spec("bar", "1.0.0", "")}
	b := []*core.Spec{a[2], a[0], a[1]}

	ra, err := Build(a)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := Build(b)
	if err != nil {
		t.Fatal(err)
	}
	for i := range ra.Artifacts {
		if !bytes.Equal(ra.Artifacts[i].Data, rb.Artifacts[i].Data) {
			t.Errorf("artifact %d differs for permuted input", i)
		}
	}
	if got := fmt.Sprint(names(ra.Full)); got != "[bar-1.0 bar-1.0.0 foo-1.0.0]" {
		t.Errorf("Full = %s", got)
	}
}

func TestBuildEmpty(t *testing.T) {
	r, err := Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range r.Artifacts {
		want, err := Empty(a.Kind, a.Compressed)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a.Data, want) {
			t.Errorf("%s/%v artifact differs from Empty()", a.Kind, a.Compressed)
		}
	}

	v, err := marshal.Decode(r.Artifacts[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if list, ok := v.([]any); !ok || len(list) != 0 {
		t.Errorf("empty full index decoded to %#v", v)
	}
}

func TestMergeReplacesByIdentity(t *testing.T) {
	old := spec("foo", "1.0.0", "")
	old.Attributes.Summary = "old"
	replacement := spec("foo", "1.0.0", "ruby")
	replacement.Attributes.Summary = "new"

	merged := Merge([]*core.Spec{old, spec("bar", "1.0.0", "")}, replacement, spec("baz", "1.0.0", ""))
	if len(merged) != 3 {
		t.Fatalf("Merge() returned %d specs, want 3", len(merged))
	}
	if merged[0].Attributes.Summary != "new" {
		t.Errorf("Merge() kept %q, want the replacement", merged[0].Attributes.Summary)
	}

	removed := Remove(merged, core.Tuple{Name: "foo", Version: "1.0.0"})
	if len(removed) != 2 {
		t.Errorf("Remove() returned %d specs, want 2", len(removed))
	}
}

func TestQuickFileDecodes(t *testing.T) {
	s := spec("foo", "1.0.0", "java")
	data, err := QuickFileData(s)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := marshal.Inflate(data)
	if err != nil {
		t.Fatalf("Inflate() error = %v", err)
	}
	v, err := marshal.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	u, ok := v.(marshal.UserDefined)
	if !ok || u.Class != "Gem::Specification" {
		t.Fatalf("quick file decoded to %#v", v)
	}
	if fields := u.Value.([]any); fields[2] != "foo" || fields[8] != "java" {
		t.Errorf("quick file fields = %v", fields)
	}
}
