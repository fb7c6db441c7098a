package core

import "testing"

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"1", "1.0.0.0", 0},
		{"1.0.0", "2.0.0", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.2.3", "1.2", 1},
		{"2.0.0-beta", "2.0.0", -1},
		{"2.0.0-beta", "1.0.0", 1},
		{"2.0.0.pre.pre", "2.0.0-pre", 0},
		{"2.0.0-pre", "2.0.0.pre", -1},
		{"1.0.a", "1.0.b", -1},
		{"1.0.a", "1.a", 0},
		{"1.0.0.rc1", "1.0.0.rc2", -1},
		{"1.0.0.beta", "1.0.0.rc1", -1},
		{"10.0", "9.99", 1},
		{"01.2", "1.2", 0},
		{"123456789012345678901234567890", "123456789012345678901234567889", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			if got := CompareVersions(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := CompareVersions(tt.b, tt.a); got != -tt.want {
				t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}

func TestIsPrerelease(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"1.0.0", false},
		{"0.1", false},
		{"2.0.0-beta", true},
		{"1.0.0.rc1", true},
		{"3.0.0.pre", true},
		{"1.0.0-1", true},
		{"1.0.0.0", false},
	}

	for _, tt := range tests {
		if got := IsPrerelease(tt.version); got != tt.want {
			t.Errorf("IsPrerelease(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestValidVersion(t *testing.T) {
	valid := []string{"1", "1.0.0", "2.0.0-beta", "1.0.0.rc1", "0.0.1.a.b"}
	invalid := []string{"", "v1.0", "1..0", "1.0 beta", "../1"}

	for _, v := range valid {
		if !ValidVersion(v) {
			t.Errorf("ValidVersion(%q) = false, want true", v)
		}
	}
	for _, v := range invalid {
		if ValidVersion(v) {
			t.Errorf("ValidVersion(%q) = true, want false", v)
		}
	}
}

func TestLessOrdersByNameVersionPlatform(t *testing.T) {
	specs := []*Spec{
		{Name: "foo", Version: "2.0.0-beta"},
		{Name: "foo", Version: "1.0.0", Platform: "x86_64-linux"},
		{Name: "bar", Version: "0.1.0"},
		{Name: "foo", Version: "1.0.0"},
		{Name: "foo", Version: "1.0.0", Platform: "java"},
	}
	SortSpecs(specs)

	want := []string{
		"bar-0.1.0",
		"foo-1.0.0-java",
		"foo-1.0.0",
		"foo-1.0.0-x86_64-linux",
		"foo-2.0.0-beta",
	}
	for i, s := range specs {
		if s.FullName() != want[i] {
			t.Errorf("specs[%d] = %q, want %q", i, s.FullName(), want[i])
		}
	}
}

func TestTupleFullName(t *testing.T) {
	tests := []struct {
		tuple Tuple
		want  string
	}{
		{Tuple{Name: "rails", Version: "7.1.0"}, "rails-7.1.0"},
		{Tuple{Name: "rails", Version: "7.1.0", Platform: "ruby"}, "rails-7.1.0"},
		{Tuple{Name: "nokogiri", Version: "1.16.0", Platform: "x86_64-linux"}, "nokogiri-1.16.0-x86_64-linux"},
	}

	for _, tt := range tests {
		if got := tt.tuple.FullName(); got != tt.want {
			t.Errorf("FullName() = %q, want %q", got, tt.want)
		}
	}
}

func TestRuntimeDependencies(t *testing.T) {
	s := &Spec{
		Name:    "rails",
		Version: "7.1.0",
		Dependencies: []Dependency{
			{Name: "activesupport", Requirement: "= 7.1.0", Scope: Runtime},
			{Name: "minitest", Requirement: "~> 5.15", Scope: Development},
			{Name: "actionpack", Requirement: "= 7.1.0", Scope: Runtime},
		},
	}

	deps := s.RuntimeDependencies()
	if len(deps) != 2 {
		t.Fatalf("expected 2 runtime dependencies, got %d", len(deps))
	}
	if deps[0].Name != "activesupport" || deps[1].Name != "actionpack" {
		t.Errorf("unexpected order: %q, %q", deps[0].Name, deps[1].Name)
	}
}
