package core

import (
	"errors"
	"testing"
)

func TestPURL(t *testing.T) {
	tests := []struct {
		name, version, platform string
		want                    string
	}{
		{"rails", "", "", "pkg:gem/rails"},
		{"rails", "7.0.0", "", "pkg:gem/rails@7.0.0"},
		{"rails", "7.0.0", "ruby", "pkg:gem/rails@7.0.0"},
		{"nokogiri", "1.16.0", "java", "pkg:gem/nokogiri@1.16.0?platform=java"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := PURL(tt.name, tt.version, tt.platform); got != tt.want {
				t.Errorf("PURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		input    string
		wantName string
		wantVer  string
		wantErr  bool
	}{
		{"rails", "rails", "", false},
		{"  rack-test ", "rack-test", "", false},
		{"pkg:gem/rails", "rails", "", false},
		{"pkg:gem/rails@7.0.0", "rails", "7.0.0", false},

		// Errors
		{"", "", "", true},
		{"../etc", "", "", true},
		{"pkg:npm/lodash", "", "", true},
		{"rails/../x", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			name, version, err := ParseQuery(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseQuery(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Errorf("ParseQuery(%q) error = %v, want ErrInvalidName", tt.input, err)
				}
				return
			}
			if name != tt.wantName {
				t.Errorf("Name = %q, want %q", name, tt.wantName)
			}
			if version != tt.wantVer {
				t.Errorf("Version = %q, want %q", version, tt.wantVer)
			}
		})
	}
}
