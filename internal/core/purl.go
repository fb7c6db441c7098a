package core

import (
	"fmt"
	"strings"

	packageurl "github.com/git-pkgs/packageurl-go"
	"github.com/git-pkgs/purl"
)

const purlType = "gem"

// PURL returns the Package URL of a gem, e.g. "pkg:gem/nokogiri@1.16.0?platform=java".
// The version is omitted when empty and the ruby platform is implicit.
func PURL(name, version, platform string) string {
	var qualifiers packageurl.Qualifiers
	if p := NormalizePlatform(platform); version != "" && p != DefaultPlatform {
		qualifiers = packageurl.QualifiersFromMap(map[string]string{"platform": p})
	}
	return packageurl.NewPackageURL(purlType, "", name, version, qualifiers, "").ToString()
}

// ParseQuery accepts either a bare gem name or a gem Package URL and returns
// the name and the (possibly empty) version.
func ParseQuery(query string) (name, version string, err error) {
	query = strings.TrimSpace(query)
	if !strings.HasPrefix(query, "pkg:") {
		if err := ValidateName(query); err != nil {
			return "", "", err
		}
		return query, "", nil
	}

	p, err := purl.Parse(query)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if p.Type != purlType {
		return "", "", fmt.Errorf("%w: purl type %q is not %q", ErrInvalidName, p.Type, purlType)
	}
	if err := ValidateName(p.Name); err != nil {
		return "", "", err
	}
	return p.Name, p.Version, nil
}

// ValidateName rejects names that cannot be used as storage key segments.
func ValidateName(name string) error {
	if name == "" || len(name) > 255 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
