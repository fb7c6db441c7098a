package core

import (
	"regexp"
	"strings"
)

var versionPattern = regexp.MustCompile(`^[0-9]+(\.[0-9a-zA-Z]+)*(-[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?$`)

// ValidVersion reports whether s is a well-formed gem version.
func ValidVersion(s string) bool {
	return versionPattern.MatchString(strings.TrimSpace(s))
}

// IsPrerelease reports whether the version has a non-numeric segment. A
// "-" suffix counts, since it reads as ".pre.".
func IsPrerelease(version string) bool {
	for _, s := range parseSegments(version) {
		if !s.numeric {
			return true
		}
	}
	return false
}

// segment is either a number (digits without leading zeros) or a word.
type segment struct {
	text    string
	numeric bool
}

var zero = segment{text: "0", numeric: true}

func parseSegments(version string) []segment {
	v := strings.ReplaceAll(strings.TrimSpace(version), "-", ".pre.")
	var segs []segment
	for i := 0; i < len(v); {
		c := v[i]
		switch {
		case isDigit(c):
			j := i
			for j < len(v) && isDigit(v[j]) {
				j++
			}
			n := strings.TrimLeft(v[i:j], "0")
			if n == "" {
				n = "0"
			}
			segs = append(segs, segment{text: n, numeric: true})
			i = j
		case isLetter(c):
			j := i
			for j < len(v) && isLetter(v[j]) {
				j++
			}
			segs = append(segs, segment{text: v[i:j]})
			i = j
		default:
			i++
		}
	}
	return canonical(segs)
}

// canonical drops trailing zeros from the release part and from the
// prerelease part, so "1.0.0" == "1" and "1.0.a" == "1.a".
func canonical(segs []segment) []segment {
	split := len(segs)
	for i, s := range segs {
		if !s.numeric {
			split = i
			break
		}
	}
	release := trimZeros(segs[:split])
	pre := trimZeros(segs[split:])
	out := make([]segment, 0, len(release)+len(pre))
	out = append(out, release...)
	return append(out, pre...)
}

func trimZeros(segs []segment) []segment {
	end := len(segs)
	for end > 0 && segs[end-1] == zero {
		end--
	}
	return segs[:end]
}

// CompareVersions orders two gem versions. Numeric segments compare
// numerically, word segments sort below numbers and compare
// lexicographically, and missing segments count as zero.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	as, bs := parseSegments(a), parseSegments(b)
	n := max(len(as), len(bs))
	for i := 0; i < n; i++ {
		l, r := zero, zero
		if i < len(as) {
			l = as[i]
		}
		if i < len(bs) {
			r = bs[i]
		}
		if l == r {
			continue
		}
		switch {
		case !l.numeric && r.numeric:
			return -1
		case l.numeric && !r.numeric:
			return 1
		case l.numeric:
			return compareNumbers(l.text, r.text)
		default:
			return strings.Compare(l.text, r.text)
		}
	}
	return 0
}

func compareNumbers(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
