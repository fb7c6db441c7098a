package marshal

import "strings"

// constraint is one "op version" pair of a Gem::Requirement.
type constraint struct {
	op      string
	version string
}

var operators = []string{"~>", ">=", "<=", "!=", "=", ">", "<"}

// parseRequirement splits "~> 1.2, < 2" into constraints. A bare version
// means "=", and an empty requirement means ">= 0".
func parseRequirement(req string) []constraint {
	var out []constraint
	for _, part := range strings.Split(req, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		op := "="
		for _, candidate := range operators {
			if strings.HasPrefix(part, candidate) {
				op = candidate
				part = strings.TrimSpace(part[len(candidate):])
				break
			}
		}
		if part == "" {
			continue
		}
		out = append(out, constraint{op: op, version: part})
	}
	if len(out) == 0 {
		out = []constraint{{op: ">=", version: "0"}}
	}
	return out
}

// NormalizeRequirement renders a requirement the way RubyGems prints it.
func NormalizeRequirement(req string) string {
	cs := parseRequirement(req)
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.op + " " + c.version
	}
	return strings.Join(parts, ", ")
}
