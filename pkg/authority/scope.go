package authority

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Scope patterns are an exact value, the wildcard "*", a subtree
// "prefix/**" that matches prefix itself and anything below it, or a family
// "prefix.*" that matches every dotted name under prefix but not prefix
// itself.
//
// Values are NFC-normalized and case-folded before comparison so visually
// identical strings cannot slip past a check.
const (
	wildcard      = "*"
	subtreeSuffix = "/**"
	familySuffix  = ".*"
)

func normalize(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

func matchPattern(pattern, value string) bool {
	p, v := normalize(pattern), normalize(value)
	switch {
	case p == wildcard:
		return true
	case strings.HasSuffix(p, subtreeSuffix):
		prefix := strings.TrimSuffix(p, subtreeSuffix)
		return v == prefix || strings.HasPrefix(v, prefix+"/")
	case strings.HasSuffix(p, familySuffix):
		return strings.HasPrefix(v, strings.TrimSuffix(p, "*"))
	default:
		return p == v
	}
}

// patternCovers reports whether every value matched by child is also
// matched by parent.
func patternCovers(parent, child string) bool {
	p, c := normalize(parent), normalize(child)
	if p == wildcard {
		return true
	}
	if c == wildcard {
		return false
	}
	switch {
	case strings.HasSuffix(c, subtreeSuffix):
		// The subtree includes its root, so the parent must match the root
		// and be open-ended below it.
		if !strings.HasSuffix(p, subtreeSuffix) && !strings.HasSuffix(p, familySuffix) {
			return false
		}
		return matchPattern(p, strings.TrimSuffix(c, subtreeSuffix))
	case strings.HasSuffix(c, familySuffix):
		stem := strings.TrimSuffix(c, familySuffix)
		switch {
		case strings.HasSuffix(p, subtreeSuffix):
			return strings.HasPrefix(stem, strings.TrimSuffix(p, subtreeSuffix)+"/")
		case strings.HasSuffix(p, familySuffix):
			pstem := strings.TrimSuffix(p, familySuffix)
			return stem == pstem || strings.HasPrefix(stem, pstem+".")
		default:
			return false
		}
	}
	return matchPattern(p, c)
}

func anyMatch(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

func dimensionContains(parent, child []string) bool {
	for _, c := range child {
		covered := false
		for _, p := range parent {
			if patternCovers(p, c) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// ScopeContains reports whether child is a subset of parent in every
// dimension. An empty target list means any target, so a parent with
// targets cannot contain a child without them.
func ScopeContains(parent, child contracts.Scope) bool {
	if !dimensionContains(parent.ActionTypes, child.ActionTypes) {
		return false
	}
	if !dimensionContains(parent.Environments, child.Environments) {
		return false
	}
	if len(parent.Targets) == 0 {
		return true
	}
	if len(child.Targets) == 0 {
		return false
	}
	return dimensionContains(parent.Targets, child.Targets)
}

// ScopeCovers reports whether an action of the given type, environment and
// target falls inside scope. Action types and environments must be listed
// explicitly; an empty list covers nothing.
func ScopeCovers(scope contracts.Scope, actionType, environment, target string) bool {
	if !anyMatch(scope.ActionTypes, actionType) {
		return false
	}
	if !anyMatch(scope.Environments, environment) {
		return false
	}
	if len(scope.Targets) == 0 {
		return true
	}
	return target != "" && anyMatch(scope.Targets, target)
}
