package policy

import (
	"net/http"
	"path"
	"strings"
)

// MatchPattern reports whether urlPath matches pattern. Within a segment the
// path.Match syntax applies; a `**` segment matches zero or more segments.
func MatchPattern(pattern, urlPath string) bool {
	return matchSegments(splitPath(pattern), splitPath(urlPath))
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, segments []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(segments); i++ {
				if matchSegments(rest, segments[i:]) {
					return true
				}
			}
			return false
		}
		if len(segments) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], segments[0])
		if err != nil || !ok {
			return false
		}
		pattern, segments = pattern[1:], segments[1:]
	}
	return len(segments) == 0
}

// FindMatchingPolicy returns the first policy whose pattern matches urlPath and
// whose predicate, if any, accepts r.
func FindMatchingPolicy(urlPath string, r *http.Request, policies []Policy) (Policy, bool) {
	for _, p := range policies {
		if !MatchPattern(p.Pattern, urlPath) {
			continue
		}
		if p.Predicate != nil && !p.Predicate(r) {
			continue
		}
		return p, true
	}
	return Policy{}, false
}
