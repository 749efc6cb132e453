package benteng

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cacheDirectives holds the Cache-Control directives the cache manager honours.
type cacheDirectives struct {
	NoStore bool
	NoCache bool
	MaxAge  *time.Duration
}

// parseCacheControl parses Cache-Control header into structured directives.
func parseCacheControl(header string) cacheDirectives {
	var directives cacheDirectives
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		key, value, hasValue := strings.Cut(part, "=")
		if hasValue {
			value = strings.Trim(strings.TrimSpace(value), "\"")
			if strings.TrimSpace(key) == "max-age" {
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					maxAge := time.Duration(seconds) * time.Second
					directives.MaxAge = &maxAge
				}
			}
			continue
		}

		switch part {
		case "no-store":
			directives.NoStore = true
		case "no-cache":
			directives.NoCache = true
		}
	}

	return directives
}

// responseTTL derives a freshness window from the response headers. ok is
// false when the response must not be stored.
func responseTTL(header http.Header) (ttl time.Duration, explicit bool, ok bool) {
	directives := parseCacheControl(header.Get("Cache-Control"))
	if directives.NoStore {
		return 0, false, false
	}
	if directives.NoCache {
		return 0, true, true
	}
	if directives.MaxAge != nil {
		return *directives.MaxAge, true, true
	}
	return 0, false, true
}
