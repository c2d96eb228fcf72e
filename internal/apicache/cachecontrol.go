package apicache

import (
	"strconv"
	"strings"
)

// Directive holds the origin-response Cache-Control fields the policy
// inspects before layering its own shared-cache headers on top.
type Directive struct {
	MaxAge  *int
	SMaxAge *int
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl reads the subset of Cache-Control the policy cares about:
// max-age, s-maxage, no-cache, no-store, private. Unknown directives and
// malformed values are ignored.
func ParseCacheControl(header string) Directive {
	var directive Directive
	if header == "" {
		return directive
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, found := strings.Cut(part, "="); found {
			seconds, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || seconds < 0 {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "max-age":
				directive.MaxAge = &seconds
			case "s-maxage":
				directive.SMaxAge = &seconds
			}
			continue
		}
		switch strings.ToLower(part) {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}
	return directive
}

// ForbidsSharedCache reports whether the origin already opted this response
// out of shared caching. The policy never overrides an origin opt-out.
func (d Directive) ForbidsSharedCache() bool {
	return d.NoCache || d.NoStore || d.Private
}
