// Package authz implements the profile-based authorization engine: glob
// policy evaluation over a flattened profile inheritance chain, deny-wins.
package authz

import (
	"regexp"
	"strings"
	"sync"
)

// MatchGlob reports whether name matches pattern. The only wildcard is '*',
// which matches any run of characters including dots; every other regex
// metacharacter is taken literally. An empty pattern matches nothing.
func MatchGlob(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	return compileGlob(pattern).MatchString(name)
}

// MatchAny reports whether name matches any of the patterns, returning the
// first matching pattern.
func MatchAny(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if MatchGlob(p, name) {
			return p, true
		}
	}
	return "", false
}

var globCache sync.Map // pattern -> *regexp.Regexp

func compileGlob(pattern string) *regexp.Regexp {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}

	var b strings.Builder
	b.WriteByte('^')
	for _, part := range strings.Split(pattern, "*") {
		if part != "" {
			b.WriteString(regexp.QuoteMeta(part))
		}
		b.WriteString(".*")
	}
	// The loop appends one trailing ".*" too many.
	expr := strings.TrimSuffix(b.String(), ".*") + "$"

	re := regexp.MustCompile(expr)
	globCache.Store(pattern, re)
	return re
}
