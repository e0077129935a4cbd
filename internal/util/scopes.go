package util

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope string into its distinct tokens,
// preserving first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope renders scopes in wire format.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopeSubset reports whether every scope in requested is present in allowed.
// An empty request is always a subset.
func ScopeSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// HasScope reports whether scopes contains want.
func HasScope(scopes []string, want string) bool {
	return slices.Contains(scopes, want)
}
