package util

import "strings"

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// It is used to log a recognisable prefix of a token or code, never the whole value.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
//	SafeTruncate("test", -1)                   // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so resource identifiers compare equal
// with and without them (RFC 8707 audience comparison).
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
