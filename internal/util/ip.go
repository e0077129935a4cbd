package util

import (
	"net"
	"strings"
)

// IPClassification is the security classification of an IP address.
type IPClassification int

const (
	// IPClassificationPublic is a publicly routable address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback is 127.0.0.0/8 or ::1.
	IPClassificationLoopback
	// IPClassificationPrivate is RFC 1918 or fc00::/7.
	IPClassificationPrivate
	// IPClassificationLinkLocal is 169.254.0.0/16 or fe80::/10.
	IPClassificationLinkLocal
	// IPClassificationUnspecified is 0.0.0.0 or ::.
	IPClassificationUnspecified
)

func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of ip. A nil IP is unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLoopbackHostname reports whether hostname (as returned by url.URL.Hostname)
// is "localhost" or a loopback IP literal. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// internalSuffixes are DNS suffixes that only resolve inside a deployment.
var internalSuffixes = []string{".internal", ".local", ".svc", ".cluster.local", ".localhost"}

// IsInternalHostname reports whether hostname can only address something inside
// the same deployment: loopback, a private or link-local IP literal, a single-label
// name (e.g. a compose service) or a name under an internal-only suffix.
func IsInternalHostname(hostname string) bool {
	if hostname == "" {
		return false
	}
	if IsLoopbackHostname(hostname) {
		return true
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		c := ClassifyIP(ip)
		return c == IPClassificationPrivate || c == IPClassificationLinkLocal
	}
	h := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if !strings.Contains(h, ".") {
		return true
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}
