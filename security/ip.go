package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller's address for rate limiting and audit.
//
// Only set TrustProxy when the server runs behind a reverse proxy that
// overwrites X-Forwarded-For; otherwise clients can pick their own identity.
// TrustedProxyCount is the number of proxies counted from the right of the
// X-Forwarded-For list (0 means 1).
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the resolved client address of r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	return GetClientIP(r, c.TrustProxy, c.TrustedProxyCount)
}

// GetClientIP extracts the client IP, honouring X-Forwarded-For and X-Real-IP
// only when trustProxy is set.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the entry left of the trusted proxies:
//
//	X-Forwarded-For: client, untrusted, proxy2    (trustedProxyCount=2 -> client)
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

type clientIPContextKey struct{}

// WithClientIP stores the resolved client address in ctx so protocol code can
// attach it to audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
