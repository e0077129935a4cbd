package oauth

import (
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-authz/security"
)

const (
	// defaultMaxRequestBodyBytes bounds JSON and form bodies.
	defaultMaxRequestBodyBytes = 1 << 20

	defaultStorageTimeout = 5 * time.Second
)

// Config holds the HTTP handler configuration. Protocol settings live in
// server.Config.
type Config struct {
	// Session identifies the end user on /authorize, /device/authorize and
	// the client management endpoints (required).
	Session SessionAuthenticator

	// Consent asks the user to approve authorization code requests (required).
	Consent ConsentPrompter

	// RegistrationAccessToken, when set, must be presented as a Bearer token
	// on POST /register. Empty leaves registration open.
	RegistrationAccessToken string

	// RateLimiter limits register, token and device endpoints per client IP.
	// Nil disables limiting.
	RateLimiter security.Limiter

	// ClientIP controls how the client address is resolved behind proxies.
	ClientIP security.ClientIPResolver

	// ProtectedResource is served at /.well-known/oauth-protected-resource.
	// Resource defaults to the server's ResourceIdentifier and
	// AuthorizationServers to the issuer.
	ProtectedResource ProtectedResourceMetadata

	// ServiceDocumentation is advertised in the authorization server metadata.
	ServiceDocumentation string

	// MaxRequestBodyBytes bounds request bodies.
	MaxRequestBodyBytes int64 // default: 1 MiB

	// StorageTimeout bounds the store calls made while serving one request.
	// A request that runs out of time fails with server_error.
	StorageTimeout time.Duration // default: 5s

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = defaultMaxRequestBodyBytes
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = defaultStorageTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
