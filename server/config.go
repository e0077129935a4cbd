package server

import (
	"log/slog"
	"strings"
)

// Device authorization lifetime bounds (seconds).
const (
	MinDeviceCodeTTL = 900
	MaxDeviceCodeTTL = 1800
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// DeviceCodeTTL is the lifetime of a device authorization.
	// Clamped to [900, 1800].
	DeviceCodeTTL int64 // seconds, default: 900 (15 minutes)

	// DevicePollInterval is the minimum interval handed to device clients
	DevicePollInterval int64 // seconds, default: 5

	// DeviceSlowDownStep is added to the interval each time a client polls too fast
	DeviceSlowDownStep int64 // seconds, default: 5

	// VerificationURI is where users enter a device user code.
	// Default: Issuer + "/device"
	VerificationURI string

	// SupportedScopes lists the scopes clients may be registered for.
	// If empty, any scope is accepted at registration.
	SupportedScopes []string

	// RequirePKCE enforces PKCE for all authorization requests, including
	// confidential clients. Public clients always need PKCE.
	// Default: true
	RequirePKCE bool // default: true

	// MinClientSecretLength is the minimum length of a client-chosen secret
	MinClientSecretLength int // default: 16

	// IntrospectionClients restricts introspection to these confidential
	// clients. Empty allows every confidential client.
	IntrospectionClients []string

	// ResourceIdentifier is the default audience (RFC 8707) stamped on tokens
	// when the client does not request one.
	ResourceIdentifier string

	// requirePKCESet records that RequirePKCE was set explicitly (see DisablePKCE).
	requirePKCESet bool
}

// DisablePKCE turns off the PKCE requirement for confidential clients.
// RequirePKCE=false on a zero Config is otherwise indistinguishable from unset.
func (c *Config) DisablePKCE() {
	c.RequirePKCE = false
	c.requirePKCESet = true
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = MinDeviceCodeTTL
	}
	config.DeviceCodeTTL = min(max(config.DeviceCodeTTL, MinDeviceCodeTTL), MaxDeviceCodeTTL)
	if config.DevicePollInterval <= 0 {
		config.DevicePollInterval = 5
	}
	if config.DeviceSlowDownStep <= 0 {
		config.DeviceSlowDownStep = 5
	}
}

// applySecurityDefaults sets secure defaults and logs warnings for settings
// that weaken them
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	config.Issuer = strings.TrimRight(config.Issuer, "/")
	if config.VerificationURI == "" {
		config.VerificationURI = config.Issuer + "/device"
	}
	if config.MinClientSecretLength <= 0 {
		config.MinClientSecretLength = 16
	}
	if !config.requirePKCESet {
		config.RequirePKCE = true
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is not required for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Leave RequirePKCE enabled for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if strings.HasPrefix(config.Issuer, "http://") {
		logger.Warn("SECURITY WARNING: Issuer is not HTTPS",
			"issuer", config.Issuer,
			"risk", "Tokens and client credentials exposed to network interception",
			"recommendation", "Terminate TLS in front of the server and use an https issuer")
	}
	if len(config.SupportedScopes) == 0 {
		logger.Info("SupportedScopes not configured; clients may register any scope")
	}
}
