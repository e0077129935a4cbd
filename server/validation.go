package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	CodeChallengeLength   = 43 // base64url(SHA-256) without padding
	PKCEMethodS256        = "S256"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// GrantTypeDeviceCodeAlias is the short form accepted at registration.
const GrantTypeDeviceCodeAlias = "device_code"

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

	// customSchemePattern is RFC 3986 scheme syntax, lowercased
	customSchemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

	// base64URLPattern matches unpadded base64url
	base64URLPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	supportedGrantTypes = []string{
		storage.GrantTypeAuthorizationCode,
		storage.GrantTypeRefreshToken,
		storage.GrantTypeDeviceCode,
		storage.GrantTypeClientCredentials,
	}
)

// validateRedirectURIs checks every URI a client registers.
func validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return NewError(ErrorCodeInvalidRedirectURI, "at least one redirect_uri is required")
	}
	for _, uri := range uris {
		if err := validateRedirectURI(uri); err != nil {
			return WrapError(ErrorCodeInvalidRedirectURI, err.Error(), err)
		}
	}
	return nil
}

// validateRedirectURI accepts absolute URIs without a fragment that are https,
// http on a loopback address (RFC 8252 section 7.3), or a private-use scheme
// (RFC 8252 section 7.1).
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URI")
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeHTTPS:
		if u.Host == "" {
			return fmt.Errorf("redirect_uri must have a host")
		}
		return nil
	case SchemeHTTP:
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("http redirect_uri is only allowed for loopback addresses")
		}
		return nil
	}

	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme %q is not allowed", u.Scheme)
	}
	if !customSchemePattern.MatchString(scheme) {
		return fmt.Errorf("redirect_uri scheme %q is not a valid URI scheme", u.Scheme)
	}
	return nil
}

// isLoopbackHost reports whether host is localhost or a loopback IP
// (the whole of 127.0.0.0/8 and ::1).
func isLoopbackHost(host string) bool {
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// normalizeGrantTypes applies the registration default, maps the device_code
// alias to its URN and rejects unknown grants.
func normalizeGrantTypes(grantTypes []string) ([]string, error) {
	if len(grantTypes) == 0 {
		return []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}, nil
	}
	out := make([]string, 0, len(grantTypes))
	for _, gt := range grantTypes {
		if gt == GrantTypeDeviceCodeAlias {
			gt = storage.GrantTypeDeviceCode
		}
		if !slices.Contains(supportedGrantTypes, gt) {
			return nil, NewError(ErrorCodeInvalidClientMetadata, fmt.Sprintf("unsupported grant_type %q", gt))
		}
		if !slices.Contains(out, gt) {
			out = append(out, gt)
		}
	}
	return out, nil
}

// validateSupportedScopes checks registration scopes against the server's
// configured set. An empty configured set accepts anything.
func (s *Server) validateSupportedScopes(scopes []string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	if !util.ScopeSubset(scopes, s.Config.SupportedScopes) {
		return NewError(ErrorCodeInvalidClientMetadata, "one or more scopes are not supported")
	}
	return nil
}

// resolveRequestedScopes returns the scopes to grant for a request: the
// client's full set when nothing is requested, otherwise the request if it
// is within the client's set.
func resolveRequestedScopes(requested string, client *storage.Client) ([]string, error) {
	scopes := util.ParseScope(requested)
	if len(scopes) == 0 {
		return slices.Clone(client.Scopes), nil
	}
	if !util.ScopeSubset(scopes, client.Scopes) {
		// Deliberately generic: do not reveal which scope was refused.
		return nil, NewError(ErrorCodeInvalidScope, "client is not authorized for one or more requested scopes")
	}
	return scopes, nil
}

// validateCodeChallenge checks the PKCE parameters of an authorization request.
func validateCodeChallenge(challenge, method string, required bool) error {
	if challenge == "" {
		if method != "" {
			return NewError(ErrorCodeInvalidRequest, "code_challenge_method without code_challenge")
		}
		if required {
			return NewError(ErrorCodeInvalidRequest, "code_challenge is required")
		}
		return nil
	}
	if method != PKCEMethodS256 {
		return NewError(ErrorCodeInvalidRequest, "code_challenge_method must be S256")
	}
	if len(challenge) != CodeChallengeLength || !base64URLPattern.MatchString(challenge) {
		return NewError(ErrorCodeInvalidRequest, "code_challenge must be a base64url encoded SHA-256 hash")
	}
	return nil
}

// verifyPKCE validates the code verifier against the stored S256 challenge
// per RFC 7636 section 4.6.
func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	// unreserved = ALPHA / DIGIT / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateResource checks an RFC 8707 resource indicator.
func validateResource(resource string) error {
	if resource == "" {
		return nil
	}
	u, err := url.Parse(resource)
	if err != nil || !u.IsAbs() || u.Fragment != "" {
		return NewError(ErrorCodeInvalidRequest, "resource must be an absolute URI without a fragment")
	}
	return nil
}
