// Package server implements the OAuth 2.0 authorization server logic.
//
// The Server type is transport-agnostic: the root package maps HTTP requests
// onto its operations and renders the *Error values it returns. It covers
//   - the client registry (RFC 7591 registration, owner-scoped update and
//     soft deactivation, constant-time client authentication),
//   - the authorization code grant with mandatory S256 PKCE for public clients,
//   - the device authorization grant (RFC 8628) including slow_down handling,
//   - access/refresh token minting, refresh rotation with reuse detection,
//     and RFC 7009 revocation,
//   - RFC 7662 introspection for resource servers.
//
// All state lives in a storage.Store. Every check-then-act transition (code
// redemption, device claim, refresh rotation) is a single atomic store call,
// so several Server instances can share one durable store.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(store, &server.Config{
//	    Issuer:          "https://auth.example.com",
//	    SupportedScopes: []string{"tasks:read", "tasks:write"},
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
