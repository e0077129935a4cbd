package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// AuthorizationRequest holds the parameters of an authorization request
// (RFC 6749 section 4.1.1, RFC 7636, RFC 8707).
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// ExchangeRequest is an authorization_code grant at the token endpoint. Client
// is the client already authenticated by the HTTP layer.
type ExchangeRequest struct {
	Client       *storage.Client
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ValidateAuthorizationRequest checks an authorization request. A nil client
// in the result means the redirect target could not be trusted and the error
// must be shown to the user instead of being redirected. A non-nil client
// with an error means the error may be sent to the redirect_uri.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "client_id is required")
	}
	client, err := s.store.GetClient(ctx, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, NewError(ErrorCodeInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, errServer(err)
	}
	if !client.Active {
		return nil, NewError(ErrorCodeInvalidClient, "unknown client")
	}
	if req.RedirectURI == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "redirect_uri is required")
	}
	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  client.ClientID,
			IPAddress: security.ClientIPFromContext(ctx),
		})
		return nil, NewError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	// From here on errors go back to the client's redirect_uri.
	if req.ResponseType != "code" {
		return client, NewError(ErrorCodeUnsupportedResponseType, "response_type must be code")
	}
	if !client.HasGrantType(storage.GrantTypeAuthorizationCode) {
		return client, NewError(ErrorCodeUnauthorizedClient, "client is not registered for the authorization_code grant")
	}
	if _, err := resolveRequestedScopes(req.Scope, client); err != nil {
		s.logScopeEscalation(ctx, client.ClientID, req.Scope)
		return client, err
	}
	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod, client.Public || s.Config.RequirePKCE); err != nil {
		return client, err
	}
	if err := validateResource(req.Resource); err != nil {
		return client, err
	}
	return client, nil
}

// Authorize issues an authorization code for an approved request and returns
// the URL to redirect the user agent to.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, userID string) (string, error) {
	if userID == "" {
		return "", NewError(ErrorCodeAccessDenied, "no authenticated user")
	}
	client, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		return "", err
	}
	scopes, err := resolveRequestedScopes(req.Scope, client)
	if err != nil {
		return "", err
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		Resource:            s.resourceOrDefault(req.Resource),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return "", errServer(fmt.Errorf("failed to save authorization code: %w", err))
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    userID,
		ClientID:  client.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details:   map[string]any{"scope": util.JoinScope(scopes)},
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, client.ClientID)
	}
	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"user_id", userID,
		"code_prefix", util.SafeTruncate(code.Code, logPrefixLength))

	return s.redirectURL(req.RedirectURI, url.Values{"code": {code.Code}}, req.State), nil
}

// DenyAuthorization returns the redirect for a request the user declined.
func (s *Server) DenyAuthorization(ctx context.Context, req AuthorizationRequest, userID string) string {
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationDenied,
		UserID:    userID,
		ClientID:  req.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	return s.ErrorRedirectURL(req.RedirectURI, req.State, NewError(ErrorCodeAccessDenied, "the user denied the request"))
}

// ErrorRedirectURL renders an error for delivery to a validated redirect_uri.
func (s *Server) ErrorRedirectURL(redirectURI, state string, oauthErr *Error) string {
	params := url.Values{"error": {oauthErr.Code.String()}}
	if oauthErr.Description != "" {
		params.Set("error_description", oauthErr.Description)
	}
	return s.redirectURL(redirectURI, params, state)
}

// redirectURL appends params, state and iss (RFC 9207) to redirectURI,
// keeping any query it already has.
func (s *Server) redirectURL(redirectURI string, params url.Values, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	if state != "" {
		q.Set("state", state)
	}
	q.Set("iss", s.Config.Issuer)
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangeAuthorizationCode redeems an authorization code. The code is burned
// before anything else is checked, so a code presented with a wrong verifier
// or redirect_uri is gone for good.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	client := req.Client
	if client == nil {
		return nil, NewError(ErrorCodeInvalidClient, "client authentication required")
	}
	if !client.HasGrantType(storage.GrantTypeAuthorizationCode) {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not registered for the authorization_code grant")
	}
	if req.Code == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "code is required")
	}
	clientIP := security.ClientIPFromContext(ctx)

	authCode, err := s.store.ConsumeAuthorizationCode(ctx, req.Code, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			s.handleCodeReuse(ctx, authCode, client.ClientID)
			return nil, errInvalidGrant(err)
		}
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) || errors.Is(err, storage.ErrAuthorizationCodeExpired) {
			s.Logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, logPrefixLength))
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_authorization_code")
			return nil, errInvalidGrant(err)
		}
		return nil, errServer(err)
	}

	// The code is now marked used; no other request can redeem it.

	if authCode.ClientID != client.ClientID {
		s.rejectGrant(ctx, authCode.UserID, client.ClientID, "client_id_mismatch",
			"expected_client_id", authCode.ClientID)
		return nil, errInvalidGrant(nil)
	}
	if authCode.RedirectURI != req.RedirectURI {
		s.rejectGrant(ctx, authCode.UserID, client.ClientID, "redirect_uri_mismatch")
		return nil, errInvalidGrant(nil)
	}
	if authCode.CodeChallenge != "" {
		if err := verifyPKCE(authCode.CodeChallenge, req.CodeVerifier); err != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  client.ClientID,
				IPAddress: clientIP,
				Details:   map[string]any{"reason": err.Error()},
			})
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
			}
			s.rejectGrant(ctx, authCode.UserID, client.ClientID, "pkce_validation_failed", "error", err)
			return nil, errInvalidGrant(err)
		}
	} else if req.CodeVerifier != "" {
		// RFC 9700 section 4.8.2: a verifier without a challenge is an attack signal
		s.rejectGrant(ctx, authCode.UserID, client.ClientID, "unexpected_code_verifier")
		return nil, errInvalidGrant(nil)
	}

	resp, err := s.issueTokens(ctx, client, storage.GrantTypeAuthorizationCode,
		authCode.UserID, authCode.Scopes, authCode.Resource, "")
	if err != nil {
		return nil, err
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, authCode.CodeChallengeMethod)
	}
	return resp, nil
}

// handleCodeReuse revokes everything issued to the user through the code's
// client (OAuth 2.1 section 4.1.3): a second redemption means the code leaked.
func (s *Server) handleCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, presentingClientID string) {
	s.Logger.Error("Authorization code reuse detected - revoking all tokens",
		"user_id", authCode.UserID,
		"client_id", authCode.ClientID,
		"presenting_client_id", presentingClientID)

	count, err := s.store.RevokeTokensForUserClient(ctx, authCode.UserID, authCode.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		UserID:    authCode.UserID,
		ClientID:  authCode.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details: map[string]any{
			"severity":       "critical",
			"action":         "all_tokens_revoked",
			"revoked_tokens": count,
		},
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
		if count > 0 {
			m.RecordTokenRevocation(ctx, count, true)
		}
	}
}

// rejectGrant logs the real reason for a generic invalid_grant.
func (s *Server) rejectGrant(ctx context.Context, userID, clientID, reason string, attrs ...any) {
	args := append([]any{"reason", reason, "client_id", clientID}, attrs...)
	s.Logger.Debug("Grant rejected", args...)
	s.Auditor.LogAuthFailure(userID, clientID, security.ClientIPFromContext(ctx), reason)
}

func (s *Server) logScopeEscalation(ctx context.Context, clientID, requested string) {
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventScopeEscalationAttempt,
		ClientID:  clientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details:   map[string]any{"requested_scope": requested},
	})
}

func (s *Server) resourceOrDefault(resource string) string {
	if resource != "" {
		return resource
	}
	return s.Config.ResourceIdentifier
}

func newFamilyID() string {
	return uuid.NewString()
}
