package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// TokenResponse is the successful token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// MintTokens creates an access token and, when the client holds the
// refresh_token grant, a refresh token. Both are stored in one SaveTokens call.
// An empty familyID starts a new family.
func (s *Server) MintTokens(ctx context.Context, client *storage.Client, userID string, scopes []string, resource, familyID string) (*TokenResponse, error) {
	if familyID == "" {
		familyID = newFamilyID()
	}
	now := s.now()
	accessTTL := time.Duration(s.Config.AccessTokenTTL) * time.Second

	access := &storage.Token{
		Value:     generateRandomToken(),
		Type:      storage.TokenTypeAccess,
		UserID:    userID,
		ClientID:  client.ClientID,
		Scopes:    scopes,
		Resource:  resource,
		FamilyID:  familyID,
		CreatedAt: now,
		ExpiresAt: now.Add(accessTTL),
	}
	tokens := []*storage.Token{access}

	var refresh *storage.Token
	if client.HasGrantType(storage.GrantTypeRefreshToken) {
		refresh = s.newRefreshToken(client, userID, scopes, resource, familyID, now)
		tokens = append(tokens, refresh)
	}

	if err := s.store.SaveTokens(ctx, tokens...); err != nil {
		return nil, errServer(fmt.Errorf("failed to save tokens: %w", err))
	}

	return buildTokenResponse(access, refresh, s.Config.AccessTokenTTL), nil
}

func (s *Server) newRefreshToken(client *storage.Client, userID string, scopes []string, resource, familyID string, now time.Time) *storage.Token {
	return &storage.Token{
		Value:     generateRandomToken(),
		Type:      storage.TokenTypeRefresh,
		UserID:    userID,
		ClientID:  client.ClientID,
		Scopes:    scopes,
		Resource:  resource,
		FamilyID:  familyID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}
}

func buildTokenResponse(access, refresh *storage.Token, expiresIn int64) *TokenResponse {
	resp := &TokenResponse{
		AccessToken: access.Value,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   expiresIn,
		Scope:       util.JoinScope(access.Scopes),
	}
	if refresh != nil {
		resp.RefreshToken = refresh.Value
	}
	return resp
}

// issueTokens mints tokens for a completed grant and records the issuance.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, grantType, userID string, scopes []string, resource, familyID string) (*TokenResponse, error) {
	resp, err := s.MintTokens(ctx, client, userID, scopes, resource, familyID)
	if err != nil {
		s.Logger.Error("Failed to mint tokens", "client_id", client.ClientID, "grant_type", grantType, "error", err)
		return nil, err
	}

	s.Auditor.LogTokenIssued(userID, client.ClientID, security.ClientIPFromContext(ctx), grantType, resp.Scope)
	if m := s.metrics(); m != nil {
		m.RecordTokensIssued(ctx, grantType, resp.RefreshToken != "")
	}
	s.Logger.Info("Issued tokens",
		"client_id", client.ClientID,
		"user_id", userID,
		"grant_type", grantType,
		"scope", resp.Scope,
		"token_prefix", util.SafeTruncate(resp.AccessToken, logPrefixLength))
	return resp, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token and a
// rotated refresh token in the same family. Presenting a refresh token that
// was already rotated revokes the whole family.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, scope string) (*TokenResponse, error) {
	if client == nil {
		return nil, NewError(ErrorCodeInvalidClient, "client authentication required")
	}
	if !client.HasGrantType(storage.GrantTypeRefreshToken) {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not registered for the refresh_token grant")
	}
	if refreshToken == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "refresh_token is required")
	}

	now := s.now()
	current, err := s.store.GetToken(ctx, refreshToken)
	if errors.Is(err, storage.ErrTokenNotFound) {
		s.rejectGrant(ctx, "", client.ClientID, "unknown_refresh_token")
		return nil, errInvalidGrant(err)
	}
	if err != nil {
		return nil, errServer(err)
	}
	if current.Type != storage.TokenTypeRefresh {
		s.rejectGrant(ctx, current.UserID, client.ClientID, "not_a_refresh_token")
		return nil, errInvalidGrant(nil)
	}
	if current.ClientID != client.ClientID {
		s.rejectGrant(ctx, current.UserID, client.ClientID, "client_id_mismatch",
			"token_client_id", current.ClientID)
		return nil, errInvalidGrant(nil)
	}
	if current.Revoked {
		s.handleRefreshReuse(ctx, current)
		return nil, errInvalidGrant(storage.ErrTokenRevoked)
	}
	if !current.Active(now) {
		s.rejectGrant(ctx, current.UserID, client.ClientID, "refresh_token_expired")
		return nil, errInvalidGrant(storage.ErrTokenExpired)
	}

	scopes := current.Scopes
	if requested := util.ParseScope(scope); len(requested) > 0 {
		if !util.ScopeSubset(requested, current.Scopes) {
			s.logScopeEscalation(ctx, client.ClientID, scope)
			return nil, NewError(ErrorCodeInvalidScope, "requested scope exceeds the original grant")
		}
		scopes = requested
	}

	// The rotated refresh token keeps the original grant so a later refresh
	// can ask for any of it again (RFC 6749 section 6).
	next := s.newRefreshToken(client, current.UserID, current.Scopes, current.Resource, current.FamilyID, now)
	access := &storage.Token{
		Value:     generateRandomToken(),
		Type:      storage.TokenTypeAccess,
		UserID:    current.UserID,
		ClientID:  client.ClientID,
		Scopes:    scopes,
		Resource:  current.Resource,
		FamilyID:  current.FamilyID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}
	// Revoking the presented token and storing both new ones is a single
	// store operation; a failure leaves the presented token usable.
	old, err := s.store.RotateRefreshToken(ctx, refreshToken, next, access, now)
	switch {
	case errors.Is(err, storage.ErrTokenRevoked):
		// lost a race against a concurrent refresh, or a replay
		if old == nil {
			old = current
		}
		s.handleRefreshReuse(ctx, old)
		return nil, errInvalidGrant(err)
	case errors.Is(err, storage.ErrTokenExpired), errors.Is(err, storage.ErrTokenNotFound):
		return nil, errInvalidGrant(err)
	case err != nil:
		return nil, errServer(err)
	}

	resp := buildTokenResponse(access, next, s.Config.AccessTokenTTL)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenRefreshed,
		UserID:    current.UserID,
		ClientID:  client.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details:   map[string]any{"scope": resp.Scope},
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID)
		m.RecordTokensIssued(ctx, storage.GrantTypeRefreshToken, true)
	}
	s.Logger.Debug("Rotated refresh token",
		"client_id", client.ClientID,
		"family_id", util.SafeTruncate(current.FamilyID, logPrefixLength))
	return resp, nil
}

// handleRefreshReuse revokes the family of a refresh token presented after
// it was rotated.
func (s *Server) handleRefreshReuse(ctx context.Context, token *storage.Token) {
	s.Logger.Error("Refresh token reuse detected - revoking token family",
		"user_id", token.UserID,
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, logPrefixLength))

	count, err := s.store.RevokeTokenFamily(ctx, token.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after reuse detection", "error", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenReuseDetected,
		UserID:    token.UserID,
		ClientID:  token.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details: map[string]any{
			"severity":       "critical",
			"action":         "token_family_revoked",
			"revoked_tokens": count,
		},
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
		if count > 0 {
			m.RecordTokenRevocation(ctx, count, true)
		}
	}
}

// RevokeToken implements RFC 7009. Unknown tokens and tokens of other clients
// succeed without effect. Revoking a refresh token revokes its whole family;
// revoking an access token revokes only that token. The hint is advisory:
// both token kinds live in one namespace.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, token, hint string) error {
	if client == nil {
		return NewError(ErrorCodeInvalidClient, "client authentication required")
	}
	if token == "" {
		return NewError(ErrorCodeInvalidRequest, "token is required")
	}

	record, err := s.store.GetToken(ctx, token)
	if errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Debug("Revocation of unknown token", "client_id", client.ClientID, "hint", hint)
		return nil
	}
	if err != nil {
		return errServer(err)
	}
	if record.ClientID != client.ClientID {
		s.Logger.Warn("Client attempted to revoke another client's token",
			"client_id", client.ClientID,
			"token_client_id", record.ClientID)
		s.Auditor.LogAuthFailure(record.UserID, client.ClientID, security.ClientIPFromContext(ctx), "revoke_foreign_token")
		return nil
	}

	count := 1
	cascade := record.Type == storage.TokenTypeRefresh
	if cascade {
		count, err = s.store.RevokeTokenFamily(ctx, record.FamilyID)
	} else {
		_, err = s.store.RevokeToken(ctx, token)
	}
	if err != nil {
		return errServer(fmt.Errorf("failed to revoke token: %w", err))
	}

	s.Auditor.LogTokenRevoked(record.UserID, client.ClientID, security.ClientIPFromContext(ctx), string(record.Type), count)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, count, cascade)
	}
	s.Logger.Info("Revoked token",
		"client_id", client.ClientID,
		"token_type", record.Type,
		"count", count)
	return nil
}

// RevokeAllTokensForUserClient revokes every token a user granted to a client,
// e.g. when the user withdraws consent.
func (s *Server) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	count, err := s.store.RevokeTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, errServer(err)
	}
	s.Auditor.LogTokenRevoked(userID, clientID, security.ClientIPFromContext(ctx), "all", count)
	return count, nil
}
