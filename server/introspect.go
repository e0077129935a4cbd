package server

import (
	"context"
	"errors"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// IntrospectionResponse is an RFC 7662 response. An inactive token yields
// exactly {"active":false}.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// Introspect reports the state of a token. Store failures report the token
// inactive. Tokens of deactivated clients remain active until they expire or
// are revoked.
func (s *Server) Introspect(ctx context.Context, token, hint string) *IntrospectionResponse {
	inactive := &IntrospectionResponse{Active: false}
	if token == "" {
		return inactive
	}

	record, err := s.store.GetToken(ctx, token)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Error("Introspection lookup failed", "error", err, "hint", hint)
		}
		s.recordIntrospection(ctx, false)
		return inactive
	}
	if !record.Active(s.now()) {
		s.recordIntrospection(ctx, false)
		return inactive
	}

	s.recordIntrospection(ctx, true)
	return &IntrospectionResponse{
		Active:    true,
		Scope:     util.JoinScope(record.Scopes),
		ClientID:  record.ClientID,
		Subject:   record.UserID,
		ExpiresAt: record.ExpiresAt.Unix(),
		IssuedAt:  record.CreatedAt.Unix(),
		TokenType: string(record.Type),
		Audience:  record.Resource,
		Issuer:    s.Config.Issuer,
	}
}

func (s *Server) recordIntrospection(ctx context.Context, active bool) {
	if m := s.metrics(); m != nil {
		m.RecordIntrospection(ctx, active)
	}
}
