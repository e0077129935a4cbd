package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// dummyBcryptHash is compared against when there is no real hash so that
// unknown and known client ids take the same time to reject.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientRegistration is a dynamic client registration request (RFC 7591).
type ClientRegistration struct {
	ClientName   string
	RedirectURIs []string
	GrantTypes   []string // default: authorization_code, refresh_token
	Scopes       []string
	OwnerUserID  string

	// ClientSecret lets a confidential client choose its own secret. When
	// empty one is generated and returned once.
	ClientSecret string

	// Public registers a client without a secret. token_endpoint_auth_method
	// "none" implies it.
	Public                  bool
	TokenEndpointAuthMethod string
}

// ClientUpdate replaces client metadata. Zero-valued fields are left unchanged.
type ClientUpdate struct {
	ClientName   string
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
}

// RegisterClient validates and stores a new client. The plaintext secret is
// returned only here and never stored.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	clientIP := security.ClientIPFromContext(ctx)

	client, secret, err := s.buildClient(reg)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRejected,
			UserID:    reg.OwnerUserID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		s.Logger.Warn("Client registration rejected", "error", err, "client_ip", clientIP)
		return nil, "", err
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", errServer(fmt.Errorf("failed to save client: %w", err))
	}

	clientType := ClientTypeConfidential
	if client.Public {
		clientType = ClientTypePublic
	}
	s.Auditor.LogClientRegistered(client.ClientID, clientType, client.OwnerUserID, clientIP)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"grant_types", client.GrantTypes,
		"client_ip", clientIP)

	return client, secret, nil
}

func (s *Server) buildClient(reg ClientRegistration) (*storage.Client, string, error) {
	if err := validateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, "", err
	}
	grantTypes, err := normalizeGrantTypes(reg.GrantTypes)
	if err != nil {
		return nil, "", err
	}
	scopes := util.ParseScope(util.JoinScope(reg.Scopes))
	if err := s.validateSupportedScopes(scopes); err != nil {
		return nil, "", err
	}

	public := reg.Public || reg.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone
	switch reg.TokenEndpointAuthMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return nil, "", NewError(ErrorCodeInvalidClientMetadata, "unsupported token_endpoint_auth_method")
	}
	if public && reg.TokenEndpointAuthMethod != "" && reg.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		return nil, "", NewError(ErrorCodeInvalidClientMetadata, "public clients must use token_endpoint_auth_method none")
	}
	if public && reg.ClientSecret != "" {
		return nil, "", NewError(ErrorCodeInvalidClientMetadata, "public clients cannot have a client_secret")
	}
	if public && slices.Contains(grantTypes, storage.GrantTypeClientCredentials) {
		return nil, "", NewError(ErrorCodeInvalidClientMetadata, "public clients cannot use client_credentials")
	}

	var secret, secretHash string
	if !public {
		secret = reg.ClientSecret
		if secret == "" {
			secret = generateRandomToken()
		} else if len(secret) < s.Config.MinClientSecretLength {
			return nil, "", NewError(ErrorCodeInvalidClientMetadata,
				fmt.Sprintf("client_secret must be at least %d characters", s.Config.MinClientSecretLength))
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", errServer(fmt.Errorf("failed to hash client secret: %w", err))
		}
		secretHash = string(hash)
	}

	now := s.now()
	return &storage.Client{
		ClientID:         uuid.NewString(),
		ClientSecretHash: secretHash,
		ClientName:       reg.ClientName,
		RedirectURIs:     slices.Clone(reg.RedirectURIs),
		GrantTypes:       grantTypes,
		Scopes:           scopes,
		Public:           public,
		OwnerUserID:      reg.OwnerUserID,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, secret, nil
}

// GetClient returns an active client, or NotFound.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, WrapError(ErrorCodeNotFound, "client not found", err)
	}
	if err != nil {
		return nil, errServer(err)
	}
	if !client.Active {
		return nil, NewError(ErrorCodeNotFound, "client not found")
	}
	return client, nil
}

// ownedClient loads a client for its owner. Unknown ids and other users'
// clients are indistinguishable.
func (s *Server) ownedClient(ctx context.Context, clientID, ownerUserID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, WrapError(ErrorCodeNotFound, "client not found", err)
	}
	if err != nil {
		return nil, errServer(err)
	}
	if ownerUserID == "" || client.OwnerUserID != ownerUserID {
		return nil, NewError(ErrorCodeNotFound, "client not found")
	}
	return client, nil
}

// UpdateClient replaces the metadata of a client owned by ownerUserID.
func (s *Server) UpdateClient(ctx context.Context, clientID, ownerUserID string, update ClientUpdate) (*storage.Client, error) {
	client, err := s.ownedClient(ctx, clientID, ownerUserID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, NewError(ErrorCodeNotFound, "client not found")
	}

	if update.ClientName != "" {
		client.ClientName = update.ClientName
	}
	if update.RedirectURIs != nil {
		if err := validateRedirectURIs(update.RedirectURIs); err != nil {
			return nil, err
		}
		client.RedirectURIs = slices.Clone(update.RedirectURIs)
	}
	if update.GrantTypes != nil {
		grantTypes, err := normalizeGrantTypes(update.GrantTypes)
		if err != nil {
			return nil, err
		}
		if client.Public && slices.Contains(grantTypes, storage.GrantTypeClientCredentials) {
			return nil, NewError(ErrorCodeInvalidClientMetadata, "public clients cannot use client_credentials")
		}
		client.GrantTypes = grantTypes
	}
	if update.Scopes != nil {
		if err := s.validateSupportedScopes(update.Scopes); err != nil {
			return nil, err
		}
		client.Scopes = util.ParseScope(util.JoinScope(update.Scopes))
	}
	client.UpdatedAt = s.now()

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, errServer(fmt.Errorf("failed to save client: %w", err))
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientUpdated,
		UserID:    ownerUserID,
		ClientID:  clientID,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	s.Logger.Info("Updated OAuth client", "client_id", clientID)
	return client, nil
}

// DeactivateClient soft-deletes a client owned by ownerUserID. Tokens already
// issued stay valid until they expire or are revoked; the client itself can
// still revoke them (see AuthenticateRevokingClient).
func (s *Server) DeactivateClient(ctx context.Context, clientID, ownerUserID string) error {
	client, err := s.ownedClient(ctx, clientID, ownerUserID)
	if err != nil {
		return err
	}
	if !client.Active {
		return nil
	}

	client.Active = false
	client.UpdatedAt = s.now()
	if err := s.store.SaveClient(ctx, client); err != nil {
		return errServer(fmt.Errorf("failed to save client: %w", err))
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientDeactivated,
		UserID:    ownerUserID,
		ClientID:  clientID,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	s.Logger.Info("Deactivated OAuth client", "client_id", clientID)
	return nil
}

// AuthenticateClient verifies client credentials. Every path performs exactly
// one bcrypt comparison so response timing does not reveal whether a client
// id exists. Public clients authenticate by id alone and must not present a
// secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	return s.authenticateClient(ctx, clientID, secret, false)
}

// AuthenticateRevokingClient is AuthenticateClient for the revocation
// endpoint, where a deactivated client is still accepted so it can revoke
// the tokens it was issued.
func (s *Server) AuthenticateRevokingClient(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	return s.authenticateClient(ctx, clientID, secret, true)
}

func (s *Server) authenticateClient(ctx context.Context, clientID, secret string, allowInactive bool) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return nil, errServer(err)
	}

	hash := dummyBcryptHash
	if client != nil && !client.Public && client.ClientSecretHash != "" {
		hash = client.ClientSecretHash
	}
	match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil

	var reason string
	switch {
	case client == nil:
		reason = "unknown_client"
	case !client.Active && !allowInactive:
		reason = "inactive_client"
	case client.Public && secret != "":
		reason = "public_client_presented_secret"
	case !client.Public && (hash == dummyBcryptHash || !match):
		reason = "invalid_client_secret"
	}
	if reason != "" {
		s.Logger.Debug("Client authentication failed", "client_id", clientID, "reason", reason)
		s.Auditor.LogAuthFailure("", clientID, security.ClientIPFromContext(ctx), reason)
		return nil, NewError(ErrorCodeInvalidClient, "client authentication failed")
	}
	return client, nil
}

// CanIntrospect reports whether an authenticated client may call the
// introspection endpoint.
func (s *Server) CanIntrospect(client *storage.Client) bool {
	if client == nil || client.Public {
		return false
	}
	if len(s.Config.IntrospectionClients) == 0 {
		return true
	}
	return slices.Contains(s.Config.IntrospectionClients, client.ClientID)
}
