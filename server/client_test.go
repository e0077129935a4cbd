package server

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/storage/mock"
)

func TestServer_RegisterClient(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, ClientRegistration{
		ClientName:   "Task Sync",
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"tasks:read", "tasks:read", "tasks:write"},
		OwnerUserID:  testUserID,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if client.Public {
		t.Error("client should be confidential by default")
	}
	if len(secret) < 32 {
		t.Errorf("generated secret too short: %d", len(secret))
	}
	if client.ClientSecretHash == secret {
		t.Error("secret must not be stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		t.Errorf("stored hash does not match returned secret: %v", err)
	}
	if !slices.Equal(client.GrantTypes, []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}) {
		t.Errorf("GrantTypes = %v, want default", client.GrantTypes)
	}
	if !slices.Equal(client.Scopes, []string{"tasks:read", "tasks:write"}) {
		t.Errorf("Scopes = %v, want de-duplicated", client.Scopes)
	}
	if !client.Active || client.OwnerUserID != testUserID {
		t.Errorf("unexpected client state: %+v", client)
	}

	stored, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.ClientName != "Task Sync" {
		t.Errorf("stored ClientName = %q", stored.ClientName)
	}
}

func TestServer_RegisterClient_Public(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	client, secret := registerTestClient(t, srv, ClientRegistration{
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		RedirectURIs:            []string{"http://127.0.0.1:8765/callback"},
		GrantTypes:              []string{"authorization_code", "device_code"},
	})
	if !client.Public {
		t.Error("token_endpoint_auth_method=none should register a public client")
	}
	if secret != "" || client.ClientSecretHash != "" {
		t.Error("public client must not get a secret")
	}
	if !client.HasGrantType(storage.GrantTypeDeviceCode) {
		t.Errorf("device_code alias not mapped: %v", client.GrantTypes)
	}
}

func TestServer_RegisterClient_ClientChosenSecret(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()

	_, _, err := srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{testRedirectURI},
		ClientSecret: "too-short",
	})
	assertErrorCode(t, err, ErrorCodeInvalidClientMetadata)

	client, secret, err := srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{testRedirectURI},
		ClientSecret: "a-long-enough-secret-value",
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "a-long-enough-secret-value" {
		t.Errorf("secret = %q, want the chosen one", secret)
	}
	if _, err := srv.AuthenticateClient(ctx, client.ClientID, secret); err != nil {
		t.Errorf("AuthenticateClient() error = %v", err)
	}
}

func TestServer_RegisterClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		reg  ClientRegistration
		want ErrorCode
	}{
		{
			name: "no redirect uris",
			reg:  ClientRegistration{RedirectURIs: []string{}},
			want: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "http non-loopback",
			reg:  ClientRegistration{RedirectURIs: []string{"http://evil.example.com/cb"}},
			want: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "fragment",
			reg:  ClientRegistration{RedirectURIs: []string{"https://app.example.com/cb#frag"}},
			want: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "relative",
			reg:  ClientRegistration{RedirectURIs: []string{"/callback"}},
			want: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "javascript scheme",
			reg:  ClientRegistration{RedirectURIs: []string{"javascript:alert(1)"}},
			want: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "unknown grant type",
			reg:  ClientRegistration{RedirectURIs: []string{testRedirectURI}, GrantTypes: []string{"password"}},
			want: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "unsupported scope",
			reg:  ClientRegistration{RedirectURIs: []string{testRedirectURI}, Scopes: []string{"admin"}},
			want: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "public client with secret",
			reg: ClientRegistration{
				RedirectURIs: []string{testRedirectURI},
				Public:       true,
				ClientSecret: "a-long-enough-secret-value",
			},
			want: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "public client credentials",
			reg: ClientRegistration{
				RedirectURIs: []string{testRedirectURI},
				Public:       true,
				GrantTypes:   []string{storage.GrantTypeClientCredentials},
			},
			want: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "unknown auth method",
			reg:  ClientRegistration{RedirectURIs: []string{testRedirectURI}, TokenEndpointAuthMethod: "private_key_jwt"},
			want: ErrorCodeInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := setupTestServer(t)
			sink := attachAuditor(srv)

			_, _, err := srv.RegisterClient(context.Background(), tt.reg)
			assertErrorCode(t, err, tt.want)
			if !sink.has(security.EventClientRegistrationRejected) {
				t.Errorf("expected rejection audit event, got %v", sink.types())
			}
		})
	}
}

func TestServer_RegisterClient_AcceptedRedirectURIs(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	uris := []string{
		"https://app.example.com/callback",
		"http://localhost:3000/callback",
		"http://127.0.0.1/cb",
		"http://[::1]:8080/cb",
		"com.example.tasks:/oauth2redirect",
	}
	for _, uri := range uris {
		if _, _, err := srv.RegisterClient(context.Background(), ClientRegistration{RedirectURIs: []string{uri}}); err != nil {
			t.Errorf("RegisterClient(%q) error = %v", uri, err)
		}
	}
}

func TestServer_RegisterClient_StoreFailure(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	failing := mock.New(store)
	failing.SaveClientFunc = func(context.Context, *storage.Client) error {
		return errors.New("disk full")
	}
	srv, _ := setupTestServerWithStore(t, failing)

	_, _, err := srv.RegisterClient(context.Background(), ClientRegistration{RedirectURIs: []string{testRedirectURI}})
	assertErrorCode(t, err, ErrorCodeServerError)
}

func TestServer_AuthenticateClient(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()

	confidential, secret := registerTestClient(t, srv, ClientRegistration{})
	public, _ := registerTestClient(t, srv, ClientRegistration{Public: true})

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"valid secret", confidential.ClientID, secret, false},
		{"wrong secret", confidential.ClientID, "wrong-secret-value", true},
		{"missing secret", confidential.ClientID, "", true},
		{"unknown client", "does-not-exist", secret, true},
		{"public without secret", public.ClientID, "", false},
		{"public with secret", public.ClientID, "anything", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.AuthenticateClient(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				assertErrorCode(t, err, ErrorCodeInvalidClient)
				return
			}
			if err != nil {
				t.Fatalf("AuthenticateClient() error = %v", err)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q", client.ClientID)
			}
		})
	}
}

func TestServer_AuthenticateClient_Inactive(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()

	client, secret := registerTestClient(t, srv, ClientRegistration{OwnerUserID: testUserID})
	if err := srv.DeactivateClient(ctx, client.ClientID, testUserID); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}
	_, err := srv.AuthenticateClient(ctx, client.ClientID, secret)
	assertErrorCode(t, err, ErrorCodeInvalidClient)

	// Revocation still accepts the client, with its secret.
	got, err := srv.AuthenticateRevokingClient(ctx, client.ClientID, secret)
	if err != nil {
		t.Fatalf("AuthenticateRevokingClient() error = %v", err)
	}
	if got.Active {
		t.Error("expected the deactivated client record")
	}
	_, err = srv.AuthenticateRevokingClient(ctx, client.ClientID, "not-the-secret-at-all")
	assertErrorCode(t, err, ErrorCodeInvalidClient)
}

func TestServer_UpdateClient(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv, ClientRegistration{OwnerUserID: testUserID})
	clock.Advance(time.Second)

	updated, err := srv.UpdateClient(ctx, client.ClientID, testUserID, ClientUpdate{
		ClientName:   "Renamed",
		RedirectURIs: []string{"https://new.example.com/cb"},
		Scopes:       []string{"projects:read"},
	})
	if err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}
	if updated.ClientName != "Renamed" || updated.RedirectURIs[0] != "https://new.example.com/cb" {
		t.Errorf("unexpected update result: %+v", updated)
	}
	if !slices.Equal(updated.Scopes, []string{"projects:read"}) {
		t.Errorf("Scopes = %v", updated.Scopes)
	}
	if !slices.Equal(updated.GrantTypes, client.GrantTypes) {
		t.Errorf("GrantTypes changed without being requested: %v", updated.GrantTypes)
	}
	if !updated.UpdatedAt.After(client.UpdatedAt) {
		t.Error("UpdatedAt should advance")
	}

	_, err = srv.UpdateClient(ctx, client.ClientID, testUserID, ClientUpdate{RedirectURIs: []string{"http://evil.example.com"}})
	assertErrorCode(t, err, ErrorCodeInvalidRedirectURI)
}

func TestServer_UpdateClient_OwnerMismatchIsNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()
	owned, _ := registerTestClient(t, srv, ClientRegistration{OwnerUserID: testUserID})
	platform, _ := registerTestClient(t, srv, ClientRegistration{})

	_, err := srv.UpdateClient(ctx, owned.ClientID, "someone-else", ClientUpdate{ClientName: "x"})
	assertErrorCode(t, err, ErrorCodeNotFound)

	_, err = srv.UpdateClient(ctx, "no-such-client", testUserID, ClientUpdate{ClientName: "x"})
	assertErrorCode(t, err, ErrorCodeNotFound)

	err = srv.DeactivateClient(ctx, platform.ClientID, testUserID)
	assertErrorCode(t, err, ErrorCodeNotFound)
}

func TestServer_DeactivateClient_Idempotent(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv, ClientRegistration{OwnerUserID: testUserID})

	for i := range 2 {
		if err := srv.DeactivateClient(ctx, client.ClientID, testUserID); err != nil {
			t.Fatalf("DeactivateClient() #%d error = %v", i+1, err)
		}
	}
	stored, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.Active {
		t.Error("client should be inactive")
	}
	if _, err := srv.GetClient(ctx, client.ClientID); !IsErrorCode(err, ErrorCodeNotFound) {
		t.Errorf("GetClient on inactive client: err = %v", err)
	}
	_, err = srv.UpdateClient(ctx, client.ClientID, testUserID, ClientUpdate{ClientName: "x"})
	assertErrorCode(t, err, ErrorCodeNotFound)
}

func TestServer_CanIntrospect(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	confidential, _ := registerTestClient(t, srv, ClientRegistration{})
	other, _ := registerTestClient(t, srv, ClientRegistration{})
	public, _ := registerTestClient(t, srv, ClientRegistration{Public: true})

	if !srv.CanIntrospect(confidential) {
		t.Error("confidential client should be allowed when no list is configured")
	}
	if srv.CanIntrospect(public) {
		t.Error("public client must not introspect")
	}
	if srv.CanIntrospect(nil) {
		t.Error("nil client must not introspect")
	}

	srv.Config.IntrospectionClients = []string{confidential.ClientID}
	if !srv.CanIntrospect(confidential) {
		t.Error("listed client should be allowed")
	}
	if srv.CanIntrospect(other) {
		t.Error("unlisted client must not introspect")
	}
}
