package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/storage/mock"
)

func TestServer_Introspect(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv, ClientRegistration{})
	resp, err := srv.MintTokens(ctx, client, testUserID, []string{"tasks:read"}, "https://api.example.com", "")
	if err != nil {
		t.Fatalf("MintTokens() error = %v", err)
	}

	got := srv.Introspect(ctx, resp.AccessToken, "access_token")
	want := IntrospectionResponse{
		Active:    true,
		Scope:     "tasks:read",
		ClientID:  client.ClientID,
		Subject:   testUserID,
		ExpiresAt: clock.Now().Add(time.Hour).Unix(),
		IssuedAt:  clock.Now().Unix(),
		TokenType: "access_token",
		Audience:  "https://api.example.com",
		Issuer:    testIssuer,
	}
	if *got != want {
		t.Errorf("Introspect() = %+v, want %+v", *got, want)
	}

	refresh := srv.Introspect(ctx, resp.RefreshToken, "")
	if !refresh.Active || refresh.TokenType != "refresh_token" {
		t.Errorf("refresh introspection = %+v", refresh)
	}
}

func TestServer_Introspect_Inactive(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv, ClientRegistration{})

	revoked, _ := srv.MintTokens(ctx, client, testUserID, client.Scopes, "", "")
	if err := srv.RevokeToken(ctx, client, revoked.AccessToken, ""); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	expiring, _ := srv.MintTokens(ctx, client, testUserID, client.Scopes, "", "")

	cases := map[string]func() *IntrospectionResponse{
		"empty":   func() *IntrospectionResponse { return srv.Introspect(ctx, "", "") },
		"unknown": func() *IntrospectionResponse { return srv.Introspect(ctx, "no-such-token", "") },
		"revoked": func() *IntrospectionResponse { return srv.Introspect(ctx, revoked.AccessToken, "") },
		"expired": func() *IntrospectionResponse {
			clock.Advance(time.Hour + time.Second)
			return srv.Introspect(ctx, expiring.AccessToken, "")
		},
	}
	for name, introspect := range cases {
		t.Run(name, func(t *testing.T) {
			body, err := json.Marshal(introspect())
			if err != nil {
				t.Fatal(err)
			}
			if string(body) != `{"active":false}` {
				t.Errorf("inactive response = %s", body)
			}
		})
	}
}

func TestServer_Introspect_DeactivatedClient(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()
	owner := "owner-1"
	client, _ := registerTestClient(t, srv, ClientRegistration{OwnerUserID: owner})
	resp, _ := srv.MintTokens(ctx, client, testUserID, client.Scopes, "", "")

	if err := srv.DeactivateClient(ctx, client.ClientID, owner); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}
	if !srv.Introspect(ctx, resp.AccessToken, "").Active {
		t.Error("tokens of a deactivated client stay active until expiry or revocation")
	}
}

func TestServer_Introspect_StoreFailure(t *testing.T) {
	base := memory.New()
	t.Cleanup(base.Stop)
	store := mock.New(base)
	srv, _ := setupTestServerWithStore(t, store)
	ctx := context.Background()
	client, _ := registerTestClient(t, srv, ClientRegistration{})
	resp, _ := srv.MintTokens(ctx, client, testUserID, client.Scopes, "", "")

	store.GetTokenFunc = func(context.Context, string) (*storage.Token, error) {
		return nil, errors.New("connection reset")
	}
	if srv.Introspect(ctx, resp.AccessToken, "").Active {
		t.Error("a store failure must report the token inactive")
	}
}
