package verifier_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/mcp-authz"
	"github.com/giantswarm/mcp-authz/server"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/verifier"
)

// TestVerifier_AgainstAuthorizationServer runs the verifier against the real
// introspection endpoint.
func TestVerifier_AgainstAuthorizationServer(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	t.Cleanup(store.Stop)

	ts := httptest.NewUnstartedServer(nil)
	issuer := "http://" + ts.Listener.Addr().String()
	srv, err := server.New(store, &server.Config{
		Issuer:             issuer,
		ResourceIdentifier: "https://api.example.com",
	}, logger)
	require.NoError(t, err)
	h, err := oauth.NewHandler(srv, oauth.Config{
		Session: oauth.TrustedHeaderSession{},
		Consent: oauth.AutoApproveConsent{},
		Logger:  logger,
	})
	require.NoError(t, err)
	ts.Config.Handler = h.Routes()
	ts.Start()
	t.Cleanup(ts.Close)

	rs, rsSecret, err := srv.RegisterClient(ctx, server.ClientRegistration{
		ClientName:   "resource server",
		RedirectURIs: []string{"https://api.example.com/unused"},
	})
	require.NoError(t, err)
	app, _, err := srv.RegisterClient(ctx, server.ClientRegistration{
		ClientName:   "cli",
		RedirectURIs: []string{"http://127.0.0.1/callback"},
		Scopes:       []string{"tasks:read"},
	})
	require.NoError(t, err)

	v, err := verifier.New(verifier.Config{
		IntrospectionURL: issuer + "/introspect",
		ClientID:         rs.ClientID,
		ClientSecret:     rsSecret,
		Resource:         "https://api.example.com",
		Logger:           logger,
	})
	require.NoError(t, err)

	tokens, err := srv.MintTokens(ctx, app, "user-42", []string{"tasks:read"}, "https://api.example.com", "")
	require.NoError(t, err)

	p, err := v.Verify(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-42", p.Subject)
	assert.Equal(t, app.ClientID, p.ClientID)
	assert.True(t, p.HasScope("tasks:read"))

	_, err = v.Verify(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, verifier.ErrInvalidToken, "refresh tokens do not authorize resource access")

	require.NoError(t, srv.RevokeToken(ctx, app, tokens.AccessToken, "access_token"))
	_, err = v.Verify(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, verifier.ErrInvalidToken, "revocation is seen on the next call")
}
