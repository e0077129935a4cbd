package server

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

func registerDeviceClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()
	client, _ := registerTestClient(t, srv, ClientRegistration{
		Public:     true,
		GrantTypes: []string{"device_code", "refresh_token"},
	})
	return client
}

func TestGenerateUserCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		code, err := generateUserCode()
		if err != nil {
			t.Fatalf("generateUserCode() error = %v", err)
		}
		if len(code) != 9 || code[4] != '-' {
			t.Fatalf("code %q is not XXXX-XXXX", code)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(UserCodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Errorf("only %d distinct codes out of 200", len(seen))
	}
}

func TestNormalizeUserCode(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "BCDF-GHJK", want: "BCDF-GHJK"},
		{input: "bcdfghjk", want: "BCDF-GHJK"},
		{input: " bcdf ghjk ", want: "BCDF-GHJK"},
		{input: "B-C-D-F-G-H-J-K", want: "BCDF-GHJK"},
		{input: "BCDF-GHJ", wantErr: true},
		{input: "BCDF-GHJKL", wantErr: true},
		{input: "ABCD-EFGH", wantErr: true}, // vowels are not in the alphabet
		{input: "BCD0-GHJK", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeUserCode(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeUserCode(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeUserCode(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeUserCode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestServer_RequestDeviceCode(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)

	resp, err := srv.RequestDeviceCode(ctx, client, "tasks:read")
	if err != nil {
		t.Fatalf("RequestDeviceCode() error = %v", err)
	}
	if resp.ExpiresIn != 900 || resp.Interval != 5 {
		t.Errorf("expires_in=%d interval=%d, want 900/5", resp.ExpiresIn, resp.Interval)
	}
	if resp.VerificationURI != testIssuer+"/device" {
		t.Errorf("verification_uri = %q", resp.VerificationURI)
	}
	complete, err := url.Parse(resp.VerificationURIComplete)
	if err != nil || complete.Query().Get("user_code") != resp.UserCode {
		t.Errorf("verification_uri_complete = %q", resp.VerificationURIComplete)
	}

	auth, err := store.GetDeviceAuthorizationByUserCode(ctx, resp.UserCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorizationByUserCode() error = %v", err)
	}
	if auth.Status != storage.DeviceStatusPending || auth.DeviceCode != resp.DeviceCode {
		t.Errorf("unexpected stored authorization: %+v", auth)
	}
	if want := clock.Now().Add(900 * time.Second); !auth.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", auth.ExpiresAt, want)
	}
}

func TestServer_RequestDeviceCode_Errors(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()
	device := registerDeviceClient(t, srv)
	webOnly, _ := registerTestClient(t, srv, ClientRegistration{})

	_, err := srv.RequestDeviceCode(ctx, webOnly, "")
	assertErrorCode(t, err, ErrorCodeUnauthorizedClient)

	_, err = srv.RequestDeviceCode(ctx, device, "projects:read")
	assertErrorCode(t, err, ErrorCodeInvalidScope)
}

func TestServer_DeviceFlow(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	sink := attachAuditor(srv)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)

	resp, err := srv.RequestDeviceCode(ctx, client, "")
	if err != nil {
		t.Fatalf("RequestDeviceCode() error = %v", err)
	}

	_, err = srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeAuthorizationPending)

	// the consent page finds the request by a sloppily typed code
	typed := strings.ToLower(strings.ReplaceAll(resp.UserCode, "-", " "))
	auth, err := srv.LookupUserCode(ctx, typed)
	if err != nil {
		t.Fatalf("LookupUserCode() error = %v", err)
	}
	if auth.ClientID != client.ClientID || len(auth.Scopes) != 2 {
		t.Errorf("unexpected lookup result: %+v", auth)
	}

	if _, err := srv.ResolveDeviceAuthorization(ctx, typed, testUserID, DeviceActionAllow); err != nil {
		t.Fatalf("ResolveDeviceAuthorization() error = %v", err)
	}
	// repeating the same decision is a no-op
	if _, err := srv.ResolveDeviceAuthorization(ctx, resp.UserCode, testUserID, DeviceActionAllow); err != nil {
		t.Fatalf("repeated allow: %v", err)
	}
	_, err = srv.ResolveDeviceAuthorization(ctx, resp.UserCode, testUserID, DeviceActionDeny)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	// the lookup now fails: the request is no longer pending
	_, err = srv.LookupUserCode(ctx, resp.UserCode)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	clock.Advance(5 * time.Second)
	tokens, err := srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	if err != nil {
		t.Fatalf("PollDeviceToken() error = %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Errorf("unexpected token response: %+v", tokens)
	}
	if tokens.Scope != "tasks:read tasks:write" {
		t.Errorf("scope = %q", tokens.Scope)
	}

	introspection := srv.Introspect(ctx, tokens.AccessToken, "")
	if !introspection.Active || introspection.Subject != testUserID {
		t.Errorf("minted token not bound to approving user: %+v", introspection)
	}

	// a consumed code yields invalid_grant
	clock.Advance(5 * time.Second)
	_, err = srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	for _, want := range []string{security.EventDeviceCodeIssued, security.EventDeviceAuthorized, security.EventDeviceCodeClaimed, security.EventTokenIssued} {
		if !sink.has(want) {
			t.Errorf("missing audit event %s in %v", want, sink.types())
		}
	}
}

func TestServer_PollDeviceToken_SlowDown(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)
	resp, err := srv.RequestDeviceCode(ctx, client, "")
	if err != nil {
		t.Fatalf("RequestDeviceCode() error = %v", err)
	}

	_, err = srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeAuthorizationPending)

	clock.Advance(time.Second)
	_, err = srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeSlowDown)
	if !strings.Contains(err.Error(), "10 seconds") {
		t.Errorf("slow_down should report the new interval: %v", err)
	}

	// 6s later is still too fast for the raised 10s interval
	clock.Advance(6 * time.Second)
	_, err = srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeSlowDown)

	clock.Advance(16 * time.Second)
	_, err = srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeAuthorizationPending)
}

func TestServer_PollDeviceToken_Denied(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)
	resp, _ := srv.RequestDeviceCode(ctx, client, "")

	if _, err := srv.ResolveDeviceAuthorization(ctx, resp.UserCode, testUserID, DeviceActionDeny); err != nil {
		t.Fatalf("deny: %v", err)
	}
	clock.Advance(5 * time.Second)
	_, err := srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeAccessDenied)
}

func TestServer_PollDeviceToken_Expired(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)
	resp, _ := srv.RequestDeviceCode(ctx, client, "")

	clock.Advance(901 * time.Second)
	_, err := srv.PollDeviceToken(ctx, client, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeExpiredToken)

	_, err = srv.ResolveDeviceAuthorization(ctx, resp.UserCode, testUserID, DeviceActionAllow)
	if err == nil {
		t.Fatal("resolving an expired code should fail")
	}
	if !IsErrorCode(err, ErrorCodeExpiredToken) && !IsErrorCode(err, ErrorCodeInvalidGrant) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestServer_ResolveDeviceAuthorization_ExpiredBeforeApproval(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)
	resp, _ := srv.RequestDeviceCode(ctx, client, "")

	clock.Advance(901 * time.Second)
	_, err := srv.ResolveDeviceAuthorization(ctx, resp.UserCode, testUserID, DeviceActionAllow)
	assertErrorCode(t, err, ErrorCodeExpiredToken)
}

func TestServer_PollDeviceToken_OtherClient(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)
	other := registerDeviceClient(t, srv)
	resp, _ := srv.RequestDeviceCode(ctx, client, "")

	_, err := srv.PollDeviceToken(ctx, other, resp.DeviceCode)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = srv.PollDeviceToken(ctx, client, "unknown-device-code")
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_ResolveDeviceAuthorization_Validation(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)
	resp, _ := srv.RequestDeviceCode(ctx, client, "")

	_, err := srv.ResolveDeviceAuthorization(ctx, resp.UserCode, testUserID, "maybe")
	assertErrorCode(t, err, ErrorCodeInvalidRequest)

	_, err = srv.ResolveDeviceAuthorization(ctx, "BBBB-BBBB", testUserID, DeviceActionAllow)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = srv.ResolveDeviceAuthorization(ctx, "not a code", testUserID, DeviceActionAllow)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = srv.ResolveDeviceAuthorization(ctx, resp.UserCode, "", DeviceActionAllow)
	assertErrorCode(t, err, ErrorCodeAccessDenied)
}

func TestServer_PollDeviceToken_ConcurrentClaim(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	client := registerDeviceClient(t, srv)
	resp, _ := srv.RequestDeviceCode(ctx, client, "")
	if _, err := srv.ResolveDeviceAuthorization(ctx, resp.UserCode, testUserID, DeviceActionAllow); err != nil {
		t.Fatalf("allow: %v", err)
	}
	clock.Advance(time.Minute)

	const pollers = 16
	var wg sync.WaitGroup
	var issued atomic.Int32
	start := make(chan struct{})
	for range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := srv.PollDeviceToken(ctx, client, resp.DeviceCode)
			if err == nil {
				issued.Add(1)
				return
			}
			// losers either lose the claim or poll too fast after the first poll
			if !IsErrorCode(err, ErrorCodeInvalidGrant) && !IsErrorCode(err, ErrorCodeSlowDown) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := issued.Load(); got != 1 {
		t.Errorf("token responses = %d, want exactly 1", got)
	}
}
