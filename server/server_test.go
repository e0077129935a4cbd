package server

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testUserID      = "user-123"
	testRedirectURI = "https://app.example.com/callback"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestServer(t *testing.T) (*Server, storage.Store, *testClock) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	srv, clock := setupTestServerWithStore(t, store)
	return srv, store, clock
}

func setupTestServerWithStore(t *testing.T, store storage.Store) (*Server, *testClock) {
	t.Helper()

	config := &Config{
		Issuer:          testIssuer,
		SupportedScopes: []string{"tasks:read", "tasks:write", "projects:read"},
	}
	srv, err := New(store, config, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clock := newTestClock()
	srv.SetClock(clock.Now)
	return srv, clock
}

func registerTestClient(t *testing.T, srv *Server, reg ClientRegistration) (*storage.Client, string) {
	t.Helper()
	if reg.ClientName == "" {
		reg.ClientName = "Test Client"
	}
	if reg.RedirectURIs == nil {
		reg.RedirectURIs = []string{testRedirectURI}
	}
	if reg.Scopes == nil {
		reg.Scopes = []string{"tasks:read", "tasks:write"}
	}
	client, secret, err := srv.RegisterClient(context.Background(), reg)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client, secret
}

func pkcePair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

func assertErrorCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if !IsErrorCode(err, want) {
		t.Fatalf("error = %v, want code %s", err, want)
	}
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	if _, err := New(nil, &Config{Issuer: testIssuer}, nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(store, &Config{}, nil); err == nil {
		t.Error("expected error for missing issuer")
	}

	srv, err := New(store, &Config{Issuer: testIssuer + "/"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Logger == nil {
		t.Error("logger should default")
	}
	if srv.Config.Issuer != testIssuer {
		t.Errorf("Issuer = %q, want trailing slash trimmed", srv.Config.Issuer)
	}
}

func TestConfigDefaults(t *testing.T) {
	config := applySecureDefaults(&Config{Issuer: testIssuer}, slog.Default())

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"AuthorizationCodeTTL", config.AuthorizationCodeTTL, 600},
		{"AccessTokenTTL", config.AccessTokenTTL, 3600},
		{"RefreshTokenTTL", config.RefreshTokenTTL, 7776000},
		{"DeviceCodeTTL", config.DeviceCodeTTL, 900},
		{"DevicePollInterval", config.DevicePollInterval, 5},
		{"DeviceSlowDownStep", config.DeviceSlowDownStep, 5},
		{"MinClientSecretLength", int64(config.MinClientSecretLength), 16},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if !config.RequirePKCE {
		t.Error("RequirePKCE should default to true")
	}
	if config.VerificationURI != testIssuer+"/device" {
		t.Errorf("VerificationURI = %q", config.VerificationURI)
	}
}

func TestConfigDeviceCodeTTLClamped(t *testing.T) {
	tests := []struct {
		in, want int64
	}{
		{60, 900},
		{1200, 1200},
		{7200, 1800},
	}
	for _, tt := range tests {
		config := applySecureDefaults(&Config{Issuer: testIssuer, DeviceCodeTTL: tt.in}, slog.Default())
		if config.DeviceCodeTTL != tt.want {
			t.Errorf("DeviceCodeTTL(%d) = %d, want %d", tt.in, config.DeviceCodeTTL, tt.want)
		}
	}
}

func TestConfigDisablePKCE(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Issuer: "http://localhost:8080"}
	config.DisablePKCE()
	applySecureDefaults(config, slog.New(slog.NewTextHandler(&buf, nil)))

	if config.RequirePKCE {
		t.Error("RequirePKCE should stay disabled")
	}
	out := buf.String()
	if !strings.Contains(out, "PKCE is not required") {
		t.Errorf("expected PKCE warning, got %q", out)
	}
	if !strings.Contains(out, "Issuer is not HTTPS") {
		t.Errorf("expected HTTPS warning, got %q", out)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []security.Event
}

func (s *recordingSink) Publish(_ context.Context, event security.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) has(eventType string) bool {
	for _, typ := range s.types() {
		if typ == eventType {
			return true
		}
	}
	return false
}

func attachAuditor(srv *Server) *recordingSink {
	sink := &recordingSink{}
	auditor := security.NewAuditor(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), true)
	auditor.AddSink(sink)
	srv.SetAuditor(auditor)
	return sink
}
