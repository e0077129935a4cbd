package verifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/security"
)

const (
	testClientID     = "resource-server"
	testClientSecret = "resource-server-secret"
	testResource     = "https://api.example.com"
)

// fakeIntrospection serves canned introspection answers keyed by token.
type fakeIntrospection struct {
	mu        sync.Mutex
	responses map[string]any
	status    int
	delay     time.Duration
	calls     atomic.Int32
}

func (f *fakeIntrospection) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if id, secret, ok := r.BasicAuth(); !ok || id != testClientID || secret != testClientSecret {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	f.mu.Lock()
	resp, ok := f.responses[r.PostFormValue("token")]
	f.mu.Unlock()
	if !ok {
		resp = map[string]any{"active": false}
	}
	w.Header().Set("Content-Type", "application/json")
	if raw, isRaw := resp.(string); isRaw {
		_, _ = io.WriteString(w, raw)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func activeToken(scope string, exp time.Time) map[string]any {
	return map[string]any{
		"active":     true,
		"scope":      scope,
		"client_id":  "cli",
		"sub":        "user-1",
		"exp":        exp.Unix(),
		"token_type": "access_token",
		"aud":        testResource,
	}
}

func newTestVerifier(t *testing.T, fake *fakeIntrospection, configure ...func(*Config)) *Verifier {
	t.Helper()
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	config := Config{
		IntrospectionURL: ts.URL + "/introspect",
		ClientID:         testClientID,
		ClientSecret:     testClientSecret,
		Resource:         testResource,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range configure {
		fn(&config)
	}
	v, err := New(config)
	require.NoError(t, err)
	return v
}

func TestNew(t *testing.T) {
	_, err := New(Config{IntrospectionURL: "http://auth.example.com/introspect", ClientID: "a", ClientSecret: "b"})
	assert.ErrorIs(t, err, ErrInvalidIntrospectionURL)

	_, err = New(Config{IntrospectionURL: "https://auth.example.com/introspect"})
	assert.Error(t, err, "credentials are required")

	v, err := New(Config{IntrospectionURL: "https://auth.example.com/introspect", ClientID: "a", ClientSecret: "b"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, v.config.Timeout)
	assert.Equal(t, security.DefaultClockSkewGracePeriod, v.config.ClockSkew)
}

func TestVerifier_Verify_ClockSkew(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	fake := &fakeIntrospection{responses: map[string]any{
		"tok": activeToken("tasks:read", exp),
	}}

	tests := []struct {
		name      string
		skew      time.Duration
		now       time.Time
		wantValid bool
	}{
		{"default grace covers small drift", 0, exp.Add(3 * time.Second), true},
		{"default grace exceeded", 0, exp.Add(10 * time.Second), false},
		{"configured grace", 30 * time.Second, exp.Add(10 * time.Second), true},
		{"grace disabled", -1, exp.Add(time.Second), false},
		{"grace disabled before exp", -1, exp.Add(-time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(t, fake, func(c *Config) { c.ClockSkew = tt.skew })
			v.now = func() time.Time { return tt.now }

			_, err := v.Verify(context.Background(), "tok")
			if tt.wantValid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidToken)
			}
		})
	}
}

func TestVerifier_Verify(t *testing.T) {
	future := time.Now().Add(time.Hour)
	fake := &fakeIntrospection{responses: map[string]any{
		"good":         activeToken("tasks:read tasks:write", future),
		"expired":      activeToken("tasks:read", time.Now().Add(-time.Minute)),
		"refresh":      mergeMap(activeToken("tasks:read", future), map[string]any{"token_type": "refresh_token"}),
		"other-aud":    mergeMap(activeToken("tasks:read", future), map[string]any{"aud": "https://other.example.com"}),
		"aud-array":    mergeMap(activeToken("tasks:read", future), map[string]any{"aud": []string{"x", testResource}}),
		"aud-slash":    mergeMap(activeToken("tasks:read", future), map[string]any{"aud": testResource + "/"}),
		"no-subject":   mergeMap(activeToken("tasks:read", future), map[string]any{"sub": ""}),
		"malformed":    `{"active": tru`,
		"revoked-like": map[string]any{"active": false},
	}}
	v := newTestVerifier(t, fake)
	ctx := context.Background()

	p, err := v.Verify(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)
	assert.Equal(t, "cli", p.ClientID)
	assert.Equal(t, []string{"tasks:read", "tasks:write"}, p.Scopes)
	assert.Equal(t, testResource, p.Audience)
	assert.Equal(t, future.Unix(), p.ExpiresAt.Unix())
	assert.True(t, p.HasScope("tasks:write"))
	assert.False(t, p.HasScope("projects:read"))

	_, err = v.Verify(ctx, "aud-array")
	assert.NoError(t, err)

	_, err = v.Verify(ctx, "aud-slash")
	assert.NoError(t, err, "trailing slash is ignored")

	_, err = v.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	for _, token := range []string{"unknown", "expired", "refresh", "other-aud", "no-subject", "malformed", "revoked-like"} {
		t.Run(token, func(t *testing.T) {
			_, err := v.Verify(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifier_Verify_NoCaching(t *testing.T) {
	fake := &fakeIntrospection{responses: map[string]any{
		"good": activeToken("tasks:read", time.Now().Add(time.Hour)),
	}}
	v := newTestVerifier(t, fake)

	for range 3 {
		_, err := v.Verify(context.Background(), "good")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), fake.calls.Load())

	// revocation takes effect on the next call
	fake.mu.Lock()
	fake.responses["good"] = map[string]any{"active": false}
	fake.mu.Unlock()
	_, err := v.Verify(context.Background(), "good")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_Verify_FailsClosed(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		v := newTestVerifier(t, &fakeIntrospection{status: http.StatusInternalServerError})
		_, err := v.Verify(context.Background(), "good")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong credentials", func(t *testing.T) {
		fake := &fakeIntrospection{responses: map[string]any{"good": activeToken("tasks:read", time.Now().Add(time.Hour))}}
		v := newTestVerifier(t, fake, func(c *Config) { c.ClientSecret = "wrong" })
		_, err := v.Verify(context.Background(), "good")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("timeout", func(t *testing.T) {
		fake := &fakeIntrospection{delay: time.Second, responses: map[string]any{
			"good": activeToken("tasks:read", time.Now().Add(time.Hour)),
		}}
		v := newTestVerifier(t, fake, func(c *Config) { c.Timeout = 50 * time.Millisecond })

		start := time.Now()
		_, err := v.Verify(context.Background(), "good")
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("unreachable", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		v, err := New(Config{IntrospectionURL: url, ClientID: testClientID, ClientSecret: testClientSecret})
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), "good")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"Bearer abc", "abc", nil},
		{"bearer abc", "abc", nil},
		{"BEARER   abc  ", "abc", nil},
		{"", "", ErrMissingToken},
		{"Basic abc", "", ErrInvalidToken},
		{"Bearer", "", ErrInvalidToken},
		{"Bearer a b", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifier_Middleware(t *testing.T) {
	fake := &fakeIntrospection{responses: map[string]any{
		"good": activeToken("tasks:read", time.Now().Add(time.Hour)),
	}}
	v := newTestVerifier(t, fake, func(c *Config) {
		c.Realm = "tasks"
		c.ResourceMetadataURL = "https://api.example.com/.well-known/oauth-protected-resource"
	})

	var seen *Principal
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(header string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec
	}

	rec := serve("Bearer good")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Subject)

	rec = serve("")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t,
		`Bearer realm="tasks", resource_metadata="https://api.example.com/.well-known/oauth-protected-resource"`,
		rec.Header().Get("WWW-Authenticate"))

	rec = serve("Bearer revoked")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	assert.JSONEq(t, `{"error":"invalid_token","error_description":"the access token is invalid or expired"}`, rec.Body.String())
}

func TestPrincipalFromContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	p := &Principal{Subject: "u"}
	got, ok := PrincipalFromContext(ContextWithPrincipal(context.Background(), p))
	assert.True(t, ok)
	assert.Same(t, p, got)
}

func mergeMap(base, overrides map[string]any) map[string]any {
	for k, v := range overrides {
		base[k] = v
	}
	return base
}
