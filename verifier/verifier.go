package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
)

const (
	// DefaultTimeout bounds a single introspection call.
	DefaultTimeout = 5 * time.Second

	// maxIntrospectionResponseBytes caps what is read from the endpoint.
	maxIntrospectionResponseBytes = 64 << 10

	tokenTypeAccess = "access_token"

	resultValid       = "valid"
	resultInactive    = "inactive"
	resultRejected    = "rejected"
	resultUnavailable = "unavailable"
)

// Config configures a Verifier.
type Config struct {
	// IntrospectionURL is the authorization server's RFC 7662 endpoint (required).
	IntrospectionURL string

	// AllowedHosts optionally restricts the introspection host further.
	AllowedHosts []string

	// ClientID and ClientSecret authenticate the resource server with HTTP
	// Basic auth (required: only confidential clients may introspect).
	ClientID     string
	ClientSecret string

	// Timeout bounds every introspection call.
	Timeout time.Duration // default: 5s

	// ClockSkew is added to the introspected exp before a token counts as
	// expired. Zero means security.DefaultClockSkewGracePeriod; a negative
	// value disables the grace.
	ClockSkew time.Duration

	// Resource is the audience this resource server expects. Tokens with a
	// different audience are rejected. Empty accepts any audience.
	Resource string

	// Realm and ResourceMetadataURL are advertised in WWW-Authenticate challenges.
	Realm               string
	ResourceMetadataURL string

	// HTTPClient defaults to a client with Timeout and no redirects.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation records verification metrics and spans (optional).
	Instrumentation *instrumentation.Instrumentation
}

// Principal is the caller behind a verified token.
type Principal struct {
	Subject   string
	ClientID  string
	Scopes    []string
	Audience  string
	ExpiresAt time.Time
}

// HasScope reports whether the token was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && util.HasScope(p.Scopes, scope)
}

// Verifier validates bearer tokens through introspection.
type Verifier struct {
	endpoint *url.URL
	config   Config
	client   *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *instrumentation.Metrics

	now func() time.Time
}

// New validates the configuration and returns a Verifier.
func New(config Config) (*Verifier, error) {
	endpoint, err := ValidateIntrospectionURL(config.IntrospectionURL, config.AllowedHosts)
	if err != nil {
		return nil, err
	}
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New("client id and secret are required for introspection")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	switch {
	case config.ClockSkew == 0:
		config.ClockSkew = security.DefaultClockSkewGracePeriod
	case config.ClockSkew < 0:
		config.ClockSkew = 0
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: config.Timeout,
			// A redirect could point the token at a host that was never validated.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	v := &Verifier{
		endpoint: endpoint,
		config:   config,
		client:   client,
		logger:   config.Logger,
		now:      time.Now,
	}
	if inst := config.Instrumentation; inst != nil {
		v.tracer = inst.Tracer("verifier")
		v.metrics = inst.Metrics()
	}
	return v, nil
}

// introspectionResult is the subset of RFC 7662 the verifier reads.
type introspectionResult struct {
	Active    bool            `json:"active"`
	Scope     string          `json:"scope"`
	ClientID  string          `json:"client_id"`
	Subject   string          `json:"sub"`
	ExpiresAt int64           `json:"exp"`
	TokenType string          `json:"token_type"`
	Audience  json.RawMessage `json:"aud"`
}

// audiences accepts both the string and the array form of aud.
func (r *introspectionResult) audiences() []string {
	if len(r.Audience) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(r.Audience, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(r.Audience, &many); err == nil {
		return many
	}
	return nil
}

// Verify introspects token and returns its principal. Every failure wraps
// ErrMissingToken or ErrInvalidToken; the wrapped detail is for logs only.
func (v *Verifier) Verify(ctx context.Context, token string) (_ *Principal, err error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	startTime := time.Now()
	result := resultValid
	if v.tracer != nil {
		var span trace.Span
		ctx, span = v.tracer.Start(ctx, "verifier.verify")
		defer func() {
			span.SetAttributes(attribute.String(instrumentation.AttrVerificationResult, result))
			instrumentation.EndSpan(span, err)
			span.End()
		}()
	}
	defer func() {
		if v.metrics != nil {
			v.metrics.RecordTokenVerification(ctx, result, float64(time.Since(startTime).Microseconds())/1000)
		}
	}()

	ir, err := v.introspect(ctx, token)
	if err != nil {
		result = resultUnavailable
		v.logger.Warn("Token introspection failed", "endpoint", v.endpoint.Host, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !ir.Active {
		result = resultInactive
		v.logger.Debug("Inactive token presented", "token_prefix", util.SafeTruncate(token, 8))
		return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
	}

	principal := &Principal{
		Subject:  ir.Subject,
		ClientID: ir.ClientID,
		Scopes:   util.ParseScope(ir.Scope),
	}
	if ir.ExpiresAt != 0 {
		principal.ExpiresAt = time.Unix(ir.ExpiresAt, 0)
	}
	if auds := ir.audiences(); len(auds) > 0 {
		principal.Audience = auds[0]
	}

	if reason := v.rejectReason(ir, principal); reason != "" {
		result = resultRejected
		v.logger.Warn("Active token rejected", "reason", reason, "client_id", ir.ClientID)
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, reason)
	}
	return principal, nil
}

// audienceMatches compares ignoring trailing slashes.
func (v *Verifier) audienceMatches(auds []string) bool {
	want := util.NormalizeURL(v.config.Resource)
	return slices.ContainsFunc(auds, func(aud string) bool {
		return util.NormalizeURL(aud) == want
	})
}

func (v *Verifier) rejectReason(ir *introspectionResult, p *Principal) string {
	switch {
	case ir.TokenType != "" && ir.TokenType != tokenTypeAccess:
		return "not an access token"
	case p.Subject == "":
		return "token has no subject"
	case security.IsExpired(p.ExpiresAt, v.now(), v.config.ClockSkew):
		return "token expired"
	case v.config.Resource != "" && !v.audienceMatches(ir.audiences()):
		return "audience mismatch"
	}
	return ""
}

func (v *Verifier) introspect(ctx context.Context, token string) (*introspectionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	form := url.Values{
		"token":           {token},
		"token_type_hint": {tokenTypeAccess},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	// RFC 6749 section 2.3.1
	req.SetBasicAuth(url.QueryEscape(v.config.ClientID), url.QueryEscape(v.config.ClientSecret))

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxIntrospectionResponseBytes))
		return nil, fmt.Errorf("introspection returned status %d", resp.StatusCode)
	}

	var ir introspectionResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionResponseBytes)).Decode(&ir); err != nil {
		return nil, fmt.Errorf("malformed introspection response: %w", err)
	}
	return &ir, nil
}
