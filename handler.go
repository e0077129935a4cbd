package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/server"
	"github.com/giantswarm/mcp-authz/storage"
)

// Endpoint names used for metrics, spans and rate-limit audit events.
const (
	endpointRegister         = "register"
	endpointClientManagement = "client_management"
	endpointAuthorize        = "authorize"
	endpointToken            = "token"
	endpointIntrospect       = "introspect"
	endpointRevoke           = "revoke"
	endpointDeviceCode       = "device_code"
	endpointDeviceVerify     = "device_verify"
	endpointDeviceDecision   = "device_decision"
	endpointMetadata         = "metadata"
	endpointConsent          = "consent"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *server.Server
	config Config
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config Config) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("server is required")
	}
	if config.Session == nil {
		return nil, errors.New("session authenticator is required")
	}
	if config.Consent == nil {
		return nil, errors.New("consent prompter is required")
	}
	config.applyDefaults()

	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
	}
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}
	return h, nil
}

// Routes returns the authorization server's HTTP interface. Every response
// carries the security headers and an X-Request-ID.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	h.handle(mux, "POST /register", endpointRegister, true, h.ServeClientRegistration)
	h.handle(mux, "PUT /register/{client_id}", endpointClientManagement, true, h.ServeClientUpdate)
	h.handle(mux, "DELETE /register/{client_id}", endpointClientManagement, true, h.ServeClientDeactivation)
	h.handle(mux, "DELETE /consent/{client_id}", endpointConsent, true, h.ServeConsentWithdrawal)
	h.handle(mux, "GET /authorize", endpointAuthorize, false, h.ServeAuthorization)
	h.handle(mux, "POST /token", endpointToken, true, h.ServeToken)
	h.handle(mux, "POST /introspect", endpointIntrospect, false, h.ServeTokenIntrospection)
	h.handle(mux, "POST /revoke", endpointRevoke, false, h.ServeTokenRevocation)
	h.handle(mux, "POST /device/code", endpointDeviceCode, true, h.ServeDeviceAuthorization)
	h.handle(mux, "GET /device", endpointDeviceVerify, true, h.ServeDeviceVerification)
	h.handle(mux, "POST /device/authorize", endpointDeviceDecision, true, h.ServeDeviceDecision)
	h.handle(mux, "GET /.well-known/oauth-authorization-server", endpointMetadata, false, h.ServeAuthorizationServerMetadata)
	h.handle(mux, "GET /.well-known/oauth-protected-resource", endpointMetadata, false, h.ServeProtectedResourceMetadata)

	var handler http.Handler = mux
	handler = h.clientIPMiddleware(handler)
	handler = security.SecurityHeadersMiddleware(h.server.Config.Issuer, handler)
	return security.RequestIDMiddleware(handler)
}

// handle registers fn with tracing, HTTP metrics, a body size limit and,
// when limited is set, per-IP rate limiting.
func (h *Handler) handle(mux *http.ServeMux, pattern, endpoint string, limited bool, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		var span trace.Span
		if h.tracer != nil {
			var ctx context.Context
			ctx, span = h.tracer.Start(r.Context(), "oauth.http."+endpoint)
			defer span.End()
			r = r.WithContext(ctx)
		}
		defer func() {
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
			instrumentation.AddClientIP(h.server.Instrumentation, span, security.ClientIPFromContext(r.Context()))
			h.recordHTTPMetrics(r, endpoint, rec.status, startTime)
		}()

		ctx, cancel := context.WithTimeout(r.Context(), h.config.StorageTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		if r.Body != nil {
			r.Body = http.MaxBytesReader(rec, r.Body, h.config.MaxRequestBodyBytes)
		}
		if limited && !h.checkIPRateLimit(rec, r, endpoint) {
			return
		}
		fn(rec, r)
	})
}

func (h *Handler) clientIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := h.config.ClientIP.ClientIP(r)
		next.ServeHTTP(w, r.WithContext(security.WithClientIP(r.Context(), ip)))
	})
}

func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.config.RateLimiter == nil {
		return true
	}
	clientIP := security.ClientIPFromContext(r.Context())
	if h.config.RateLimiter.Allow(r.Context(), clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), "ip")
	}
	w.Header().Set("Retry-After", "1")
	h.writeError(w, r, server.NewError(server.ErrorCodeRateLimited, "too many requests, retry later"))
	return false
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.Instrumentation == nil {
		return nil
	}
	return h.server.Instrumentation.Metrics()
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	if m := h.metrics(); m != nil {
		duration := float64(time.Since(startTime).Microseconds()) / 1000
		m.RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
	}
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func requestID(r *http.Request) string {
	return security.GetRequestID(r.Context())
}

// ==================== Client registration (RFC 7591 / RFC 7592) ====================

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if !h.validateRegistrationToken(r.Header.Get("Authorization")) {
		h.logger.Warn("Client registration rejected: missing or invalid registration token",
			"ip", security.ClientIPFromContext(r.Context()))
		h.writeError(w, r, server.NewError(server.ErrorCodeInvalidToken, "registration requires a valid access token"))
		return
	}

	var req ClientRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, server.NewError(server.ErrorCodeInvalidClientMetadata, "malformed registration request"))
		return
	}

	reg := server.ClientRegistration{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		Scopes:                  mergeScopes(req.Scope, req.Scopes),
		OwnerUserID:             h.optionalUser(r),
		ClientSecret:            req.ClientSecret,
		Public:                  req.ClientType == server.ClientTypePublic,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}
	client, secret, err := h.server.RegisterClient(r.Context(), reg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := registrationResponse(client, req.TokenEndpointAuthMethod)
	if secret != "" {
		var never int64
		resp.ClientSecret = secret
		resp.ClientSecretExpiresAt = &never
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ServeClientUpdate replaces the metadata of a client owned by the signed-in user.
func (h *Handler) ServeClientUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.config.Session.Authenticate(w, r)
	if !ok {
		return
	}

	var req ClientRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, server.NewError(server.ErrorCodeInvalidClientMetadata, "malformed client metadata"))
		return
	}
	update := server.ClientUpdate{
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
	}
	if req.Scope != "" || req.Scopes != nil {
		update.Scopes = mergeScopes(req.Scope, req.Scopes)
	}

	client, err := h.server.UpdateClient(r.Context(), r.PathValue("client_id"), userID, update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(client, req.TokenEndpointAuthMethod))
}

// ServeClientDeactivation soft-deletes a client owned by the signed-in user.
func (h *Handler) ServeClientDeactivation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.config.Session.Authenticate(w, r)
	if !ok {
		return
	}
	if err := h.server.DeactivateClient(r.Context(), r.PathValue("client_id"), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeConsentWithdrawal revokes every token the signed-in user granted to a
// client. It works for deactivated clients too and answers 204 whether or
// not anything was revoked.
func (h *Handler) ServeConsentWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.config.Session.Authenticate(w, r)
	if !ok {
		return
	}
	if _, err := h.server.RevokeAllTokensForUserClient(r.Context(), userID, r.PathValue("client_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateRegistrationToken checks the Bearer token guarding registration.
// Registration is open when no token is configured.
func (h *Handler) validateRegistrationToken(authHeader string) bool {
	expected := h.config.RegistrationAccessToken
	if expected == "" {
		return true
	}
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(expected)) == 1
}

// optionalUser asks the session for a user without letting it respond.
func (h *Handler) optionalUser(r *http.Request) string {
	userID, ok := h.config.Session.Authenticate(discardResponseWriter{header: http.Header{}}, r)
	if !ok {
		return ""
	}
	return userID
}

func registrationResponse(client *storage.Client, authMethod string) ClientRegistrationResponse {
	clientType := server.ClientTypeConfidential
	switch {
	case client.Public:
		clientType = server.ClientTypePublic
		authMethod = server.TokenEndpointAuthMethodNone
	case authMethod == "" || authMethod == server.TokenEndpointAuthMethodNone:
		authMethod = server.TokenEndpointAuthMethodBasic
	}
	return ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		Scope:                   util.JoinScope(client.Scopes),
		TokenEndpointAuthMethod: authMethod,
		ClientType:              clientType,
	}
}

func mergeScopes(scope string, scopes []string) []string {
	return util.ParseScope(scope + " " + util.JoinScope(scopes))
}

// ==================== Authorization endpoint ====================

// ServeAuthorization handles OAuth authorization requests. Errors about the
// client or redirect_uri are shown to the user; everything else is sent back
// to the validated redirect_uri.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}

	client, err := h.server.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		if client == nil {
			h.writeError(w, r, err)
			return
		}
		http.Redirect(w, r, h.server.ErrorRedirectURL(req.RedirectURI, req.State, server.AsError(err)), http.StatusFound)
		return
	}

	userID, ok := h.config.Session.Authenticate(w, r)
	if !ok {
		return
	}

	scopes := util.ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	decision := h.config.Consent.Consent(w, r, ConsentRequest{
		UserID:   userID,
		Client:   client,
		Scopes:   scopes,
		Resource: req.Resource,
	})

	switch decision {
	case ConsentApproved:
		redirect, err := h.server.Authorize(ctx, req, userID)
		if err != nil {
			h.logger.Error("Failed to issue authorization code",
				"client_id", client.ClientID, "request_id", requestID(r), "error", err)
			redirect = h.server.ErrorRedirectURL(req.RedirectURI, req.State, server.AsError(err))
		}
		http.Redirect(w, r, redirect, http.StatusFound)
	case ConsentDenied:
		http.Redirect(w, r, h.server.DenyAuthorization(ctx, req, userID), http.StatusFound)
	case ConsentPending:
		// the prompter has responded
	}
}

// ==================== Token endpoint ====================

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, invalidRequest("failed to parse request"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	switch grantType {
	case "":
		h.writeError(w, r, invalidRequest("grant_type is required"))
		return
	case storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken, storage.GrantTypeDeviceCode:
	default:
		h.writeError(w, r, server.NewError(server.ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType)))
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, grantType),
	)

	var resp *server.TokenResponse
	switch grantType {
	case storage.GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeAuthorizationCode(ctx, server.ExchangeRequest{
			Client:       client,
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
		})
	case storage.GrantTypeRefreshToken:
		resp, err = h.server.RefreshAccessToken(ctx, client, r.PostForm.Get("refresh_token"), r.PostForm.Get("scope"))
	case storage.GrantTypeDeviceCode:
		resp, err = h.server.PollDeviceToken(ctx, client, r.PostForm.Get("device_code"))
	}
	instrumentation.EndSpan(span, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticateClient authenticates the client from HTTP Basic credentials or
// the client_id/client_secret form parameters. Using both is rejected.
func (h *Handler) authenticateClient(r *http.Request) (*storage.Client, error) {
	clientID, secret, err := clientCredentials(r)
	if err != nil {
		return nil, err
	}
	return h.server.AuthenticateClient(r.Context(), clientID, secret)
}

func clientCredentials(r *http.Request) (clientID, secret string, err error) {
	clientID = r.PostForm.Get("client_id")
	secret = r.PostForm.Get("client_secret")

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		if secret != "" {
			return "", "", invalidRequest("multiple client authentication methods")
		}
		// RFC 6749 section 2.3.1: both parts are form-urlencoded
		id, err := url.QueryUnescape(basicID)
		if err != nil {
			return "", "", server.NewError(server.ErrorCodeInvalidClient, "client authentication failed")
		}
		pass, err := url.QueryUnescape(basicSecret)
		if err != nil {
			return "", "", server.NewError(server.ErrorCodeInvalidClient, "client authentication failed")
		}
		if clientID != "" && clientID != id {
			return "", "", invalidRequest("client_id does not match the authenticated client")
		}
		clientID, secret = id, pass
	}

	if clientID == "" {
		return "", "", server.NewError(server.ErrorCodeInvalidClient, "client authentication required")
	}
	return clientID, secret, nil
}

// ==================== Introspection and revocation ====================

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Only authenticated confidential clients may introspect.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, invalidRequest("failed to parse request"))
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.server.CanIntrospect(client) {
		clientIP := security.ClientIPFromContext(r.Context())
		h.logger.Warn("Token introspection rejected", "client_id", client.ClientID, "ip", clientIP)
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventIntrospectionDenied,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
		})
		h.writeError(w, r, server.NewError(server.ErrorCodeInvalidClient, "client is not allowed to introspect tokens"))
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, r, invalidRequest("token parameter is required"))
		return
	}

	writeJSON(w, http.StatusOK, h.server.Introspect(r.Context(), token, r.PostForm.Get("token_type_hint")))
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, invalidRequest("failed to parse request"))
		return
	}

	clientID, secret, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	client, err := h.server.AuthenticateRevokingClient(r.Context(), clientID, secret)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.server.RevokeToken(r.Context(), client, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ==================== Device authorization (RFC 8628) ====================

// ServeDeviceAuthorization handles the device authorization endpoint
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, invalidRequest("failed to parse request"))
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.server.RequestDeviceCode(r.Context(), client, r.PostForm.Get("scope"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeDeviceVerification looks up a user code for the consent UI.
func (h *Handler) ServeDeviceVerification(w http.ResponseWriter, r *http.Request) {
	userCode := r.URL.Query().Get("user_code")
	if userCode == "" {
		h.writeError(w, r, invalidRequest("user_code is required"))
		return
	}
	if _, ok := h.config.Session.Authenticate(w, r); !ok {
		return
	}

	auth, err := h.server.LookupUserCode(r.Context(), userCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := DeviceVerificationResponse{
		UserCode:  auth.UserCode,
		ClientID:  auth.ClientID,
		Scope:     util.JoinScope(auth.Scopes),
		ExpiresAt: auth.ExpiresAt.Unix(),
	}
	if client, err := h.server.GetClient(r.Context(), auth.ClientID); err == nil {
		resp.ClientName = client.ClientName
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeDeviceDecision records the signed-in user's allow or deny decision.
func (h *Handler) ServeDeviceDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, invalidRequest("failed to parse request"))
		return
	}
	userID, ok := h.config.Session.Authenticate(w, r)
	if !ok {
		return
	}

	auth, err := h.server.ResolveDeviceAuthorization(r.Context(),
		r.PostForm.Get("user_code"), userID, r.PostForm.Get("action"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeviceDecisionResponse{
		Status:   string(auth.Status),
		ClientID: auth.ClientID,
	})
}

// ==================== Discovery ====================

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	issuer := h.server.Config.Issuer
	clientAuthMethods := []string{
		server.TokenEndpointAuthMethodBasic,
		server.TokenEndpointAuthMethodPost,
	}

	writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                      issuer,
		AuthorizationEndpoint:       issuer + "/authorize",
		TokenEndpoint:               issuer + "/token",
		RegistrationEndpoint:        issuer + "/register",
		DeviceAuthorizationEndpoint: issuer + "/device/code",
		RevocationEndpoint:          issuer + "/revoke",
		IntrospectionEndpoint:       issuer + "/introspect",
		ScopesSupported:             h.server.Config.SupportedScopes,
		ResponseTypesSupported:      []string{"code"},
		GrantTypesSupported: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeDeviceCode,
		},
		TokenEndpointAuthMethodsSupported: append(clientAuthMethods, server.TokenEndpointAuthMethodNone),
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		AuthorizationResponseIssParameter: true,
		IntrospectionEndpointAuthMethods:  clientAuthMethods,
		RevocationEndpointAuthMethods:     append(clientAuthMethods, server.TokenEndpointAuthMethodNone),
		ServiceDocumentation:              h.config.ServiceDocumentation,
	})
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata
// for the resource server that trusts this issuer.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	meta := h.config.ProtectedResource
	if meta.Resource == "" {
		meta.Resource = h.server.Config.ResourceIdentifier
	}
	if len(meta.AuthorizationServers) == 0 {
		meta.AuthorizationServers = []string{h.server.Config.Issuer}
	}
	if len(meta.BearerMethodsSupported) == 0 {
		meta.BearerMethodsSupported = []string{"header"}
	}
	if len(meta.ScopesSupported) == 0 {
		meta.ScopesSupported = h.server.Config.SupportedScopes
	}
	writeJSON(w, http.StatusOK, meta)
}

// ==================== Helpers ====================

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// discardResponseWriter swallows whatever a SessionAuthenticator writes when
// the session is only consulted, not required.
type discardResponseWriter struct {
	header http.Header
}

func (d discardResponseWriter) Header() http.Header       { return d.header }
func (discardResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (discardResponseWriter) WriteHeader(int)             {}
