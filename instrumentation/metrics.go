package instrumentation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol
	ClientRegistered   metric.Int64Counter
	CodeIssued         metric.Int64Counter
	CodeExchanged      metric.Int64Counter
	TokensIssued       metric.Int64Counter
	TokenRefreshed     metric.Int64Counter
	TokenRevoked       metric.Int64Counter
	DeviceCodeIssued   metric.Int64Counter
	DevicePolls        metric.Int64Counter
	DeviceResolutions  metric.Int64Counter
	IntrospectionTotal metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Resource server
	TokenVerifications  metric.Int64Counter
	VerificationLatency metric.Float64Histogram

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClientsCount      metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageDevicesCount      metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
}

// instrumentBuilder collects the first creation error so newMetrics reads as a list.
type instrumentBuilder struct {
	meter metric.Meter
	errs  []error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("failed to create %s counter: %w", name, err))
	}
	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("failed to create %s histogram: %w", name, err))
	}
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("failed to create %s gauge: %w", name, err))
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpB := &instrumentBuilder{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = httpB.counter("oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = httpB.histogram("oauth.http.request.duration", "HTTP request duration in milliseconds")

	srv := &instrumentBuilder{meter: inst.Meter("server")}
	m.ClientRegistered = srv.counter("oauth.client.registered", "Number of clients registered", "{client}")
	m.CodeIssued = srv.counter("oauth.code.issued", "Number of authorization codes issued", "{code}")
	m.CodeExchanged = srv.counter("oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}")
	m.TokensIssued = srv.counter("oauth.token.issued", "Number of token responses issued", "{response}")
	m.TokenRefreshed = srv.counter("oauth.token.refreshed", "Number of refresh token rotations", "{refresh}")
	m.TokenRevoked = srv.counter("oauth.token.revoked", "Number of tokens revoked", "{token}")
	m.DeviceCodeIssued = srv.counter("oauth.device.code.issued", "Number of device authorizations started", "{device_code}")
	m.DevicePolls = srv.counter("oauth.device.polls", "Device token polls by outcome", "{poll}")
	m.DeviceResolutions = srv.counter("oauth.device.resolutions", "Device authorizations resolved by the user", "{resolution}")
	m.IntrospectionTotal = srv.counter("oauth.introspection.total", "Introspection requests by result", "{request}")

	sec := &instrumentBuilder{meter: inst.Meter("security")}
	m.RateLimitExceeded = sec.counter("oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}")
	m.PKCEValidationFailed = sec.counter("oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}")
	m.CodeReuseDetected = sec.counter("oauth.code.reuse_detected", "Number of authorization code reuse attempts", "{attempt}")
	m.TokenReuseDetected = sec.counter("oauth.token.reuse_detected", "Number of refresh token reuse attempts", "{attempt}")
	m.AuditEventsTotal = sec.counter("oauth.audit.events.total", "Number of audit events", "{event}")

	ver := &instrumentBuilder{meter: inst.Meter("verifier")}
	m.TokenVerifications = ver.counter("oauth.verifier.verifications", "Bearer token verifications by result", "{verification}")
	m.VerificationLatency = ver.histogram("oauth.verifier.introspection.duration", "Introspection round trip in milliseconds")

	st := &instrumentBuilder{meter: inst.Meter("storage")}
	m.StorageOperationTotal = st.counter("oauth.storage.operations.total", "Total storage operations", "{operation}")
	m.StorageOperationDuration = st.histogram("oauth.storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageClientsCount = st.gauge("oauth.storage.clients.count", "Registered clients held by the store", "{client}")
	m.StorageCodesCount = st.gauge("oauth.storage.codes.count", "Authorization codes held by the store", "{code}")
	m.StorageDevicesCount = st.gauge("oauth.storage.device_authorizations.count", "Device authorizations held by the store", "{device_code}")
	m.StorageTokensCount = st.gauge("oauth.storage.tokens.count", "Access and refresh tokens held by the store", "{token}")

	var errs []error
	for _, b := range []*instrumentBuilder{httpB, srv, sec, ver, st} {
		errs = append(errs, b.errs...)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

// RecordCodeIssued records an authorization code issued after consent
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokensIssued records a successful token response for grantType
func (m *Metrics) RecordTokensIssued(ctx context.Context, grantType string, withRefresh bool) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.Bool("refresh_token", withRefresh),
	))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenRevocation records revoked tokens; cascade marks family revocations
func (m *Metrics) RecordTokenRevocation(ctx context.Context, count int, cascade bool) {
	m.TokenRevoked.Add(ctx, int64(count), metric.WithAttributes(attribute.Bool("cascade", cascade)))
}

// RecordDeviceCodeIssued records a device authorization request
func (m *Metrics) RecordDeviceCodeIssued(ctx context.Context, clientID string) {
	m.DeviceCodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordDevicePoll records a device token poll and its outcome
// (e.g. "authorization_pending", "slow_down", "issued")
func (m *Metrics) RecordDevicePoll(ctx context.Context, outcome string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDeviceResolution records a user's allow/deny decision
func (m *Metrics) RecordDeviceResolution(ctx context.Context, action string) {
	m.DeviceResolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordIntrospection records an introspection result
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.IntrospectionTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("active", active)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordTokenVerification records a resource-server verification ("valid",
// "inactive", "unavailable", ...) and the introspection latency
func (m *Metrics) RecordTokenVerification(ctx context.Context, result string, durationMs float64) {
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.VerificationLatency.Record(ctx, durationMs)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
