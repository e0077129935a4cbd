package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values are identifiers only; a token, code, device
// code or secret never goes into an attribute.
const (
	AttrClientID  = "oauth.client_id"
	AttrGrantType = "oauth.grant_type"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrClientIP = "security.client_ip"

	AttrVerificationResult = "verifier.result"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// EndSpan sets the span status from err. Nil spans are ignored.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// StorageSpanOptions tags a storage span with the operation and backend.
func StorageSpanOptions(operation, backend string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, backend),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddClientIP adds the client address to span when inst allows it.
func AddClientIP(inst *Instrumentation, span trace.Span, clientIP string) {
	if inst != nil && clientIP != "" && inst.ShouldLogClientIPs() {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
