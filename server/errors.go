package server

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the closed set of protocol errors the server can produce.
type ErrorCode int

// Protocol error codes.
const (
	ErrorCodeServerError ErrorCode = iota
	ErrorCodeInvalidRequest
	ErrorCodeInvalidClient
	ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope
	ErrorCodeAuthorizationPending
	ErrorCodeSlowDown
	ErrorCodeExpiredToken
	ErrorCodeAccessDenied
	ErrorCodeInvalidClientMetadata
	ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidToken
	ErrorCodeInsufficientScope
	ErrorCodeNotFound
	ErrorCodeRateLimited
)

// String returns the wire value used in the "error" member of responses.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeInvalidRequest:
		return "invalid_request"
	case ErrorCodeInvalidClient:
		return "invalid_client"
	case ErrorCodeInvalidGrant:
		return "invalid_grant"
	case ErrorCodeUnauthorizedClient:
		return "unauthorized_client"
	case ErrorCodeUnsupportedGrantType:
		return "unsupported_grant_type"
	case ErrorCodeUnsupportedResponseType:
		return "unsupported_response_type"
	case ErrorCodeInvalidScope:
		return "invalid_scope"
	case ErrorCodeAuthorizationPending:
		return "authorization_pending"
	case ErrorCodeSlowDown:
		return "slow_down"
	case ErrorCodeExpiredToken:
		return "expired_token"
	case ErrorCodeAccessDenied:
		return "access_denied"
	case ErrorCodeInvalidClientMetadata:
		return "invalid_client_metadata"
	case ErrorCodeInvalidRedirectURI:
		return "invalid_redirect_uri"
	case ErrorCodeInvalidToken:
		return "invalid_token"
	case ErrorCodeInsufficientScope:
		return "insufficient_scope"
	case ErrorCodeNotFound:
		return "not_found"
	case ErrorCodeRateLimited:
		return "rate_limit_exceeded"
	default:
		return "server_error"
	}
}

// HTTPStatus maps the code to the status the HTTP layer responds with.
// Device flow states (authorization_pending, slow_down, expired_token,
// access_denied) are 400 at the token endpoint per RFC 8628 section 3.5.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorCodeInvalidRequest,
		ErrorCodeInvalidGrant,
		ErrorCodeUnauthorizedClient,
		ErrorCodeUnsupportedGrantType,
		ErrorCodeUnsupportedResponseType,
		ErrorCodeInvalidScope,
		ErrorCodeAuthorizationPending,
		ErrorCodeSlowDown,
		ErrorCodeExpiredToken,
		ErrorCodeAccessDenied,
		ErrorCodeInvalidClientMetadata,
		ErrorCodeInvalidRedirectURI:
		return http.StatusBadRequest
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a protocol error. Description is safe to send to the client; the
// wrapped cause is for logs only.
type Error struct {
	Code        ErrorCode
	Description string
	cause       error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a protocol error.
func NewError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

// WrapError creates a protocol error that keeps cause for errors.Is and logging.
func WrapError(code ErrorCode, description string, cause error) *Error {
	return &Error{Code: code, Description: description, cause: cause}
}

// AsError converts any error into a protocol error. Errors that are not
// already *Error become server_error with a generic description.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return WrapError(ErrorCodeServerError, "internal server error", err)
}

// IsErrorCode reports whether err is a protocol error with the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var oauthErr *Error
	return errors.As(err, &oauthErr) && oauthErr.Code == code
}

// errInvalidGrant is the single description every integrity failure surfaces
// with; the specific reason goes to the debug log and the auditor.
func errInvalidGrant(cause error) *Error {
	return WrapError(ErrorCodeInvalidGrant, "the provided grant is invalid, expired, or revoked", cause)
}

func errServer(cause error) *Error {
	return WrapError(ErrorCodeServerError, "internal server error", cause)
}
