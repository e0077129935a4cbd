package verifier

import "errors"

var (
	// ErrMissingToken means the request carried no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken covers every reason a token is not accepted, including
	// an unreachable or misbehaving introspection endpoint.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidIntrospectionURL is returned by ValidateIntrospectionURL.
	ErrInvalidIntrospectionURL = errors.New("invalid introspection url")

	// ErrUnknownOperation is returned by Invoke for an unregistered name.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInsufficientScope means the principal lacks the operation's scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)
