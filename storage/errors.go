package storage

import "errors"

// Sentinel errors returned by store implementations. Implementations wrap them
// with context (fmt.Errorf("%w: ...")); callers match with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")

	ErrDeviceAuthorizationNotFound      = errors.New("device authorization not found")
	ErrDeviceAuthorizationExpired       = errors.New("device authorization expired")
	ErrDeviceAuthorizationResolved      = errors.New("device authorization already resolved")
	ErrDeviceAuthorizationNotAuthorized = errors.New("device authorization not in authorized state")
	ErrUserCodeConflict                 = errors.New("user code already in use")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
)
