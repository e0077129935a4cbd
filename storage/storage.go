package storage

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Grant types a client may be registered for.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeClientCredentials = "client_credentials"
)

// Client is a registered OAuth client.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt; empty for public clients
	ClientName       string
	RedirectURIs     []string
	GrantTypes       []string
	Scopes           []string // the maximum scope set the client may request
	Public           bool
	OwnerUserID      string // empty for platform clients
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasGrantType reports whether the client is registered for grantType.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// AuthorizationCode is a single-use code issued at consent approval.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	Resource            string // RFC 8707 audience, optional
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or empty
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Clone returns a deep copy.
func (a *AuthorizationCode) Clone() *AuthorizationCode {
	if a == nil {
		return nil
	}
	out := *a
	out.Scopes = slices.Clone(a.Scopes)
	return &out
}

// DeviceStatus is the state of a device authorization.
type DeviceStatus string

// Device authorization states. Transitions are monotonic:
// pending -> authorized | denied, authorized -> consumed, any -> expired.
const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusAuthorized DeviceStatus = "authorized"
	DeviceStatusDenied     DeviceStatus = "denied"
	DeviceStatusExpired    DeviceStatus = "expired"
	DeviceStatusConsumed   DeviceStatus = "consumed"
)

// DeviceAuthorization is an RFC 8628 device authorization request.
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string // canonical XXXX-XXXX form
	ClientID   string
	Scopes     []string
	Resource   string
	Status     DeviceStatus
	UserID     string // set when authorized
	Interval   int    // minimum seconds between polls
	LastPollAt time.Time
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Clone returns a deep copy.
func (d *DeviceAuthorization) Clone() *DeviceAuthorization {
	if d == nil {
		return nil
	}
	out := *d
	out.Scopes = slices.Clone(d.Scopes)
	return &out
}

// Expired reports whether the authorization is past its expiry at now.
func (d *DeviceAuthorization) Expired(now time.Time) bool {
	return d.Status == DeviceStatusExpired || now.After(d.ExpiresAt)
}

// TokenType distinguishes access and refresh tokens.
type TokenType string

// Token types.
const (
	TokenTypeAccess  TokenType = "access_token"
	TokenTypeRefresh TokenType = "refresh_token"
)

// Token is an issued access or refresh token. Every token descending from one
// grant shares a FamilyID, which is the unit of cascading revocation.
type Token struct {
	Value     string
	Type      TokenType
	UserID    string
	ClientID  string
	Scopes    []string
	Resource  string
	FamilyID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

// Active reports whether the token can still be used at now.
func (t *Token) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// ClientStore persists client registrations.
type ClientStore interface {
	// SaveClient inserts or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound for unknown ids. Inactive clients are returned.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// AuthorizationCodeStore persists authorization codes.
type AuthorizationCodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks an unused, unexpired code as used
	// and returns it. Unknown and expired codes return a nil code with
	// ErrAuthorizationCodeNotFound or ErrAuthorizationCodeExpired. An already used
	// code returns the code together with ErrAuthorizationCodeUsed so the caller
	// can revoke what was issued from it.
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)
}

// DeviceStore persists device authorizations.
type DeviceStore interface {
	// SaveDeviceAuthorization returns ErrUserCodeConflict when the user code
	// is already held by another live authorization.
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorizationByUserCode looks up by canonical user code.
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// ResolveDeviceAuthorization atomically moves a pending authorization to
	// authorized (recording userID) or denied. Repeating the same outcome for the
	// same user is a no-op that returns the record. A past-expiry authorization
	// returns ErrDeviceAuthorizationExpired; any other resolved state returns
	// ErrDeviceAuthorizationResolved.
	ResolveDeviceAuthorization(ctx context.Context, userCode string, status DeviceStatus, userID string, now time.Time) (*DeviceAuthorization, error)

	// RecordDevicePoll atomically records a poll at now. A pending or authorized
	// record past its expiry is moved to expired. When the previous poll was less
	// than Interval seconds ago the interval is increased by step and slowDown is
	// true. The updated record is returned either way.
	RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time, step time.Duration) (auth *DeviceAuthorization, slowDown bool, err error)

	// ClaimDeviceAuthorization atomically moves an authorized, unexpired record to
	// consumed and returns it. Every other prior state returns
	// ErrDeviceAuthorizationNotAuthorized, so exactly one concurrent caller wins.
	ClaimDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time) (*DeviceAuthorization, error)
}

// TokenStore persists access and refresh tokens.
type TokenStore interface {
	// SaveTokens stores all tokens, atomically where the backend supports it.
	SaveTokens(ctx context.Context, tokens ...*Token) error

	// GetToken returns the record including revoked and expired ones;
	// ErrTokenNotFound for unknown values.
	GetToken(ctx context.Context, value string) (*Token, error)

	// RotateRefreshToken atomically revokes the refresh token old and stores
	// its successor next together with the access token issued alongside it;
	// either all three writes happen or none does. If old is already revoked it
	// is returned with ErrTokenRevoked (reuse); if it is expired,
	// ErrTokenExpired.
	RotateRefreshToken(ctx context.Context, old string, next, access *Token, now time.Time) (*Token, error)

	// RevokeToken marks a token revoked. Revoking twice is not an error.
	RevokeToken(ctx context.Context, value string) (*Token, error)

	// RevokeTokenFamily revokes every token sharing familyID.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeTokensForUserClient revokes every token issued to userID via clientID.
	RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// ValidateRotation checks the tokens passed to RotateRefreshToken. Both must
// belong to the same family, user and client so one set of indexes covers them.
func ValidateRotation(next, access *Token) error {
	switch {
	case next == nil || next.Value == "" || next.Type != TokenTypeRefresh:
		return fmt.Errorf("next must be a refresh token with a value")
	case access == nil || access.Value == "" || access.Type != TokenTypeAccess:
		return fmt.Errorf("access must be an access token with a value")
	case next.FamilyID != access.FamilyID || next.UserID != access.UserID || next.ClientID != access.ClientID:
		return fmt.Errorf("rotated tokens must share family, user and client")
	}
	return nil
}

// Store is the complete Credential Store.
type Store interface {
	ClientStore
	AuthorizationCodeStore
	DeviceStore
	TokenStore
}

// Cleaner is implemented by backends that need a periodic purge of long-expired
// records. Expiry is always enforced at read time; purging is hygiene only.
type Cleaner interface {
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
