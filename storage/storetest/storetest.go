// Package storetest is a conformance suite for storage.Store implementations.
//
//	func TestConformance(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) storage.Store { return newStore(t) })
//	}
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/storage"
)

// Factory returns an empty store. Cleanup belongs in t.Cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStore(t)) })
	t.Run("ConcurrentCodeConsume", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
	t.Run("DeviceResolve", func(t *testing.T) { testDeviceResolve(t, newStore(t)) })
	t.Run("DeviceUserCodeConflict", func(t *testing.T) { testUserCodeConflict(t, newStore(t)) })
	t.Run("DevicePoll", func(t *testing.T) { testDevicePoll(t, newStore(t)) })
	t.Run("DeviceExpiry", func(t *testing.T) { testDeviceExpiry(t, newStore(t)) })
	t.Run("ConcurrentDeviceClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("RefreshRotation", func(t *testing.T) { testRotation(t, newStore(t)) })
	t.Run("ConcurrentRotation", func(t *testing.T) { testConcurrentRotation(t, newStore(t)) })
	t.Run("RevokeFamilyAndUserClient", func(t *testing.T) { testBulkRevoke(t, newStore(t)) })
}

// Timestamps are truncated so backends with microsecond precision compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func id(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetClient(ctx, id("missing"))
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	client := &storage.Client{
		ClientID:         id("client"),
		ClientSecretHash: "$2a$10$hash",
		ClientName:       "CLI",
		RedirectURIs:     []string{"http://127.0.0.1:8085/callback"},
		GrantTypes:       []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		Scopes:           []string{"tasks.read", "tasks.write"},
		OwnerUserID:      "user-1",
		Active:           true,
		CreatedAt:        now(),
		UpdatedAt:        now(),
	}
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientName, got.ClientName)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.Scopes, got.Scopes)
	assert.True(t, got.Active)
	assert.True(t, got.CreatedAt.Equal(client.CreatedAt))

	// Returned records are copies.
	got.Scopes[0] = "mutated"
	again, err := s.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "tasks.read", again.Scopes[0])

	// Replace.
	client.Active = false
	require.NoError(t, s.SaveClient(ctx, client))
	got, err = s.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func newCode(clientID string, ttl time.Duration) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                id("code"),
		ClientID:            clientID,
		UserID:              "user-1",
		RedirectURI:         "http://127.0.0.1/cb",
		Scopes:              []string{"tasks.read"},
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		CreatedAt:           now(),
		ExpiresAt:           now().Add(ttl),
	}
}

func testAuthorizationCodes(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.ConsumeAuthorizationCode(ctx, id("missing"), now())
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	code := newCode("client-a", 10*time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code, now())
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)

	again, err := s.ConsumeAuthorizationCode(ctx, code.Code, now())
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	require.NotNil(t, again, "used code is returned for reuse detection")
	assert.Equal(t, "user-1", again.UserID)

	expired := newCode("client-a", time.Second)
	require.NoError(t, s.SaveAuthorizationCode(ctx, expired))
	got, err = s.ConsumeAuthorizationCode(ctx, expired.Code, now().Add(time.Minute))
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeExpired)
	assert.Nil(t, got)
}

func testConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := newCode("client-a", time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	var wins atomic.Int32
	runConcurrently(16, func() {
		if _, err := s.ConsumeAuthorizationCode(ctx, code.Code, now()); err == nil {
			wins.Add(1)
		}
	})
	assert.Equal(t, int32(1), wins.Load())
}

// newUserCode returns a random, syntactically valid user code.
func newUserCode() string {
	const alphabet = "BCDFGHJKLMNPQRSTVWXZ"
	u := uuid.New()
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[int(u[i])%len(alphabet)]
	}
	return string(b[:4]) + "-" + string(b[4:])
}

func newDevice(ttl time.Duration) *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		DeviceCode: id("device"),
		UserCode:   newUserCode(),
		ClientID:   "cli",
		Scopes:     []string{"tasks.read"},
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		CreatedAt:  now(),
		ExpiresAt:  now().Add(ttl),
	}
}

func testDeviceResolve(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetDeviceAuthorizationByUserCode(ctx, "BBBB-BBBB")
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)

	auth := newDevice(15 * time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, auth))

	got, err := s.GetDeviceAuthorizationByUserCode(ctx, auth.UserCode)
	require.NoError(t, err)
	assert.Equal(t, auth.DeviceCode, got.DeviceCode)
	assert.Equal(t, storage.DeviceStatusPending, got.Status)

	got, err = s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusAuthorized, "user-1", now())
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusAuthorized, got.Status)
	assert.Equal(t, "user-1", got.UserID)

	// Same decision again is a no-op.
	_, err = s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusAuthorized, "user-1", now())
	require.NoError(t, err)

	// A different outcome or a different user is rejected.
	_, err = s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusDenied, "user-1", now())
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationResolved)
	_, err = s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusAuthorized, "user-2", now())
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationResolved)

	denied := newDevice(15 * time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, denied))
	got, err = s.ResolveDeviceAuthorization(ctx, denied.UserCode, storage.DeviceStatusDenied, "user-1", now())
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusDenied, got.Status)

	_, err = s.ClaimDeviceAuthorization(ctx, denied.DeviceCode, now())
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotAuthorized)

	// Consumed is terminal.
	_, err = s.ClaimDeviceAuthorization(ctx, auth.DeviceCode, now())
	require.NoError(t, err)
	_, err = s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusAuthorized, "user-1", now())
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationResolved)
}

func testUserCodeConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()

	first := newDevice(15 * time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, first))

	second := newDevice(15 * time.Minute)
	second.UserCode = first.UserCode
	require.ErrorIs(t, s.SaveDeviceAuthorization(ctx, second), storage.ErrUserCodeConflict)

	got, err := s.GetDeviceAuthorizationByUserCode(ctx, first.UserCode)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceCode, got.DeviceCode, "conflicting save must not replace the holder")
}

func testDevicePoll(t *testing.T, s storage.Store) {
	ctx := context.Background()
	auth := newDevice(15 * time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, auth))

	_, _, err := s.RecordDevicePoll(ctx, id("missing"), now(), 5*time.Second)
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)

	start := now()
	got, slowDown, err := s.RecordDevicePoll(ctx, auth.DeviceCode, start, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, slowDown, "first poll is never too fast")
	assert.Equal(t, storage.DeviceStatusPending, got.Status)

	got, slowDown, err = s.RecordDevicePoll(ctx, auth.DeviceCode, start.Add(time.Second), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, slowDown)
	assert.Equal(t, 10, got.Interval)

	// The new interval applies from the last poll.
	got, slowDown, err = s.RecordDevicePoll(ctx, auth.DeviceCode, start.Add(12*time.Second), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, slowDown)
	assert.Equal(t, 10, got.Interval)
}

func testDeviceExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	auth := newDevice(time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, auth))

	later := now().Add(2 * time.Minute)

	_, err := s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusAuthorized, "user-1", later)
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationExpired)

	got, slowDown, err := s.RecordDevicePoll(ctx, auth.DeviceCode, later, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, slowDown)
	assert.Equal(t, storage.DeviceStatusExpired, got.Status)

	authorized := newDevice(time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, authorized))
	_, err = s.ResolveDeviceAuthorization(ctx, authorized.UserCode, storage.DeviceStatusAuthorized, "user-1", now())
	require.NoError(t, err)
	_, err = s.ClaimDeviceAuthorization(ctx, authorized.DeviceCode, later)
	require.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotAuthorized)
}

func testConcurrentClaim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	auth := newDevice(15 * time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, auth))
	_, err := s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusAuthorized, "user-1", now())
	require.NoError(t, err)

	var wins atomic.Int32
	runConcurrently(16, func() {
		claimed, err := s.ClaimDeviceAuthorization(ctx, auth.DeviceCode, now())
		if err == nil {
			wins.Add(1)
			assert.Equal(t, "user-1", claimed.UserID)
			return
		}
		assert.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotAuthorized)
	})
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetDeviceAuthorizationByUserCode(ctx, auth.UserCode)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusConsumed, got.Status)
}

func newToken(typ storage.TokenType, familyID string, ttl time.Duration) *storage.Token {
	return &storage.Token{
		Value:     id(string(typ)),
		Type:      typ,
		UserID:    "user-1",
		ClientID:  "cli",
		Scopes:    []string{"tasks.read", "tasks.write"},
		FamilyID:  familyID,
		CreatedAt: now(),
		ExpiresAt: now().Add(ttl),
	}
}

func testTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetToken(ctx, id("missing"))
	require.ErrorIs(t, err, storage.ErrTokenNotFound)

	family := uuid.NewString()
	access := newToken(storage.TokenTypeAccess, family, time.Hour)
	refresh := newToken(storage.TokenTypeRefresh, family, 24*time.Hour)
	require.NoError(t, s.SaveTokens(ctx, access, refresh))

	got, err := s.GetToken(ctx, access.Value)
	require.NoError(t, err)
	assert.Equal(t, storage.TokenTypeAccess, got.Type)
	assert.Equal(t, access.Scopes, got.Scopes)
	assert.Equal(t, family, got.FamilyID)
	assert.True(t, got.Active(now()))

	revoked, err := s.RevokeToken(ctx, access.Value)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	// Idempotent.
	_, err = s.RevokeToken(ctx, access.Value)
	require.NoError(t, err)

	got, err = s.GetToken(ctx, access.Value)
	require.NoError(t, err, "revoked tokens stay readable")
	assert.True(t, got.Revoked)

	// The refresh token is untouched by revoking the access token.
	got, err = s.GetToken(ctx, refresh.Value)
	require.NoError(t, err)
	assert.False(t, got.Revoked)

	_, err = s.RevokeToken(ctx, id("missing"))
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	family := uuid.NewString()
	refresh := newToken(storage.TokenTypeRefresh, family, time.Hour)
	require.NoError(t, s.SaveTokens(ctx, refresh))

	next, access := rotationPair(family)
	old, err := s.RotateRefreshToken(ctx, refresh.Value, next, access, now())
	require.NoError(t, err)
	assert.Equal(t, refresh.Value, old.Value)

	got, err := s.GetToken(ctx, refresh.Value)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	got, err = s.GetToken(ctx, next.Value)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
	got, err = s.GetToken(ctx, access.Value)
	require.NoError(t, err, "the access token is stored with the rotation")
	assert.Equal(t, storage.TokenTypeAccess, got.Type)
	assert.Equal(t, family, got.FamilyID)

	// Presenting the rotated token again is reuse.
	reNext, reAccess := rotationPair(family)
	reused, err := s.RotateRefreshToken(ctx, refresh.Value, reNext, reAccess, now())
	require.ErrorIs(t, err, storage.ErrTokenRevoked)
	require.NotNil(t, reused)
	assert.Equal(t, family, reused.FamilyID)
	_, err = s.GetToken(ctx, reAccess.Value)
	require.ErrorIs(t, err, storage.ErrTokenNotFound, "a refused rotation stores nothing")

	// Family revocation reaches the access token issued by the rotation.
	_, err = s.RevokeTokenFamily(ctx, family)
	require.NoError(t, err)
	got, err = s.GetToken(ctx, access.Value)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	expired := newToken(storage.TokenTypeRefresh, uuid.NewString(), time.Second)
	require.NoError(t, s.SaveTokens(ctx, expired))
	expNext, expAccess := rotationPair(family)
	_, err = s.RotateRefreshToken(ctx, expired.Value, expNext, expAccess, now().Add(time.Minute))
	require.ErrorIs(t, err, storage.ErrTokenExpired)
	_, err = s.GetToken(ctx, expNext.Value)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)

	plain := newToken(storage.TokenTypeAccess, family, time.Hour)
	require.NoError(t, s.SaveTokens(ctx, plain))
	_, err = s.RotateRefreshToken(ctx, plain.Value, next, access, now())
	require.ErrorIs(t, err, storage.ErrTokenNotFound, "access tokens cannot be rotated")

	// Mismatched successors are rejected before anything is written.
	live := newToken(storage.TokenTypeRefresh, uuid.NewString(), time.Hour)
	require.NoError(t, s.SaveTokens(ctx, live))
	badNext, badAccess := rotationPair(live.FamilyID)
	badAccess.FamilyID = uuid.NewString()
	_, err = s.RotateRefreshToken(ctx, live.Value, badNext, badAccess, now())
	require.Error(t, err)
	got, err = s.GetToken(ctx, live.Value)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
	_, err = s.RotateRefreshToken(ctx, live.Value, badNext, nil, now())
	require.Error(t, err)
}

// rotationPair returns the refresh and access tokens a rotation issues.
func rotationPair(family string) (next, access *storage.Token) {
	return newToken(storage.TokenTypeRefresh, family, time.Hour), newToken(storage.TokenTypeAccess, family, 10*time.Minute)
}

func testConcurrentRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	family := uuid.NewString()
	refresh := newToken(storage.TokenTypeRefresh, family, time.Hour)
	require.NoError(t, s.SaveTokens(ctx, refresh))

	var wins atomic.Int32
	runConcurrently(16, func() {
		next, access := rotationPair(family)
		_, err := s.RotateRefreshToken(ctx, refresh.Value, next, access, now())
		if err == nil {
			wins.Add(1)
			return
		}
		assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	})
	assert.Equal(t, int32(1), wins.Load())
}

func testBulkRevoke(t *testing.T, s storage.Store) {
	ctx := context.Background()

	familyA, familyB := uuid.NewString(), uuid.NewString()
	a1 := newToken(storage.TokenTypeAccess, familyA, time.Hour)
	a2 := newToken(storage.TokenTypeRefresh, familyA, time.Hour)
	b1 := newToken(storage.TokenTypeAccess, familyB, time.Hour)
	other := newToken(storage.TokenTypeAccess, uuid.NewString(), time.Hour)
	other.ClientID = "other-client"
	require.NoError(t, s.SaveTokens(ctx, a1, a2, b1, other))

	n, err := s.RevokeTokenFamily(ctx, familyA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertRevoked(t, s, true, a1, a2)
	assertRevoked(t, s, false, b1, other)

	n, err = s.RevokeTokensForUserClient(ctx, "user-1", "cli")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only b1 was still live for user-1/cli")
	assertRevoked(t, s, true, b1)
	assertRevoked(t, s, false, other)

	n, err = s.RevokeTokenFamily(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func assertRevoked(t *testing.T, s storage.Store, want bool, tokens ...*storage.Token) {
	t.Helper()
	for _, tok := range tokens {
		got, err := s.GetToken(context.Background(), tok.Value)
		require.NoError(t, err)
		assert.Equal(t, want, got.Revoked, "token %s revoked", tok.Value)
	}
}

func runConcurrently(n int, fn func()) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}
	close(start)
	wg.Wait()
}
