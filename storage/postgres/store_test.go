package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/storetest"
)

// testStore connects to POSTGRES_TEST_DSN and skips when it is unset. Tests
// share the database; every record uses random identifiers.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	s, err := New(context.Background(), Config{DSN: dsn})
	if err != nil {
		t.Skipf("could not connect to PostgreSQL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return testStore(t) })
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
}

func TestNullTime(t *testing.T) {
	assert.False(t, nullTime(time.Time{}).Valid)
	assert.True(t, nullTime(time.Now()).Valid)
}

func TestStore_DeleteExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	past := time.Now().Add(-48 * time.Hour)

	tok := &storage.Token{
		Value:     "purge-" + time.Now().Format(time.RFC3339Nano),
		Type:      storage.TokenTypeAccess,
		UserID:    "u",
		ClientID:  "c",
		FamilyID:  "f",
		CreatedAt: past,
		ExpiresAt: past.Add(time.Hour),
	}
	require.NoError(t, s.SaveTokens(ctx, tok))

	n, err := s.DeleteExpired(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = s.GetToken(ctx, tok.Value)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestStore_ExpiredUserCodeIsReleased(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()
	userCode := randomUserCode()

	old := &storage.DeviceAuthorization{
		DeviceCode: "old-" + now.Format(time.RFC3339Nano),
		UserCode:   userCode,
		ClientID:   "c",
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		CreatedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(-30 * time.Minute),
	}
	require.NoError(t, s.SaveDeviceAuthorization(ctx, old))

	fresh := *old
	fresh.DeviceCode = "new-" + now.Format(time.RFC3339Nano)
	fresh.CreatedAt = now
	fresh.ExpiresAt = now.Add(15 * time.Minute)
	require.NoError(t, s.SaveDeviceAuthorization(ctx, &fresh))

	got, err := s.GetDeviceAuthorizationByUserCode(ctx, userCode)
	require.NoError(t, err)
	assert.Equal(t, fresh.DeviceCode, got.DeviceCode)
}

func randomUserCode() string {
	const alphabet = "BCDFGHJKLMNPQRSTVWXZ"
	u := uuid.New()
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[int(u[i])%len(alphabet)]
	}
	return string(b[:4]) + "-" + string(b[4:])
}
