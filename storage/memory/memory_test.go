package memory

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s := New()
		t.Cleanup(s.Stop)
		return s
	})
}

func TestStore_SaveValidation(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()

	assert.Error(t, s.SaveClient(ctx, nil))
	assert.Error(t, s.SaveClient(ctx, &storage.Client{}))
	assert.Error(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{}))
	assert.Error(t, s.SaveDeviceAuthorization(ctx, &storage.DeviceAuthorization{DeviceCode: "d"}))
	assert.Error(t, s.SaveTokens(ctx, &storage.Token{Value: "a"}, nil))
}

func TestStore_ResolveRejectsNonTerminalStatus(t *testing.T) {
	s := New()
	defer s.Stop()

	_, err := s.ResolveDeviceAuthorization(context.Background(), "BBBB-BBBB", storage.DeviceStatusConsumed, "u", time.Now())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)
}

func TestStore_ExpiredUserCodeCanBeReused(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()
	now := time.Now()

	old := &storage.DeviceAuthorization{
		DeviceCode: "device-old",
		UserCode:   "BCDF-GHJK",
		Status:     storage.DeviceStatusPending,
		CreatedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(-30 * time.Minute),
	}
	require.NoError(t, s.SaveDeviceAuthorization(ctx, old))

	fresh := &storage.DeviceAuthorization{
		DeviceCode: "device-new",
		UserCode:   "BCDF-GHJK",
		Status:     storage.DeviceStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(15 * time.Minute),
	}
	require.NoError(t, s.SaveDeviceAuthorization(ctx, fresh))

	got, err := s.GetDeviceAuthorizationByUserCode(ctx, "BCDF-GHJK")
	require.NoError(t, err)
	assert.Equal(t, "device-new", got.DeviceCode)
}

func TestStore_DeniedSurvivesExpiryOnPoll(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()
	now := time.Now()

	auth := &storage.DeviceAuthorization{
		DeviceCode: "device",
		UserCode:   "BCDF-GHJK",
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}
	require.NoError(t, s.SaveDeviceAuthorization(ctx, auth))
	_, err := s.ResolveDeviceAuthorization(ctx, auth.UserCode, storage.DeviceStatusDenied, "u", now)
	require.NoError(t, err)

	got, _, err := s.RecordDevicePoll(ctx, auth.DeviceCode, now.Add(time.Hour), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusDenied, got.Status)
}

func TestStore_DeleteExpired(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "old", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.SaveDeviceAuthorization(ctx, &storage.DeviceAuthorization{
		DeviceCode: "dev", UserCode: "BCDF-GHJK", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, s.SaveTokens(ctx,
		&storage.Token{Value: "t-old", ExpiresAt: now.Add(-time.Hour)},
		&storage.Token{Value: "t-live", ExpiresAt: now.Add(time.Hour)},
	))

	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.ConsumeAuthorizationCode(ctx, "live", now)
	assert.NoError(t, err)
	_, err = s.GetToken(ctx, "t-old")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetDeviceAuthorizationByUserCode(ctx, "BCDF-GHJK")
	assert.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)
}

func TestStore_CleanupLoop(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	defer s.Stop()
	s.SetRetention(0)
	ctx := context.Background()

	require.NoError(t, s.SaveTokens(ctx, &storage.Token{Value: "gone", ExpiresAt: time.Now().Add(-time.Second)}))

	assert.Eventually(t, func() bool {
		_, err := s.GetToken(ctx, "gone")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s := New()
	defer s.Stop()
	s.SetLogger(slog.Default())
	s.SetInstrumentation(inst)

	require.NoError(t, s.SaveClient(context.Background(), &storage.Client{ClientID: "c"}))
	assert.Equal(t, int64(1), s.clientsCount.Load())
}

func TestStore_StopTwice(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}
