package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// SaveDeviceAuthorization stores a device authorization and reserves its user code.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device authorization requires device and user codes")
	}

	data, err := marshalRecord(toDeviceJSON(auth))
	if err != nil {
		return err
	}

	now := auth.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	result, err := saveDeviceScript.Exec(ctx, s.client,
		[]string{s.deviceKey(auth.DeviceCode), s.userCodeKey(auth.UserCode)},
		[]string{
			data,
			strconv.FormatInt(millis(now), 10),
			strconv.FormatInt(s.ttlFor(auth.ExpiresAt).Milliseconds(), 10),
			auth.DeviceCode,
			s.deviceKey(""),
		},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save device authorization: %w", err)
	}
	if result == resultConflict {
		return storage.ErrUserCodeConflict
	}

	s.logger.Debug("Saved device authorization",
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, logPrefixLength),
		"client_id", auth.ClientID)
	return nil
}

// GetDeviceAuthorizationByUserCode looks up the authorization holding userCode.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrDeviceAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to get user code: %w", err)
	}
	return getAndUnmarshal(ctx, s, s.deviceKey(deviceCode), storage.ErrDeviceAuthorizationNotFound, fromDeviceJSON)
}

// ResolveDeviceAuthorization atomically records the user's decision.
func (s *Store) ResolveDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, now time.Time) (*storage.DeviceAuthorization, error) {
	if status != storage.DeviceStatusAuthorized && status != storage.DeviceStatusDenied {
		return nil, fmt.Errorf("invalid resolution status %q", status)
	}

	result, err := resolveDeviceScript.Exec(ctx, s.client,
		[]string{s.userCodeKey(userCode)},
		[]string{s.deviceKey(""), string(status), userID, strconv.FormatInt(millis(now), 10)},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device authorization: %w", err)
	}

	switch result {
	case resultNotFound:
		return nil, storage.ErrDeviceAuthorizationNotFound
	case resultExpired:
		return nil, storage.ErrDeviceAuthorizationExpired
	case resultResolved:
		return nil, storage.ErrDeviceAuthorizationResolved
	}
	return decode(result, fromDeviceJSON)
}

// RecordDevicePoll atomically records a poll and applies slow_down.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time, step time.Duration) (*storage.DeviceAuthorization, bool, error) {
	result, err := pollDeviceScript.Exec(ctx, s.client,
		[]string{s.deviceKey(deviceCode)},
		[]string{strconv.FormatInt(millis(now), 10), strconv.Itoa(int(step / time.Second))},
	).ToString()
	if err != nil {
		return nil, false, fmt.Errorf("failed to record device poll: %w", err)
	}
	if result == resultNotFound {
		return nil, false, storage.ErrDeviceAuthorizationNotFound
	}

	auth, err := decode(result[1:], fromDeviceJSON)
	if err != nil {
		return nil, false, err
	}
	return auth, result[0] == '1', nil
}

// ClaimDeviceAuthorization atomically moves an authorized record to consumed.
func (s *Store) ClaimDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceAuthorization, error) {
	result, err := claimDeviceScript.Exec(ctx, s.client,
		[]string{s.deviceKey(deviceCode)},
		[]string{strconv.FormatInt(millis(now), 10)},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to claim device authorization: %w", err)
	}
	if result == resultNotAuthorized {
		return nil, storage.ErrDeviceAuthorizationNotAuthorized
	}
	return decode(result, fromDeviceJSON)
}
