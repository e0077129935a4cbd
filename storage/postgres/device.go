package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

const deviceColumns = `device_code, user_code, client_id, scopes, resource, status, user_id,
	interval_seconds, last_poll_at, created_at, expires_at`

// SaveDeviceAuthorization stores a device authorization. A user code still
// held by a live authorization yields ErrUserCodeConflict; an expired holder
// is removed first.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, d *storage.DeviceAuthorization) error {
	if d == nil || d.DeviceCode == "" || d.UserCode == "" {
		return fmt.Errorf("device authorization requires device and user codes")
	}
	now := d.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM oauth_device_authorizations
			WHERE user_code = $1 AND device_code <> $2 AND (status = 'expired' OR expires_at < $3)`,
			d.UserCode, d.DeviceCode, now); err != nil {
			return fmt.Errorf("failed to release expired user code: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO oauth_device_authorizations (`+deviceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			d.DeviceCode, d.UserCode, d.ClientID, pq.Array(d.Scopes), d.Resource, string(d.Status), d.UserID,
			d.Interval, nullTime(d.LastPollAt), d.CreatedAt, d.ExpiresAt)
		if isUniqueViolation(err) {
			return storage.ErrUserCodeConflict
		}
		if err != nil {
			return fmt.Errorf("failed to save device authorization: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Saved device authorization",
		"device_code_prefix", util.SafeTruncate(d.DeviceCode, logPrefixLength),
		"client_id", d.ClientID)
	return nil
}

// GetDeviceAuthorizationByUserCode looks up by canonical user code.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM oauth_device_authorizations WHERE user_code = $1`, userCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device authorization: %w", err)
	}
	return d, nil
}

// ResolveDeviceAuthorization records the user's decision under a row lock.
func (s *Store) ResolveDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, now time.Time) (*storage.DeviceAuthorization, error) {
	if status != storage.DeviceStatusAuthorized && status != storage.DeviceStatusDenied {
		return nil, fmt.Errorf("invalid resolution status %q", status)
	}

	var out *storage.DeviceAuthorization
	var outcome error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM oauth_device_authorizations WHERE user_code = $1 FOR UPDATE`, userCode))
		if errors.Is(err, sql.ErrNoRows) {
			outcome = storage.ErrDeviceAuthorizationNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock device authorization: %w", err)
		}

		switch {
		case d.Status == storage.DeviceStatusConsumed:
			outcome = storage.ErrDeviceAuthorizationResolved
			return nil
		case d.Expired(now):
			outcome = storage.ErrDeviceAuthorizationExpired
			if d.Status == storage.DeviceStatusPending || d.Status == storage.DeviceStatusAuthorized {
				return s.setDeviceStatus(ctx, tx, d.DeviceCode, storage.DeviceStatusExpired, d.UserID)
			}
			return nil
		case d.Status == status && d.UserID == userID:
			out = d
			return nil
		case d.Status != storage.DeviceStatusPending:
			outcome = storage.ErrDeviceAuthorizationResolved
			return nil
		}

		d.Status = status
		d.UserID = userID
		out = d
		return s.setDeviceStatus(ctx, tx, d.DeviceCode, status, userID)
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return out, nil
}

func (s *Store) setDeviceStatus(ctx context.Context, tx *sql.Tx, deviceCode string, status storage.DeviceStatus, userID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE oauth_device_authorizations SET status = $2, user_id = $3 WHERE device_code = $1`,
		deviceCode, string(status), userID)
	if err != nil {
		return fmt.Errorf("failed to update device authorization: %w", err)
	}
	return nil
}

// RecordDevicePoll records a poll under a row lock.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time, step time.Duration) (*storage.DeviceAuthorization, bool, error) {
	var out *storage.DeviceAuthorization
	var slowDown bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM oauth_device_authorizations WHERE device_code = $1 FOR UPDATE`, deviceCode))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrDeviceAuthorizationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock device authorization: %w", err)
		}

		if (d.Status == storage.DeviceStatusPending || d.Status == storage.DeviceStatusAuthorized) && now.After(d.ExpiresAt) {
			d.Status = storage.DeviceStatusExpired
		}
		if d.Status != storage.DeviceStatusConsumed && d.Status != storage.DeviceStatusExpired &&
			!d.LastPollAt.IsZero() && now.Sub(d.LastPollAt) < time.Duration(d.Interval)*time.Second {
			d.Interval += int(step / time.Second)
			slowDown = true
		}
		d.LastPollAt = now

		_, err = tx.ExecContext(ctx, `
			UPDATE oauth_device_authorizations
			SET status = $2, interval_seconds = $3, last_poll_at = $4
			WHERE device_code = $1`,
			deviceCode, string(d.Status), d.Interval, now)
		if err != nil {
			return fmt.Errorf("failed to record device poll: %w", err)
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, slowDown, nil
}

// ClaimDeviceAuthorization moves an authorized record to consumed with a
// conditional UPDATE; concurrent callers all but one see no row.
func (s *Store) ClaimDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceAuthorization, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
		UPDATE oauth_device_authorizations SET status = 'consumed'
		WHERE device_code = $1 AND status = 'authorized' AND expires_at >= $2
		RETURNING `+deviceColumns, deviceCode, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDeviceAuthorizationNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim device authorization: %w", err)
	}
	return d, nil
}

func scanDevice(row rowScanner) (*storage.DeviceAuthorization, error) {
	var d storage.DeviceAuthorization
	var status string
	var lastPoll sql.NullTime
	err := row.Scan(&d.DeviceCode, &d.UserCode, &d.ClientID, pq.Array(&d.Scopes), &d.Resource, &status, &d.UserID,
		&d.Interval, &lastPoll, &d.CreatedAt, &d.ExpiresAt)
	if err != nil {
		return nil, err
	}
	d.Status = storage.DeviceStatus(status)
	if lastPoll.Valid {
		d.LastPollAt = lastPoll.Time
	}
	return &d, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
