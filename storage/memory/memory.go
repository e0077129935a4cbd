package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

const (
	// logPrefixLength is how much of a secret value is logged.
	logPrefixLength = 8

	// defaultRetention is how long expired records are kept before the cleanup
	// loop removes them. Expiry itself is enforced on every read.
	defaultRetention = time.Hour
)

// Store is an in-memory storage.Store.
type Store struct {
	mu sync.RWMutex

	clients   map[string]*storage.Client
	codes     map[string]*storage.AuthorizationCode
	devices   map[string]*storage.DeviceAuthorization // by device code
	userCodes map[string]string                       // user code -> device code
	tokens    map[string]*storage.Token

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// read by metric callbacks without taking mu
	clientsCount atomic.Int64
	codesCount   atomic.Int64
	devicesCount atomic.Int64
	tokensCount  atomic.Int64

	cleanupInterval time.Duration
	retention       time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Cleaner = (*Store)(nil)
)

// New creates a store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval.
// Non-positive values fall back to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		devices:         make(map[string]*storage.DeviceAuthorization),
		userCodes:       make(map[string]string),
		tokens:          make(map[string]*storage.Token),
		cleanupInterval: cleanupInterval,
		retention:       defaultRetention,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetRetention sets how long expired records are kept before purging.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = d
}

// SetInstrumentation enables tracing, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.refreshCountsLocked()
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.clientsCount.Load,
		s.codesCount.Load,
		s.devicesCount.Load,
		s.tokensCount.Load,
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient inserts or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client.Clone()
	s.refreshCountsLocked()

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns a copy of the client.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client.Clone(), nil
}

// ============================================================
// AuthorizationCodeStore
// ============================================================

// SaveAuthorizationCode stores a new authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_authorization_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code.Clone()
	s.refreshCountsLocked()

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, logPrefixLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode marks the code used under the write lock.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_authorization_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if stored.Used {
		return stored.Clone(), storage.ErrAuthorizationCodeUsed
	}
	if now.After(stored.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	stored.Used = true
	return stored.Clone(), nil
}

// ============================================================
// DeviceStore
// ============================================================

// SaveDeviceAuthorization stores a new device authorization and indexes its
// user code.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_device_authorization")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_device_authorization", &err, time.Now())

	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device authorization requires device and user codes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if deviceCode, taken := s.userCodes[auth.UserCode]; taken {
		if existing, ok := s.devices[deviceCode]; ok && !existing.Expired(auth.CreatedAt) {
			return storage.ErrUserCodeConflict
		}
	}

	s.devices[auth.DeviceCode] = auth.Clone()
	s.userCodes[auth.UserCode] = auth.DeviceCode
	s.refreshCountsLocked()

	s.logger.Debug("Saved device authorization",
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, logPrefixLength),
		"client_id", auth.ClientID)
	return nil
}

// GetDeviceAuthorizationByUserCode returns a copy of the authorization.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_device_authorization")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_device_authorization", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.deviceByUserCodeLocked(userCode)
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return auth.Clone(), nil
}

// ResolveDeviceAuthorization records the user's decision.
func (s *Store) ResolveDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, now time.Time) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "resolve_device_authorization")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "resolve_device_authorization", &err, time.Now())

	if status != storage.DeviceStatusAuthorized && status != storage.DeviceStatusDenied {
		return nil, fmt.Errorf("invalid resolution status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.deviceByUserCodeLocked(userCode)
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}

	switch {
	case auth.Status == storage.DeviceStatusConsumed:
		return nil, storage.ErrDeviceAuthorizationResolved
	case auth.Expired(now):
		expireLocked(auth)
		return nil, storage.ErrDeviceAuthorizationExpired
	case auth.Status == status && auth.UserID == userID:
		return auth.Clone(), nil
	case auth.Status != storage.DeviceStatusPending:
		return nil, storage.ErrDeviceAuthorizationResolved
	}

	auth.Status = status
	auth.UserID = userID
	return auth.Clone(), nil
}

// RecordDevicePoll updates the poll bookkeeping of a device authorization.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time, step time.Duration) (_ *storage.DeviceAuthorization, slowDown bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "record_device_poll")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "record_device_poll", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[deviceCode]
	if !ok {
		return nil, false, storage.ErrDeviceAuthorizationNotFound
	}

	if auth.Status != storage.DeviceStatusConsumed && auth.Expired(now) {
		expireLocked(auth)
	}

	if auth.Status != storage.DeviceStatusConsumed && auth.Status != storage.DeviceStatusExpired &&
		!auth.LastPollAt.IsZero() && now.Sub(auth.LastPollAt) < time.Duration(auth.Interval)*time.Second {
		auth.Interval += int(step / time.Second)
		slowDown = true
	}
	auth.LastPollAt = now

	return auth.Clone(), slowDown, nil
}

// ClaimDeviceAuthorization moves an authorized record to consumed.
func (s *Store) ClaimDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "claim_device_authorization")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "claim_device_authorization", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.devices[deviceCode]
	if !ok || auth.Status != storage.DeviceStatusAuthorized || now.After(auth.ExpiresAt) {
		return nil, storage.ErrDeviceAuthorizationNotAuthorized
	}

	auth.Status = storage.DeviceStatusConsumed
	return auth.Clone(), nil
}

func (s *Store) deviceByUserCodeLocked(userCode string) (*storage.DeviceAuthorization, bool) {
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, false
	}
	auth, ok := s.devices[deviceCode]
	return auth, ok
}

// expireLocked moves pending and authorized records to expired; denied keeps
// its outcome so a late poll still reports access_denied once.
func expireLocked(auth *storage.DeviceAuthorization) {
	if auth.Status == storage.DeviceStatusPending || auth.Status == storage.DeviceStatusAuthorized {
		auth.Status = storage.DeviceStatusExpired
	}
}

// ============================================================
// TokenStore
// ============================================================

// SaveTokens stores all tokens in one critical section.
func (s *Store) SaveTokens(ctx context.Context, tokens ...*storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_tokens")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_tokens", &err, time.Now())

	for _, t := range tokens {
		if t == nil || t.Value == "" {
			return fmt.Errorf("token value cannot be empty")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		s.tokens[t.Value] = t.Clone()
	}
	s.refreshCountsLocked()
	return nil
}

// GetToken returns a copy of the token record, including revoked and expired ones.
func (s *Store) GetToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return t.Clone(), nil
}

// RotateRefreshToken revokes old and stores next and access in one critical
// section.
func (s *Store) RotateRefreshToken(ctx context.Context, old string, next, access *storage.Token, now time.Time) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "rotate_refresh_token", &err, time.Now())

	if err := storage.ValidateRotation(next, access); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tokens[old]
	if !ok || current.Type != storage.TokenTypeRefresh {
		return nil, storage.ErrTokenNotFound
	}
	if current.Revoked {
		return current.Clone(), storage.ErrTokenRevoked
	}
	if !now.Before(current.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	current.Revoked = true
	s.tokens[next.Value] = next.Clone()
	s.tokens[access.Value] = access.Clone()
	s.refreshCountsLocked()

	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(old, logPrefixLength),
		"family_id", current.FamilyID)
	return current.Clone(), nil
}

// RevokeToken marks a single token revoked.
func (s *Store) RevokeToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	t.Revoked = true
	return t.Clone(), nil
}

// RevokeTokenFamily revokes every token of a family.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_token_family", &err, time.Now())

	if familyID == "" {
		return 0, nil
	}
	return s.revokeMatching(func(t *storage.Token) bool { return t.FamilyID == familyID }), nil
}

// RevokeTokensForUserClient revokes every token of a user+client pair.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens_for_user_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_tokens_for_user_client", &err, time.Now())

	return s.revokeMatching(func(t *storage.Token) bool {
		return t.UserID == userID && t.ClientID == clientID
	}), nil
}

func (s *Store) revokeMatching(match func(*storage.Token) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, t := range s.tokens {
		if !t.Revoked && match(t) {
			t.Revoked = true
			revoked++
		}
	}
	return revoked
}

// ============================================================
// Cleanup
// ============================================================

// DeleteExpired removes codes, device authorizations and tokens that expired
// before the given time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_expired", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, c := range s.codes {
		if c.ExpiresAt.Before(before) {
			delete(s.codes, k)
			deleted++
		}
	}
	for k, d := range s.devices {
		if d.ExpiresAt.Before(before) {
			delete(s.devices, k)
			if s.userCodes[d.UserCode] == k {
				delete(s.userCodes, d.UserCode)
			}
			deleted++
		}
	}
	for k, t := range s.tokens {
		if t.ExpiresAt.Before(before) {
			delete(s.tokens, k)
			deleted++
		}
	}
	s.refreshCountsLocked()
	return deleted, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			retention := s.retention
			s.mu.RUnlock()

			n, err := s.DeleteExpired(context.Background(), time.Now().Add(-retention))
			if err != nil {
				s.logger.Warn("Cleanup failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("Cleaned up expired records", "count", n)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) refreshCountsLocked() {
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.devicesCount.Store(int64(len(s.devices)))
	s.tokensCount.Store(int64(len(s.tokens)))
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		instrumentation.StorageSpanOptions(operation, "memory"))
}

// recordStorageOperation records metrics and span status. Expected domain
// outcomes such as "not found" still count as errors for the operation.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if *errp != nil {
		result = "error"
	}
	instrumentation.EndSpan(span, *errp)

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}
