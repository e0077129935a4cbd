// Package mock provides a storage.Store wrapper for failure injection in tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authz/storage"
)

// Store delegates to Next unless the matching Func field is set, and counts
// calls per method.
type Store struct {
	Next storage.Store

	SaveClientFunc                       func(ctx context.Context, client *storage.Client) error
	GetClientFunc                        func(ctx context.Context, clientID string) (*storage.Client, error)
	SaveAuthorizationCodeFunc            func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc         func(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error)
	SaveDeviceAuthorizationFunc          func(ctx context.Context, auth *storage.DeviceAuthorization) error
	GetDeviceAuthorizationByUserCodeFunc func(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error)
	ResolveDeviceAuthorizationFunc       func(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, now time.Time) (*storage.DeviceAuthorization, error)
	RecordDevicePollFunc                 func(ctx context.Context, deviceCode string, now time.Time, step time.Duration) (*storage.DeviceAuthorization, bool, error)
	ClaimDeviceAuthorizationFunc         func(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceAuthorization, error)
	SaveTokensFunc                       func(ctx context.Context, tokens ...*storage.Token) error
	GetTokenFunc                         func(ctx context.Context, value string) (*storage.Token, error)
	RotateRefreshTokenFunc               func(ctx context.Context, old string, next, access *storage.Token, now time.Time) (*storage.Token, error)
	RevokeTokenFunc                      func(ctx context.Context, value string) (*storage.Token, error)
	RevokeTokenFamilyFunc                func(ctx context.Context, familyID string) (int, error)
	RevokeTokensForUserClientFunc        func(ctx context.Context, userID, clientID string) (int, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New wraps next.
func New(next storage.Store) *Store {
	return &Store{Next: next, callCounts: make(map[string]int)}
}

// CallCount returns how often method was called.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Next.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Next.GetClient(ctx, clientID)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.count("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Next.SaveAuthorizationCode(ctx, code)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	m.count("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code, now)
	}
	return m.Next.ConsumeAuthorizationCode(ctx, code, now)
}

func (m *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	m.count("SaveDeviceAuthorization")
	if m.SaveDeviceAuthorizationFunc != nil {
		return m.SaveDeviceAuthorizationFunc(ctx, auth)
	}
	return m.Next.SaveDeviceAuthorization(ctx, auth)
}

func (m *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	m.count("GetDeviceAuthorizationByUserCode")
	if m.GetDeviceAuthorizationByUserCodeFunc != nil {
		return m.GetDeviceAuthorizationByUserCodeFunc(ctx, userCode)
	}
	return m.Next.GetDeviceAuthorizationByUserCode(ctx, userCode)
}

func (m *Store) ResolveDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, now time.Time) (*storage.DeviceAuthorization, error) {
	m.count("ResolveDeviceAuthorization")
	if m.ResolveDeviceAuthorizationFunc != nil {
		return m.ResolveDeviceAuthorizationFunc(ctx, userCode, status, userID, now)
	}
	return m.Next.ResolveDeviceAuthorization(ctx, userCode, status, userID, now)
}

func (m *Store) RecordDevicePoll(ctx context.Context, deviceCode string, now time.Time, step time.Duration) (*storage.DeviceAuthorization, bool, error) {
	m.count("RecordDevicePoll")
	if m.RecordDevicePollFunc != nil {
		return m.RecordDevicePollFunc(ctx, deviceCode, now, step)
	}
	return m.Next.RecordDevicePoll(ctx, deviceCode, now, step)
}

func (m *Store) ClaimDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time) (*storage.DeviceAuthorization, error) {
	m.count("ClaimDeviceAuthorization")
	if m.ClaimDeviceAuthorizationFunc != nil {
		return m.ClaimDeviceAuthorizationFunc(ctx, deviceCode, now)
	}
	return m.Next.ClaimDeviceAuthorization(ctx, deviceCode, now)
}

func (m *Store) SaveTokens(ctx context.Context, tokens ...*storage.Token) error {
	m.count("SaveTokens")
	if m.SaveTokensFunc != nil {
		return m.SaveTokensFunc(ctx, tokens...)
	}
	return m.Next.SaveTokens(ctx, tokens...)
}

func (m *Store) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	m.count("GetToken")
	if m.GetTokenFunc != nil {
		return m.GetTokenFunc(ctx, value)
	}
	return m.Next.GetToken(ctx, value)
}

func (m *Store) RotateRefreshToken(ctx context.Context, old string, next, access *storage.Token, now time.Time) (*storage.Token, error) {
	m.count("RotateRefreshToken")
	if m.RotateRefreshTokenFunc != nil {
		return m.RotateRefreshTokenFunc(ctx, old, next, access, now)
	}
	return m.Next.RotateRefreshToken(ctx, old, next, access, now)
}

func (m *Store) RevokeToken(ctx context.Context, value string) (*storage.Token, error) {
	m.count("RevokeToken")
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, value)
	}
	return m.Next.RevokeToken(ctx, value)
}

func (m *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	m.count("RevokeTokenFamily")
	if m.RevokeTokenFamilyFunc != nil {
		return m.RevokeTokenFamilyFunc(ctx, familyID)
	}
	return m.Next.RevokeTokenFamily(ctx, familyID)
}

func (m *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.count("RevokeTokensForUserClient")
	if m.RevokeTokensForUserClientFunc != nil {
		return m.RevokeTokensForUserClientFunc(ctx, userID, clientID)
	}
	return m.Next.RevokeTokensForUserClient(ctx, userID, clientID)
}
