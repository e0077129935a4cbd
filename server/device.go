package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// UserCodeAlphabet has no vowels and no digits, so codes cannot spell words
// and contain no look-alikes such as 0/O or 1/I.
const UserCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

const (
	userCodeLength = 8

	// maxUserCodeAttempts bounds retries on user code collisions
	maxUserCodeAttempts = 5
)

// Device resolution actions.
const (
	DeviceActionAllow = "allow"
	DeviceActionDeny  = "deny"
)

// pollOutcomeIssued labels successful polls; failures use the error code.
const pollOutcomeIssued = "issued"

// DeviceCodeResponse is the device authorization response (RFC 8628 section 3.2).
type DeviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// RequestDeviceCode starts a device authorization for client. An empty scope
// requests the client's full scope set.
func (s *Server) RequestDeviceCode(ctx context.Context, client *storage.Client, scope string) (*DeviceCodeResponse, error) {
	if client == nil {
		return nil, NewError(ErrorCodeInvalidClient, "client authentication required")
	}
	if !client.HasGrantType(storage.GrantTypeDeviceCode) {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not registered for the device_code grant")
	}
	scopes, err := resolveRequestedScopes(scope, client)
	if err != nil {
		s.logScopeEscalation(ctx, client.ClientID, scope)
		return nil, err
	}

	now := s.now()
	auth := &storage.DeviceAuthorization{
		DeviceCode: generateRandomToken(),
		ClientID:   client.ClientID,
		Scopes:     scopes,
		Resource:   s.Config.ResourceIdentifier,
		Status:     storage.DeviceStatusPending,
		Interval:   int(s.Config.DevicePollInterval),
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(s.Config.DeviceCodeTTL) * time.Second),
	}

	for attempt := 1; ; attempt++ {
		auth.UserCode, err = generateUserCode()
		if err != nil {
			return nil, errServer(err)
		}
		err = s.store.SaveDeviceAuthorization(ctx, auth)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrUserCodeConflict) || attempt >= maxUserCodeAttempts {
			return nil, errServer(fmt.Errorf("failed to save device authorization: %w", err))
		}
		s.Logger.Debug("User code collision, retrying", "attempt", attempt)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventDeviceCodeIssued,
		ClientID:  client.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details:   map[string]any{"scope": util.JoinScope(scopes)},
	})
	if m := s.metrics(); m != nil {
		m.RecordDeviceCodeIssued(ctx, client.ClientID)
	}
	s.Logger.Info("Issued device code",
		"client_id", client.ClientID,
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, logPrefixLength))

	return &DeviceCodeResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         s.Config.VerificationURI,
		VerificationURIComplete: s.Config.VerificationURI + "?" + url.Values{"user_code": {auth.UserCode}}.Encode(),
		ExpiresIn:               s.Config.DeviceCodeTTL,
		Interval:                s.Config.DevicePollInterval,
	}, nil
}

// generateUserCode returns a random XXXX-XXXX code over UserCodeAlphabet.
func generateUserCode() (string, error) {
	alphabetSize := big.NewInt(int64(len(UserCodeAlphabet)))
	var b strings.Builder
	for i := range userCodeLength {
		if i == userCodeLength/2 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		b.WriteByte(UserCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeUserCode canonicalizes what a user typed: case and separators are
// ignored, so "bcdf ghjk" and "BCDF-GHJK" are the same code.
func NormalizeUserCode(input string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if !strings.ContainsRune(UserCodeAlphabet, r) {
			return "", NewError(ErrorCodeInvalidRequest, "invalid user code")
		}
		b.WriteRune(r)
	}
	code := b.String()
	if len(code) != userCodeLength {
		return "", NewError(ErrorCodeInvalidRequest, "invalid user code")
	}
	return code[:userCodeLength/2] + "-" + code[userCodeLength/2:], nil
}

// LookupUserCode returns the pending authorization behind a user code for the
// consent page. Every failure is the same invalid_grant.
func (s *Server) LookupUserCode(ctx context.Context, input string) (*storage.DeviceAuthorization, error) {
	userCode, err := NormalizeUserCode(input)
	if err != nil {
		return nil, errInvalidGrant(err)
	}
	auth, err := s.store.GetDeviceAuthorizationByUserCode(ctx, userCode)
	if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
		return nil, errInvalidGrant(err)
	}
	if err != nil {
		return nil, errServer(err)
	}
	if auth.Status != storage.DeviceStatusPending || auth.Expired(s.now()) {
		return nil, errInvalidGrant(nil)
	}
	return auth, nil
}

// ResolveDeviceAuthorization records the user's decision on a device
// authorization. Repeating the same decision is a no-op.
func (s *Server) ResolveDeviceAuthorization(ctx context.Context, userCode, userID, action string) (*storage.DeviceAuthorization, error) {
	var status storage.DeviceStatus
	switch action {
	case DeviceActionAllow:
		status = storage.DeviceStatusAuthorized
	case DeviceActionDeny:
		status = storage.DeviceStatusDenied
	default:
		return nil, NewError(ErrorCodeInvalidRequest, "action must be allow or deny")
	}
	if userID == "" {
		return nil, NewError(ErrorCodeAccessDenied, "no authenticated user")
	}
	canonical, err := NormalizeUserCode(userCode)
	if err != nil {
		return nil, errInvalidGrant(err)
	}

	auth, err := s.store.ResolveDeviceAuthorization(ctx, canonical, status, userID, s.now())
	switch {
	case errors.Is(err, storage.ErrDeviceAuthorizationNotFound), errors.Is(err, storage.ErrDeviceAuthorizationResolved):
		s.Logger.Debug("Device authorization not resolvable", "reason", err.Error(), "user_id", userID)
		return nil, errInvalidGrant(err)
	case errors.Is(err, storage.ErrDeviceAuthorizationExpired):
		return nil, WrapError(ErrorCodeExpiredToken, "the user code has expired", err)
	case err != nil:
		return nil, errServer(err)
	}

	s.Auditor.LogDeviceResolved(userID, auth.ClientID, status == storage.DeviceStatusAuthorized)
	if m := s.metrics(); m != nil {
		m.RecordDeviceResolution(ctx, action)
	}
	s.Logger.Info("Device authorization resolved",
		"client_id", auth.ClientID,
		"user_id", userID,
		"action", action)
	return auth, nil
}

// PollDeviceToken handles the device_code grant. The checks run in a fixed
// order: ownership, consumed, expired, slow_down, then the pending, denied or
// authorized state. Only one concurrent poller can claim an authorized code.
func (s *Server) PollDeviceToken(ctx context.Context, client *storage.Client, deviceCode string) (resp *TokenResponse, err error) {
	if client == nil {
		return nil, NewError(ErrorCodeInvalidClient, "client authentication required")
	}
	if !client.HasGrantType(storage.GrantTypeDeviceCode) {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not registered for the device_code grant")
	}
	if deviceCode == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "device_code is required")
	}

	defer func() {
		if m := s.metrics(); m != nil {
			outcome := pollOutcomeIssued
			if err != nil {
				outcome = AsError(err).Code.String()
			}
			m.RecordDevicePoll(ctx, outcome)
		}
	}()

	now := s.now()
	step := time.Duration(s.Config.DeviceSlowDownStep) * time.Second
	auth, slowDown, err := s.store.RecordDevicePoll(ctx, deviceCode, now, step)
	if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
		s.rejectGrant(ctx, "", client.ClientID, "unknown_device_code")
		return nil, errInvalidGrant(err)
	}
	if err != nil {
		return nil, errServer(err)
	}

	switch {
	case auth.ClientID != client.ClientID:
		s.rejectGrant(ctx, "", client.ClientID, "device_code_client_mismatch")
		return nil, errInvalidGrant(nil)
	case auth.Status == storage.DeviceStatusConsumed:
		s.rejectGrant(ctx, auth.UserID, client.ClientID, "device_code_consumed")
		return nil, errInvalidGrant(nil)
	case auth.Expired(now):
		return nil, NewError(ErrorCodeExpiredToken, "the device code has expired")
	case slowDown:
		return nil, NewError(ErrorCodeSlowDown, fmt.Sprintf("polling too fast, interval is now %d seconds", auth.Interval))
	case auth.Status == storage.DeviceStatusPending:
		return nil, NewError(ErrorCodeAuthorizationPending, "the user has not yet approved the request")
	case auth.Status == storage.DeviceStatusDenied:
		return nil, NewError(ErrorCodeAccessDenied, "the user denied the request")
	case auth.Status != storage.DeviceStatusAuthorized:
		return nil, errInvalidGrant(nil)
	}

	claimed, err := s.store.ClaimDeviceAuthorization(ctx, deviceCode, now)
	if errors.Is(err, storage.ErrDeviceAuthorizationNotAuthorized) || errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
		s.rejectGrant(ctx, auth.UserID, client.ClientID, "device_code_claim_lost")
		return nil, errInvalidGrant(err)
	}
	if err != nil {
		return nil, errServer(err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventDeviceCodeClaimed,
		UserID:    claimed.UserID,
		ClientID:  client.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	return s.issueTokens(ctx, client, storage.GrantTypeDeviceCode, claimed.UserID, claimed.Scopes, claimed.Resource, "")
}
