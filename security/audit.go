package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// sinkPublishTimeout bounds how long an audit sink may hold up a request.
const sinkPublishTimeout = 2 * time.Second

// EventSink receives audit events in addition to the structured log, e.g. to
// feed a SIEM pipeline.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	mu    sync.RWMutex
	sinks []EventSink
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// AddSink registers an additional destination for events.
func (a *Auditor) AddSink(sink EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, sink)
}

// Event represents a security audit event. UserID is hashed before it leaves
// the process.
type Event struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id_hash,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LogEvent logs a security event with hashed PII. A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()
	event.UserID = hashForLogging(event.UserID)

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", event.UserID,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	a.mu.RLock()
	sinks := a.sinks
	a.mu.RUnlock()

	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		if err := sink.Publish(ctx, event); err != nil {
			a.logger.Warn("Failed to publish audit event", "event_type", event.Type, "error", err)
		}
		cancel()
	}
}

// LogTokenIssued logs when tokens are issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRevoked logs a revocation; count > 1 means a family cascade
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string, count int) {
	eventType := EventTokenRevoked
	if count > 1 {
		eventType = EventFamilyRevoked
	}
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
			"count":      count,
		},
	})
}

// LogAuthFailure logs an authentication or grant failure with its real reason
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ownerUserID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		UserID:    ownerUserID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogDeviceResolved logs a user's allow/deny decision on a device authorization
func (a *Auditor) LogDeviceResolved(userID, clientID string, allowed bool) {
	eventType := EventDeviceDenied
	if allowed {
		eventType = EventDeviceAuthorized
	}
	a.LogEvent(Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
	})
}

// hashForLogging returns a short SHA-256 prefix of sensitive data
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
