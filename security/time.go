package security

import "time"

// DefaultClockSkewGracePeriod absorbs NTP drift between the authorization
// server and resource servers when comparing expiry timestamps.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt lies more than grace before now.
// A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}
