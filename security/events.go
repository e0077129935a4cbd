package security

// Audit event types.
const (
	// Tokens
	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"
	EventFamilyRevoked  = "token_family_revoked"

	// Authorization code flow
	EventAuthorizationCodeIssued        = "authorization_code_issued"
	EventAuthorizationDenied            = "authorization_denied"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Device flow
	EventDeviceCodeIssued  = "device_code_issued"
	EventDeviceAuthorized  = "device_authorized"
	EventDeviceDenied      = "device_denied"
	EventDeviceCodeClaimed = "device_code_claimed"

	// Clients
	EventClientRegistered           = "client_registered"
	EventClientUpdated              = "client_updated"
	EventClientDeactivated          = "client_deactivated"
	EventClientRegistrationRejected = "client_registration_rejected"

	// Violations
	EventAuthFailure            = "auth_failure"
	EventRateLimitExceeded      = "rate_limit_exceeded"
	EventPKCEValidationFailed   = "pkce_validation_failed"
	EventTokenReuseDetected     = "token_reuse_detected" //nolint:gosec // event name, not a credential
	EventInvalidRedirect        = "invalid_redirect"
	EventScopeEscalationAttempt = "scope_escalation_attempt"
	EventIntrospectionDenied    = "introspection_denied"
)
