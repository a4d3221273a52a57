package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the codebase.
const (
	// EventClientRegistered is logged when a new client application is registered
	EventClientRegistered = "client_registered"

	// EventClientStatusChanged is logged when a client is activated or deactivated
	EventClientStatusChanged = "client_status_changed"

	// EventAuthCodeIssued is logged when an authorization code is issued
	EventAuthCodeIssued = "auth_code_issued"

	// EventAuthCodeConsumed is logged when an authorization code is exchanged
	EventAuthCodeConsumed = "auth_code_consumed"

	// EventAuthCodeReuseAttempt is logged when an already-consumed code is presented again
	EventAuthCodeReuseAttempt = "auth_code_reuse_attempt"

	// EventTokenIssued is logged when a new access token is issued
	EventTokenIssued = "token_issued" //nolint:gosec // event type name, not a credential

	// EventTokenRefreshed is logged when an access token is rotated via refresh_token grant
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is explicitly revoked
	EventTokenRevoked = "token_revoked"

	// EventAuthFailure is logged when client or resource-owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventValidationFailure is logged when bearer token validation fails
	EventValidationFailure = "validation_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventScopeRegistered is logged when a scope definition is stored
	EventScopeRegistered = "scope_registered"
)
