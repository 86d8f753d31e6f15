package security

// Audit event types. Keeping them in one place avoids typo'd event names in
// log pipelines that alert on exact strings.
const (
	// Token lifecycle.
	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"
	EventGrantRevoked   = "grant_revoked"

	// Authorization flow.
	EventAuthorizationStarted    = "authorization_started"
	EventConsentGranted          = "consent_granted"
	EventConsentDenied           = "consent_denied"
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Replay defense. Both indicate stolen credentials in flight and carry
	// severity "critical".
	EventAuthorizationCodeReplay = "authorization_code_replay_detected"
	EventRefreshTokenReplay      = "refresh_token_replay_detected"
	EventRevokedFamilyReplay     = "revoked_family_replay_attempt"

	// Authentication and validation failures.
	EventClientAuthFailure    = "client_auth_failure"
	EventOwnerAuthFailure     = "owner_auth_failure"
	EventPKCEValidationFailed = "pkce_validation_failed"
	EventRateLimitExceeded    = "rate_limit_exceeded"
)

// Severity levels attached to audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)
