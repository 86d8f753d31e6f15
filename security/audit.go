package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor emits structured security events. Resource owner identifiers are
// hashed before logging so audit output carries no PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single audit record.
type Event struct {
	Type     string
	Severity string
	OwnerID  string
	ClientID string
	IP       string
	Details  map[string]any
}

// LogEvent writes the event. Critical events are logged at Warn so they
// survive Info level filtering.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	attrs := []any{
		"event_type", event.Type,
		"severity", event.Severity,
		"owner_id_hash", hashForLogging(event.OwnerID),
		"client_id", event.ClientID,
		"ip_address", event.IP,
		"details", event.Details,
		"timestamp", time.Now(),
	}

	if event.Severity == SeverityCritical {
		a.logger.Warn("security_audit", attrs...)
		return
	}
	a.logger.Info("security_audit", attrs...)
}

// LogTokenIssued records access token issuance.
func (a *Auditor) LogTokenIssued(ownerID, clientID, ip, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		OwnerID:  ownerID,
		ClientID: clientID,
		IP:       ip,
		Details:  map[string]any{"grant_type": grantType, "scope": scope},
	})
}

// LogTokenRefreshed records a successful refresh token rotation.
func (a *Auditor) LogTokenRefreshed(ownerID, clientID, ip string, generation int) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		OwnerID:  ownerID,
		ClientID: clientID,
		IP:       ip,
		Details:  map[string]any{"generation": generation},
	})
}

// LogTokenRevoked records a client-requested revocation.
func (a *Auditor) LogTokenRevoked(ownerID, clientID, ip, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		OwnerID:  ownerID,
		ClientID: clientID,
		IP:       ip,
		Details:  map[string]any{"token_type": tokenType},
	})
}

// LogReplayDetected records a replayed code or refresh token along with how
// many derived tokens were revoked in response.
func (a *Auditor) LogReplayDetected(eventType, ownerID, clientID, ip string, revokedCount int) {
	a.LogEvent(Event{
		Type:     eventType,
		Severity: SeverityCritical,
		OwnerID:  ownerID,
		ClientID: clientID,
		IP:       ip,
		Details:  map[string]any{"revoked_tokens": revokedCount},
	})
}

// LogAuthFailure records a failed client or owner authentication attempt.
func (a *Auditor) LogAuthFailure(eventType, clientID, ip, reason string) {
	a.LogEvent(Event{
		Type:     eventType,
		Severity: SeverityWarning,
		ClientID: clientID,
		IP:       ip,
		Details:  map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded records a rejected request.
func (a *Auditor) LogRateLimitExceeded(identifier, ip, endpoint string) {
	a.LogEvent(Event{
		Type:     EventRateLimitExceeded,
		Severity: SeverityWarning,
		IP:       ip,
		Details:  map[string]any{"identifier": hashForLogging(identifier), "endpoint": endpoint},
	})
}

// hashForLogging returns a short SHA-256 prefix of the value, or "anonymous"
// for the empty string. Enough to correlate events, not enough to reverse.
func hashForLogging(value string) string {
	if value == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
