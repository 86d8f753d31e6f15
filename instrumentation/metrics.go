package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument the server records into.
type Metrics struct {
	// HTTP layer.
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant engine.
	AuthorizationStarted metric.Int64Counter
	ConsentDecided       metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	ImplicitTokenIssued  metric.Int64Counter
	PasswordGrantUsed    metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	TokenValidated       metric.Int64Counter

	// Security.
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReplayDetected   metric.Int64Counter
	TokenReplayDetected  metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage.
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageClientsCount       metric.Int64ObservableGauge
	StorageTransactionsCount  metric.Int64ObservableGauge
	StorageFamiliesCount      metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = inst.httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http.requests.total: %w", err)
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http.request.duration: %w", err)
	}

	m.AuthorizationStarted, err = inst.serverMeter.Int64Counter(
		"oauth.authorization.started",
		metric.WithDescription("Authorization transactions opened"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create authorization.started: %w", err)
	}

	m.ConsentDecided, err = inst.serverMeter.Int64Counter(
		"oauth.consent.decided",
		metric.WithDescription("Consent decisions recorded"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create consent.decided: %w", err)
	}

	m.CodeExchanged, err = inst.serverMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create code.exchanged: %w", err)
	}

	m.ImplicitTokenIssued, err = inst.serverMeter.Int64Counter(
		"oauth.implicit.issued",
		metric.WithDescription("Access tokens issued through the implicit grant"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create implicit.issued: %w", err)
	}

	m.PasswordGrantUsed, err = inst.serverMeter.Int64Counter(
		"oauth.password_grant.used",
		metric.WithDescription("Resource owner password grant requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create password_grant.used: %w", err)
	}

	m.TokenRefreshed, err = inst.serverMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Refresh token rotations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.refreshed: %w", err)
	}

	m.TokenRevoked, err = inst.serverMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.revoked: %w", err)
	}

	m.TokenValidated, err = inst.serverMeter.Int64Counter(
		"oauth.token.validated",
		metric.WithDescription("Bearer token validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.validated: %w", err)
	}

	m.RateLimitExceeded, err = inst.securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rate_limit.exceeded: %w", err)
	}

	m.PKCEValidationFailed, err = inst.securityMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("PKCE verifier validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pkce.validation_failed: %w", err)
	}

	m.CodeReplayDetected, err = inst.securityMeter.Int64Counter(
		"oauth.code.replay_detected",
		metric.WithDescription("Authorization code replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create code.replay_detected: %w", err)
	}

	m.TokenReplayDetected, err = inst.securityMeter.Int64Counter(
		"oauth.token.replay_detected",
		metric.WithDescription("Refresh token replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token.replay_detected: %w", err)
	}

	m.AuditEventsTotal, err = inst.securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Audit events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit.events.total: %w", err)
	}

	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Storage operations executed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.operation.total: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.operation.duration: %w", err)
	}

	m.StorageAccessTokensCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.access_tokens.count",
		metric.WithDescription("Live access token records"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.access_tokens.count: %w", err)
	}

	m.StorageRefreshTokensCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.refresh_tokens.count",
		metric.WithDescription("Live refresh token records"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.refresh_tokens.count: %w", err)
	}

	m.StorageClientsCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Registered clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.clients.count: %w", err)
	}

	m.StorageTransactionsCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.transactions.count",
		metric.WithDescription("Open authorization transactions"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.transactions.count: %w", err)
	}

	m.StorageFamiliesCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.families.count",
		metric.WithDescription("Tracked refresh token families"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage.families.count: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records a new authorization transaction.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID, responseType string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("response_type", responseType),
	))
}

// RecordConsentDecided records a consent approval or denial.
func (m *Metrics) RecordConsentDecided(ctx context.Context, clientID string, approved bool) {
	m.ConsentDecided.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("approved", approved),
	))
}

// RecordCodeExchange records a code redemption.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordImplicitTokenIssued records an implicit grant issuance.
func (m *Metrics) RecordImplicitTokenIssued(ctx context.Context, clientID string) {
	m.ImplicitTokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordPasswordGrant records a password grant attempt.
func (m *Metrics) RecordPasswordGrant(ctx context.Context, clientID string, success bool) {
	m.PasswordGrantUsed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records a rotation.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, generation int) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Int("generation", generation),
	))
}

// RecordTokenRevocation records a revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenValidation records a bearer validation outcome.
func (m *Metrics) RecordTokenValidation(ctx context.Context, valid bool) {
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
	))
}

// RecordRateLimitExceeded records a rejected request per limiter type.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a failed verifier check.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReplayDetected records a replayed authorization code.
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordTokenReplayDetected records a replayed refresh token.
func (m *Metrics) RecordTokenReplayDetected(ctx context.Context) {
	m.TokenReplayDetected.Add(ctx, 1)
}

// RecordAuditEvent records one emitted audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records one storage call.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
