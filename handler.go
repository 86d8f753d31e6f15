package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gallerio/oauth/instrumentation"
	"github.com/gallerio/oauth/security"
	"github.com/gallerio/oauth/server"
	"github.com/gallerio/oauth/storage"
)

const tokenTypeBearer = "Bearer"

// OwnerResolver resolves the authenticated resource owner for a request.
// The embedding application implements it on top of its own session
// mechanism. An empty owner ID with a nil error means "no session".
type OwnerResolver func(r *http.Request) (string, error)

// ConsentRenderer renders the consent UI for a pending authorization
// transaction. When nil, the handler responds with a ConsentPage JSON
// document for the embedder's frontend to present.
type ConsentRenderer func(w http.ResponseWriter, r *http.Request, page *ConsentPage)

// Handler is a thin HTTP adapter over the grant engine. It owns wire
// formats and status codes; all protocol decisions live in the server
// package.
type Handler struct {
	engine *server.Server
	logger *slog.Logger

	// OwnerResolver supplies the authenticated owner for the authorization
	// and consent endpoints. Without it, trusted-client auto-approval and
	// consent approval are unavailable.
	OwnerResolver OwnerResolver

	// ConsentRenderer overrides the default JSON consent document.
	ConsentRenderer ConsentRenderer

	inst    *instrumentation.Instrumentation
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewHandler creates an HTTP handler over the grant engine.
func NewHandler(engine *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// SetInstrumentation attaches request metrics and tracing.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.inst = inst
	h.metrics = inst.Metrics()
	h.tracer = inst.Tracer("http")
}

// RegisterRoutes mounts every endpoint on the mux. Handlers are wrapped
// with request-ID propagation and HTTP metrics.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/oauth/authorize", h.instrument("authorize", h.ServeAuthorization))
	mux.Handle("/oauth/consent", h.instrument("consent", h.ServeConsent))
	mux.Handle("/oauth/token", h.instrument("token", h.ServeToken))
	mux.Handle("/oauth/revoke", h.instrument("revoke", h.ServeTokenRevocation))
	mux.Handle("/oauth/introspect", h.instrument("introspect", h.ServeTokenIntrospection))
	mux.Handle("/.well-known/oauth-authorization-server", h.instrument("metadata", h.ServeAuthorizationServerMetadata))
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) instrument(endpoint string, fn http.HandlerFunc) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status,
				float64(time.Since(start).Milliseconds()))
		}
	})
	return security.RequestIDMiddleware(inner)
}

// ServeAuthorization handles GET /oauth/authorize for the code and implicit
// flows. An approved trusted client is redirected immediately; everyone
// else gets the consent document for a pending transaction.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.engine.Config.Issuer)

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	ownerID, err := h.resolveOwner(r)
	if err != nil {
		h.logger.Error("owner resolution failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "internal error")
		return
	}

	q := r.URL.Query()
	result, err := h.engine.BeginAuthorization(r.Context(), server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		OwnerID:             ownerID,
		ClientIP:            clientIP,
	})
	if err != nil {
		h.deliverAuthorizationError(w, r, err)
		return
	}

	if result.RedirectTo != "" {
		http.Redirect(w, r, result.RedirectTo, http.StatusFound)
		return
	}

	txn := result.Transaction
	page := &ConsentPage{
		TransactionID:  txn.ID,
		ClientID:       txn.ClientID,
		RequestedScope: strings.Fields(txn.Scope),
		ExpiresIn:      int64(time.Until(txn.ExpiresAt).Seconds()),
	}
	if h.ConsentRenderer != nil {
		h.ConsentRenderer(w, r, page)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(page)
}

// ServeConsent handles POST /oauth/consent with the owner's decision on a
// pending transaction. Form fields: transaction_id, decision
// (approve|deny), scope (optional narrowing).
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.engine.Config.Issuer)

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed form body")
		return
	}

	decision := r.PostFormValue("decision")
	if decision != "approve" && decision != "deny" {
		h.writeError(w, ErrorCodeInvalidRequest, "decision must be approve or deny")
		return
	}

	ownerID, err := h.resolveOwner(r)
	if err != nil {
		h.logger.Error("owner resolution failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "internal error")
		return
	}
	if decision == "approve" && ownerID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "no authenticated resource owner")
		return
	}

	redirectTo, err := h.engine.FinishAuthorization(r.Context(), server.ConsentDecision{
		TransactionID: r.PostFormValue("transaction_id"),
		OwnerID:       ownerID,
		Approve:       decision == "approve",
		GrantedScope:  r.PostFormValue("scope"),
		ClientIP:      clientIP,
	})
	if err != nil {
		h.deliverAuthorizationError(w, r, err)
		return
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// deliverAuthorizationError routes an authorization failure: redirect
// errors go back to the client's validated redirect URI, everything else is
// rendered to the user agent.
func (h *Handler) deliverAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	var redirectErr *server.RedirectError
	if errors.As(err, &redirectErr) {
		http.Redirect(w, r, redirectErr.Location(), http.StatusFound)
		return
	}
	h.writeEngineError(w, err)
}

// ServeToken handles POST /oauth/token for the authorization_code,
// refresh_token, and password grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.engine.Config.Issuer)

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed form body")
		return
	}

	grantType := r.PostFormValue("grant_type")
	ctx := r.Context()
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "oauth.token",
			trace.WithAttributes(attribute.String("oauth.grant_type", grantType)))
		defer span.End()
	}

	client, err := h.authenticateClient(ctx, r, clientIP)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	var grant *server.TokenGrant
	switch grantType {
	case "authorization_code":
		grant, err = h.engine.ExchangeAuthorizationCode(ctx, client,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			clientIP)
	case "refresh_token":
		grant, err = h.engine.RefreshAccessToken(ctx, client,
			r.PostFormValue("refresh_token"),
			r.PostFormValue("scope"),
			clientIP)
	case "password":
		username := r.PostFormValue("username")
		if h.checkOwnerRateLimit(w, r, username, clientIP) {
			return
		}
		grant, err = h.engine.PasswordGrant(ctx, client,
			username,
			r.PostFormValue("password"),
			r.PostFormValue("scope"),
			clientIP)
	case "":
		h.writeError(w, ErrorCodeInvalidRequest, "grant_type is required")
		return
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType))
		return
	}
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeTokenResponse(w, grant)
}

// ServeTokenRevocation handles POST /oauth/revoke per RFC 7009. Unknown
// tokens still produce 200; only failed client authentication is an error.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.engine.Config.Issuer)

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed form body")
		return
	}

	client, err := h.authenticateClient(r.Context(), r, clientIP)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required")
		return
	}

	if err := h.engine.RevokeToken(r.Context(), client, token, clientIP); err != nil {
		h.logger.Error("token revocation failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles POST /oauth/introspect per RFC 7662.
// Client authentication is required so the endpoint cannot be used to scan
// for live tokens.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.engine.Config.Issuer)

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed form body")
		return
	}

	if _, err := h.authenticateClient(r.Context(), r, clientIP); err != nil {
		h.writeEngineError(w, err)
		return
	}

	info := h.engine.Introspect(r.Context(), r.PostFormValue("token"))
	resp := IntrospectionResponse{Active: info.Active}
	if info.Active {
		resp.TokenType = info.TokenType
		resp.Scope = info.Scope
		resp.ClientID = info.ClientID
		resp.Sub = info.OwnerID
		resp.Exp = info.ExpiresAt.Unix()
		if !info.IssuedAt.IsZero() {
			resp.Iat = info.IssuedAt.Unix()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeAuthorizationServerMetadata handles the RFC 8414 discovery document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.engine.Config.Issuer)

	cfg := h.engine.Config
	issuer := strings.TrimSuffix(cfg.Issuer, "/")

	grantTypes := []string{"authorization_code", "refresh_token"}
	if cfg.AllowPasswordGrant {
		grantTypes = append(grantTypes, "password")
	}
	responseTypes := []string{"code"}
	if cfg.AllowImplicitGrant {
		responseTypes = append(responseTypes, "token")
	}
	challengeMethods := []string{server.PKCEMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, server.PKCEMethodPlain)
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		IntrospectionEndpoint:             issuer + "/oauth/introspect",
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            responseTypes,
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     challengeMethods,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// authenticateClient authenticates the requesting client from HTTP Basic
// credentials or form body parameters. Public clients present only their
// client_id.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, clientIP string) (*storage.Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	return h.engine.AuthenticateClient(ctx, clientID, clientSecret, clientIP)
}

// writeTokenResponse writes the RFC 6749 token response. Token responses
// must never be cached.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	})
}

// writeEngineError translates an engine error into its HTTP shape. Anything
// that is not a protocol error is an internal failure and stays opaque.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var oauthErr *server.Error
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description)
		return
	}
	h.logger.Error("request failed", "error", err)
	h.writeError(w, ErrorCodeServerError, "internal error")
}

// writeError writes a JSON error body with the status implied by the code.
// 401 responses carry WWW-Authenticate per RFC 6750.
func (h *Handler) writeError(w http.ResponseWriter, code, description string) {
	status := statusForErrorCode(code)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate("", code, description))
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds a Bearer challenge per RFC 6750 section 3.
// Values are escaped following quoted-string rules; backslashes first.
func formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuoted(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, escapeQuoted(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(errorDesc)))
	}
	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.engine.Config.TrustProxy, h.engine.Config.TrustedProxyCount)
}

func (h *Handler) resolveOwner(r *http.Request) (string, error) {
	if h.OwnerResolver == nil {
		return "", nil
	}
	return h.OwnerResolver(r)
}

// checkIPRateLimit reports whether the client IP is over its limit, writing
// the 429 response when it is.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.engine.RateLimiter == nil || h.engine.RateLimiter.Allow(clientIP) {
		return false
	}
	h.logger.Warn("rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	h.recordRateLimitExceeded(r, "ip", clientIP, clientIP)
	h.writeError(w, ErrorCodeRateLimitExceeded, "rate limit exceeded, try again later")
	return true
}

// checkOwnerRateLimit throttles per-owner operations such as password grant
// attempts.
func (h *Handler) checkOwnerRateLimit(w http.ResponseWriter, r *http.Request, ownerID, clientIP string) bool {
	if ownerID == "" || h.engine.OwnerRateLimiter == nil || h.engine.OwnerRateLimiter.Allow(ownerID) {
		return false
	}
	h.logger.Warn("owner rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r, "owner", clientIP, ownerID)
	h.writeError(w, ErrorCodeRateLimitExceeded, "rate limit exceeded, try again later")
	return true
}

func (h *Handler) recordRateLimitExceeded(r *http.Request, limitType, clientIP, identifier string) {
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), limitType)
	}
	if h.engine.Auditor != nil {
		h.engine.Auditor.LogRateLimitExceeded(identifier, clientIP, r.URL.Path)
	}
}
