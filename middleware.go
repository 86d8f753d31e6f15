package oauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gallerio/oauth/server"
)

type contextKey string

const principalContextKey contextKey = "oauth_principal"

// ContextWithPrincipal attaches a validated principal to the context.
func ContextWithPrincipal(ctx context.Context, p *server.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns the principal set by ValidateToken.
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*server.Principal)
	return p, ok
}

// ValidateToken is bearer-token middleware per RFC 6750. The wrapped
// handler only runs for a live token carrying every required scope; the
// principal is available downstream via PrincipalFromContext.
//
// Missing or invalid tokens produce 401 with a WWW-Authenticate challenge;
// a valid token lacking a required scope produces 403 insufficient_scope.
func (h *Handler) ValidateToken(next http.Handler, requiredScopes ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		raw, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		principal, err := h.engine.ValidateAccessToken(r.Context(), raw)
		if err != nil {
			h.logger.Debug("token validation failed", "ip", clientIP, "error", err)
			h.writeError(w, ErrorCodeInvalidToken, "token validation failed")
			return
		}

		if len(requiredScopes) > 0 && !principal.HasScope(requiredScopes...) {
			h.writeInsufficientScopeError(w, requiredScopes)
			return
		}

		if h.checkOwnerRateLimit(w, r, principal.OwnerID, clientIP) {
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// extractBearerToken pulls the token out of the Authorization header,
// writing the 401 challenge when it is missing or malformed.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, ErrorCodeInvalidToken, "missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeError(w, ErrorCodeInvalidToken, "malformed Authorization header")
		return "", false
	}
	return parts[1], true
}

// writeInsufficientScopeError writes the 403 scope challenge per RFC 6750
// section 3.1, naming the scopes the resource requires.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string) {
	scope := strings.Join(requiredScopes, " ")
	w.Header().Set("WWW-Authenticate",
		formatWWWAuthenticate(scope, ErrorCodeInsufficientScope, "token lacks a required scope"))
	h.writeError(w, ErrorCodeInsufficientScope, "token lacks a required scope")
}
