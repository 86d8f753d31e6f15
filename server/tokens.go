package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gallerio/oauth/internal/util"
	"github.com/gallerio/oauth/security"
	"github.com/gallerio/oauth/storage"
)

// Principal is the authenticated result of validating an access token.
type Principal struct {
	OwnerID   string
	ClientID  string
	Scope     string
	ExpiresAt time.Time
}

// HasScope reports whether the principal's granted scope covers every
// required scope.
func (p *Principal) HasScope(required ...string) bool {
	return scopeSubset(strings.Join(required, " "), p.Scope)
}

// TokenInfo is an introspection result per RFC 7662. Active false means the
// token is unknown, expired, or revoked; nothing further is disclosed.
type TokenInfo struct {
	Active    bool
	TokenType string
	OwnerID   string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// mintAccessToken issues an access token for the grant: a signed JWT when a
// signer is configured, otherwise an opaque stored handle.
func (s *Server) mintAccessToken(ctx context.Context, ownerID, clientID, grantID, scope string) (string, time.Time, error) {
	if s.signer != nil {
		token, tokenID, expiresAt, err := s.signer.Issue(ownerID, clientID, grantID, scope)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
		}
		s.Logger.Debug("signed access token issued",
			"client_id", clientID,
			"token_id", util.SafeTruncate(tokenID, 8))
		return token, expiresAt, nil
	}

	handle, err := generateSecureToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	record := &storage.AccessToken{
		Handle:    handle,
		GrantID:   grantID,
		OwnerID:   ownerID,
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.Config.AccessTokenTTL),
	}
	if err := s.tokens.SaveAccessToken(ctx, record); err != nil {
		return "", time.Time{}, fmt.Errorf("save access token: %w", err)
	}
	return handle, record.ExpiresAt, nil
}

// ValidateAccessToken resolves a bearer token to its principal. Unknown,
// expired, and revoked tokens all collapse into the same invalid_token
// error.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, NewError(ErrorCodeInvalidToken, "missing access token")
	}

	principal, err := s.resolveAccessToken(ctx, raw)
	if s.metrics != nil {
		s.metrics.RecordTokenValidation(ctx, err == nil)
	}
	return principal, err
}

func (s *Server) resolveAccessToken(ctx context.Context, raw string) (*Principal, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if s.signer != nil && looksLikeJWT(raw) {
		claims, err := s.signer.Verify(raw)
		if err != nil {
			return nil, NewError(ErrorCodeInvalidToken, "invalid access token")
		}
		if s.denyList != nil {
			denied, err := s.denyList.IsDenied(sctx, claims.ID)
			if err != nil {
				s.Logger.Error("deny list check failed", "error", err)
				return nil, NewError(ErrorCodeInvalidToken, "invalid access token")
			}
			if denied {
				return nil, NewError(ErrorCodeInvalidToken, "invalid access token")
			}
		}
		return &Principal{
			OwnerID:   claims.Subject,
			ClientID:  claims.ClientID,
			Scope:     claims.Scope,
			ExpiresAt: claims.ExpiresAt.Time,
		}, nil
	}

	record, err := s.tokens.GetAccessToken(sctx, raw)
	if err != nil {
		return nil, NewError(ErrorCodeInvalidToken, "invalid access token")
	}
	if security.IsTokenExpiredWithGracePeriod(record.ExpiresAt, s.Config.ClockSkewGracePeriod) {
		return nil, NewError(ErrorCodeInvalidToken, "invalid access token")
	}
	return &Principal{
		OwnerID:   record.OwnerID,
		ClientID:  record.ClientID,
		Scope:     record.Scope,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// RevokeToken revokes an access or refresh token per RFC 7009. Revoking a
// refresh token kills its whole family and every token of its grant.
// Unknown tokens succeed silently; revocation must not be an oracle.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, token, clientIP string) error {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if refresh, err := s.tokens.GetRefreshToken(sctx, token); err == nil {
		if refresh.ClientID != client.ClientID {
			// Not this client's token; pretend it does not exist.
			return nil
		}
		if err := s.families.RevokeRefreshTokenFamily(sctx, refresh.FamilyID, "client requested revocation"); err != nil {
			return fmt.Errorf("revoke refresh token family: %w", err)
		}
		if _, err := s.revocations.RevokeTokensForGrant(sctx, refresh.GrantID); err != nil {
			s.Logger.Error("failed to revoke grant tokens", "error", err)
		}
		s.auditRevocation(ctx, refresh.OwnerID, client.ClientID, clientIP, "refresh_token")
		return nil
	}

	if access, err := s.tokens.GetAccessToken(sctx, token); err == nil {
		if access.ClientID != client.ClientID {
			return nil
		}
		if err := s.tokens.DeleteAccessToken(sctx, token); err != nil {
			return fmt.Errorf("delete access token: %w", err)
		}
		s.auditRevocation(ctx, access.OwnerID, client.ClientID, clientIP, "access_token")
		return nil
	}

	if s.signer != nil && looksLikeJWT(token) {
		claims, err := s.signer.Verify(token)
		if err != nil || claims.ClientID != client.ClientID {
			return nil
		}
		if s.denyList != nil {
			if err := s.denyList.Deny(sctx, claims.ID, claims.ExpiresAt.Time); err != nil {
				return fmt.Errorf("deny token: %w", err)
			}
		}
		s.auditRevocation(ctx, claims.Subject, client.ClientID, clientIP, "access_token")
		return nil
	}

	// Unknown token: RFC 7009 says the request still succeeds.
	return nil
}

func (s *Server) auditRevocation(ctx context.Context, ownerID, clientID, clientIP, tokenType string) {
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(ownerID, clientID, clientIP, tokenType)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, clientID)
	}
}

// Introspect reports token state per RFC 7662. Anything doubtful is
// inactive.
func (s *Server) Introspect(ctx context.Context, token string) *TokenInfo {
	if token == "" {
		return &TokenInfo{Active: false}
	}

	if principal, err := s.ValidateAccessToken(ctx, token); err == nil {
		return &TokenInfo{
			Active:    true,
			TokenType: "access_token",
			OwnerID:   principal.OwnerID,
			ClientID:  principal.ClientID,
			Scope:     principal.Scope,
			ExpiresAt: principal.ExpiresAt,
		}
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if refresh, err := s.tokens.GetRefreshToken(sctx, token); err == nil &&
		!security.IsTokenExpiredWithGracePeriod(refresh.ExpiresAt, s.Config.ClockSkewGracePeriod) {
		return &TokenInfo{
			Active:    true,
			TokenType: "refresh_token",
			OwnerID:   refresh.OwnerID,
			ClientID:  refresh.ClientID,
			Scope:     refresh.Scope,
			IssuedAt:  refresh.IssuedAt,
			ExpiresAt: refresh.ExpiresAt,
		}
	}

	return &TokenInfo{Active: false}
}

// looksLikeJWT is a cheap structural check: three dot-separated segments.
// Opaque handles are raw base64url and never contain dots.
func looksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}
