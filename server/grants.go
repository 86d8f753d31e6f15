package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gallerio/oauth/internal/util"
	"github.com/gallerio/oauth/security"
	"github.com/gallerio/oauth/storage"
)

// TokenGrant is the result of a successful token endpoint grant.
type TokenGrant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// ExchangeAuthorizationCode redeems an authorization code. The client must
// already be authenticated. Consumption is atomic: a code redeemed twice
// triggers revocation of every token derived from its grant, and the caller
// only ever sees a generic invalid_grant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier, clientIP string) (*TokenGrant, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if !client.AllowsGrantType("authorization_code") {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not allowed the authorization_code grant")
	}

	record, err := s.flows.AtomicCheckAndMarkAuthCodeUsed(sctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && record != nil {
			s.handleCodeReplay(ctx, sctx, record, client.ClientID, clientIP)
			return nil, errInvalidGrant()
		}

		s.Logger.Debug("authorization code redemption failed",
			"reason", err.Error(),
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(security.EventClientAuthFailure, client.ClientID, clientIP, "invalid_authorization_code")
		}
		return nil, errInvalidGrant()
	}

	// The code is burnt from here on; every failure below wastes it, which
	// is exactly what single-use means.

	if record.ClientID != client.ClientID {
		s.Logger.Debug("authorization code bound to a different client",
			"expected", record.ClientID,
			"presented", client.ClientID,
			"code_prefix", util.SafeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(security.EventClientAuthFailure, client.ClientID, clientIP, "client_binding_mismatch")
		}
		return nil, errInvalidGrant()
	}

	if record.RedirectURI != redirectURI {
		s.Logger.Debug("redirect_uri does not match the authorization request",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(security.EventClientAuthFailure, client.ClientID, clientIP, "redirect_uri_mismatch")
		}
		return nil, errInvalidGrant()
	}

	if time.Now().After(record.ExpiresAt) {
		return nil, errInvalidGrant()
	}

	if err := s.validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				OwnerID:  record.OwnerID,
				ClientID: client.ClientID,
				IP:       clientIP,
				Details:  map[string]any{"reason": err.Error()},
			})
		}
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
		}
		return nil, errInvalidGrant()
	}

	grant, err := s.issueTokens(sctx, record.OwnerID, client, record.GrantID, record.Scope, "")
	if err != nil {
		return nil, err
	}

	// Best effort: the transaction shares its ID with the grant.
	if txn, txnErr := s.flows.GetTransaction(sctx, record.GrantID); txnErr == nil &&
		txn.Status.CanTransitionTo(storage.TransactionExchanged) {
		txn.Status = storage.TransactionExchanged
		_ = s.flows.SaveTransaction(sctx, txn)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(record.OwnerID, client.ClientID, clientIP, "authorization_code", record.Scope)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, record.CodeChallengeMethod)
	}
	return grant, nil
}

// handleCodeReplay runs the replay-defense cascade for a reused
// authorization code: everything derived from the code's grant is revoked.
func (s *Server) handleCodeReplay(ctx, sctx context.Context, record *storage.AuthorizationCode, clientID, clientIP string) {
	if s.allowSecurityEventLog(record.OwnerID + ":" + clientID) {
		s.Logger.Error("authorization code replay detected, revoking the grant's tokens",
			"client_id", clientID,
			"grant_prefix", util.SafeTruncate(record.GrantID, 8))
	}

	revoked, err := s.revocations.RevokeTokensForGrant(sctx, record.GrantID)
	if err != nil {
		s.Logger.Error("failed to revoke tokens after code replay", "error", err)
	}
	_ = s.flows.DeleteAuthorizationCode(sctx, record.Code)

	if s.Auditor != nil {
		s.Auditor.LogReplayDetected(security.EventAuthorizationCodeReplay, record.OwnerID, clientID, clientIP, revoked)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeReplayDetected(ctx)
	}
}

// PasswordGrant implements the resource-owner password grant for
// confidential or trusted clients. Credential verification is delegated to
// the identity verifier; failures never say whether the username or the
// password was wrong.
func (s *Server) PasswordGrant(ctx context.Context, client *storage.Client, username, password, scope, clientIP string) (*TokenGrant, error) {
	if !s.Config.AllowPasswordGrant {
		return nil, NewError(ErrorCodeUnsupportedGrantType, "the password grant is disabled")
	}
	if !client.AllowsGrantType("password") {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not allowed the password grant")
	}
	if client.IsPublic() && !client.Trusted {
		return nil, NewError(ErrorCodeUnauthorizedClient, "the password grant requires a confidential or trusted client")
	}
	if s.identity == nil {
		s.Logger.Error("password grant attempted without an identity verifier configured")
		return nil, NewError(ErrorCodeServerError, "password grant is not available")
	}

	if err := s.validateScopes(scope); err != nil {
		return nil, NewError(ErrorCodeInvalidScope, err.Error())
	}
	if !client.AllowsScope(scope) {
		return nil, NewError(ErrorCodeInvalidScope, "client is not authorized for one or more requested scopes")
	}

	ownerID, err := s.identity.VerifyCredentials(ctx, username, password)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(security.EventOwnerAuthFailure, client.ClientID, clientIP, "invalid_owner_credentials")
		}
		if s.metrics != nil {
			s.metrics.RecordPasswordGrant(ctx, client.ClientID, false)
		}
		return nil, errInvalidGrant()
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	grant, err := s.issueTokens(sctx, ownerID, client, uuid.NewString(), scope, "")
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(ownerID, client.ClientID, clientIP, "password", scope)
	}
	if s.metrics != nil {
		s.metrics.RecordPasswordGrant(ctx, client.ClientID, true)
	}
	return grant, nil
}

// RefreshAccessToken redeems a refresh token, rotating it within its
// family. A miss on a handle whose family is still known means the handle
// was already rotated away: that is a replay, and the whole family plus
// every token the client holds for that owner is revoked.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, requestedScope, clientIP string) (*TokenGrant, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if !client.AllowsGrantType("refresh_token") {
		return nil, NewError(ErrorCodeUnauthorizedClient, "client is not allowed the refresh_token grant")
	}

	token, err := s.tokens.AtomicGetAndDeleteRefreshToken(sctx, refreshToken)
	if err != nil {
		return nil, s.handleRefreshMiss(ctx, sctx, refreshToken, client.ClientID, clientIP, err)
	}

	// Exactly one concurrent redemption reaches this point.

	if token.ClientID != client.ClientID {
		// The handle leaked across clients; treat it like theft.
		s.Logger.Error("refresh token presented by a different client, revoking family",
			"expected", token.ClientID,
			"presented", client.ClientID,
			"family_prefix", util.SafeTruncate(token.FamilyID, 8))
		if err := s.families.RevokeRefreshTokenFamily(sctx, token.FamilyID, "cross-client use"); err != nil {
			s.Logger.Error("failed to revoke family", "error", err)
		}
		if s.Auditor != nil {
			s.Auditor.LogReplayDetected(security.EventRefreshTokenReplay, token.OwnerID, client.ClientID, clientIP, 0)
		}
		return nil, errInvalidGrant()
	}

	if time.Now().After(token.ExpiresAt.Add(s.Config.ClockSkewGracePeriod)) {
		return nil, errInvalidGrant()
	}

	scope := requestedScope
	if scope == "" {
		scope = token.Scope
	} else if !scopeSubset(scope, token.Scope) {
		return nil, NewError(ErrorCodeInvalidScope, "requested scope exceeds the original grant")
	}

	if !s.Config.AllowRefreshTokenRotation {
		// Rotation disabled: put the handle back and mint a fresh access
		// token only.
		if err := s.tokens.SaveRefreshToken(sctx, token); err != nil {
			return nil, fmt.Errorf("restore refresh token: %w", err)
		}
		handle, expiresAt, err := s.mintAccessToken(sctx, token.OwnerID, client.ClientID, token.GrantID, scope)
		if err != nil {
			return nil, err
		}
		return &TokenGrant{
			AccessToken:  handle,
			TokenType:    "Bearer",
			ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
			RefreshToken: refreshToken,
			Scope:        scope,
		}, nil
	}

	grant, err := s.rotateRefreshToken(sctx, client, token, scope)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(token.OwnerID, client.ClientID, clientIP, token.Generation+1)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID, token.Generation+1)
	}
	return grant, nil
}

// handleRefreshMiss classifies a failed refresh token lookup: replay of a
// rotated handle, replay against an already-revoked family, or a plain
// unknown token.
func (s *Server) handleRefreshMiss(ctx, sctx context.Context, refreshToken, clientID, clientIP string, lookupErr error) error {
	family, famErr := s.families.FindFamilyByHandle(sctx, refreshToken)
	if famErr != nil {
		s.Logger.Debug("refresh token redemption failed",
			"reason", lookupErr.Error(),
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(refreshToken, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(security.EventClientAuthFailure, clientID, clientIP, "invalid_refresh_token")
		}
		return errInvalidGrant()
	}

	if family.Revoked {
		if s.allowSecurityEventLog(family.OwnerID + ":" + clientID) {
			s.Logger.Error("replay against an already-revoked refresh token family",
				"client_id", clientID,
				"family_prefix", util.SafeTruncate(family.FamilyID, 8),
				"revoke_reason", family.RevokeReason)
		}
		if s.Auditor != nil {
			s.Auditor.LogReplayDetected(security.EventRevokedFamilyReplay, family.OwnerID, clientID, clientIP, 0)
		}
		return errInvalidGrant()
	}

	// Live family, dead handle: the token was rotated away and is now being
	// replayed. Kill the family and everything the client holds for this
	// owner.
	if s.allowSecurityEventLog(family.OwnerID + ":" + clientID) {
		s.Logger.Error("refresh token replay detected, revoking token family",
			"client_id", clientID,
			"family_prefix", util.SafeTruncate(family.FamilyID, 8),
			"generation", family.Generation)
	}

	if err := s.families.RevokeRefreshTokenFamily(sctx, family.FamilyID, "refresh token replay"); err != nil {
		s.Logger.Error("failed to revoke token family", "error", err)
	}
	revoked, err := s.revocations.RevokeTokensForOwnerClient(sctx, family.OwnerID, family.ClientID)
	if err != nil {
		s.Logger.Error("failed to revoke owner's tokens after replay", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogReplayDetected(security.EventRefreshTokenReplay, family.OwnerID, clientID, clientIP, revoked)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenReplayDetected(ctx)
	}
	return errInvalidGrant()
}

// rotateRefreshToken mints the next generation of a consumed refresh token
// and a fresh access token. The old handle is already deleted; once the new
// one is saved the family's latest handle moves forward.
func (s *Server) rotateRefreshToken(ctx context.Context, client *storage.Client, consumed *storage.RefreshToken, scope string) (*TokenGrant, error) {
	newHandle, err := generateSecureToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rotated := &storage.RefreshToken{
		Handle:      newHandle,
		GrantID:     consumed.GrantID,
		OwnerID:     consumed.OwnerID,
		ClientID:    consumed.ClientID,
		Scope:       scope,
		FamilyID:    consumed.FamilyID,
		Generation:  consumed.Generation + 1,
		RotatedFrom: consumed.Handle,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.RefreshTokenTTL),
	}
	if err := s.tokens.SaveRefreshToken(ctx, rotated); err != nil {
		return nil, fmt.Errorf("save rotated refresh token: %w", err)
	}

	family, err := s.families.GetRefreshTokenFamily(ctx, consumed.FamilyID)
	if err == nil {
		family.LatestHandle = newHandle
		family.Generation = rotated.Generation
		if err := s.families.SaveRefreshTokenFamily(ctx, family); err != nil {
			s.Logger.Warn("failed to advance refresh token family", "error", err)
		}
	} else {
		s.Logger.Warn("refresh token family missing during rotation",
			"family_prefix", util.SafeTruncate(consumed.FamilyID, 8),
			"error", err)
	}

	accessHandle, expiresAt, err := s.mintAccessToken(ctx, consumed.OwnerID, client.ClientID, consumed.GrantID, scope)
	if err != nil {
		return nil, err
	}

	s.Logger.Debug("refresh token rotated",
		"client_id", client.ClientID,
		"generation", rotated.Generation,
		"family_prefix", util.SafeTruncate(consumed.FamilyID, 8))

	return &TokenGrant{
		AccessToken:  accessHandle,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
		RefreshToken: newHandle,
		Scope:        scope,
	}, nil
}

// issueTokens mints the access token, and a refresh token opening a new
// family when the client is allowed the refresh_token grant. familyID is
// normally empty; passing one reuses an existing family.
func (s *Server) issueTokens(ctx context.Context, ownerID string, client *storage.Client, grantID, scope, familyID string) (*TokenGrant, error) {
	accessHandle, expiresAt, err := s.mintAccessToken(ctx, ownerID, client.ClientID, grantID, scope)
	if err != nil {
		return nil, err
	}

	grant := &TokenGrant{
		AccessToken: accessHandle,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
		Scope:       scope,
	}

	if !client.AllowsGrantType("refresh_token") {
		return grant, nil
	}

	refreshHandle, err := generateSecureToken()
	if err != nil {
		return nil, err
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}

	now := time.Now()
	refresh := &storage.RefreshToken{
		Handle:     refreshHandle,
		GrantID:    grantID,
		OwnerID:    ownerID,
		ClientID:   client.ClientID,
		Scope:      scope,
		FamilyID:   familyID,
		Generation: 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.Config.RefreshTokenTTL),
	}
	family := &storage.RefreshTokenFamily{
		FamilyID:     familyID,
		GrantID:      grantID,
		OwnerID:      ownerID,
		ClientID:     client.ClientID,
		LatestHandle: refreshHandle,
		Generation:   1,
		CreatedAt:    now,
	}

	if err := s.families.SaveRefreshTokenFamily(ctx, family); err != nil {
		return nil, fmt.Errorf("save refresh token family: %w", err)
	}
	if err := s.tokens.SaveRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	grant.RefreshToken = refreshHandle
	return grant, nil
}
