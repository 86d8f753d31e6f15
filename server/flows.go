package server

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gallerio/oauth/internal/util"
	"github.com/gallerio/oauth/security"
	"github.com/gallerio/oauth/storage"
)

// Supported response types.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// AuthorizationRequest carries the parsed parameters of an authorization
// request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// OwnerID identifies the authenticated resource owner, when the
	// embedding application has already established a session. Trusted
	// clients with a known owner skip the consent step.
	OwnerID string

	ClientIP string
}

// AuthorizationResult is the outcome of BeginAuthorization: either a
// completed redirect (trusted client auto-approval) or a pending
// transaction awaiting the consent decision.
type AuthorizationResult struct {
	RedirectTo  string
	Transaction *storage.AuthorizationTransaction
}

// BeginAuthorization validates an authorization request and opens a
// transaction. Failures before the redirect URI is validated are returned
// as *Error and must be rendered to the user agent; failures after it come
// back as *RedirectError and are delivered to the client's redirect URI.
func (s *Server) BeginAuthorization(ctx context.Context, req AuthorizationRequest) (*AuthorizationResult, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	// Client and redirect URI first: until both check out, nothing may be
	// redirected.
	client, err := s.clients.GetClient(sctx, req.ClientID)
	if err != nil {
		s.auditClientAuthFailure(req.ClientID, req.ClientIP, "unknown_client")
		return nil, NewError(ErrorCodeInvalidRequest, "unknown client")
	}
	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		s.auditClientAuthFailure(req.ClientID, req.ClientIP, "invalid_redirect_uri")
		return nil, NewError(ErrorCodeInvalidRequest, err.Error())
	}

	redirectErr := func(code, description string) error {
		return &RedirectError{
			Err:         NewError(code, description),
			RedirectURI: req.RedirectURI,
			State:       req.State,
			Fragment:    req.ResponseType == ResponseTypeToken,
		}
	}

	switch req.ResponseType {
	case ResponseTypeCode:
	case ResponseTypeToken:
		if !s.Config.AllowImplicitGrant {
			return nil, redirectErr(ErrorCodeUnsupportedResponseType, "the implicit grant is disabled")
		}
	default:
		return nil, redirectErr(ErrorCodeUnsupportedResponseType, "unsupported response_type")
	}
	if !client.AllowsResponseType(req.ResponseType) {
		return nil, redirectErr(ErrorCodeUnauthorizedClient, "client is not allowed this response_type")
	}

	if err := s.validateStateParameter(req.State); err != nil {
		return nil, redirectErr(ErrorCodeInvalidRequest, err.Error())
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, redirectErr(ErrorCodeInvalidScope, err.Error())
	}
	if !client.AllowsScope(req.Scope) {
		// Generic on purpose: naming the offending scope lets a client
		// enumerate what others are allowed.
		return nil, redirectErr(ErrorCodeInvalidScope, "client is not authorized for one or more requested scopes")
	}

	if req.ResponseType == ResponseTypeCode {
		if s.Config.RequirePKCE && req.CodeChallenge == "" {
			return nil, redirectErr(ErrorCodeInvalidRequest, "PKCE is required: code_challenge is missing")
		}
		if req.CodeChallenge != "" {
			if err := s.validateChallengeMethod(req.CodeChallengeMethod); err != nil {
				return nil, redirectErr(ErrorCodeInvalidRequest, err.Error())
			}
		}
	}

	txnID, err := generateSecureToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	txn := &storage.AuthorizationTransaction{
		ID:                  txnID,
		State:               req.State,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Status:              storage.TransactionRequested,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.TransactionTTL),
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationStarted,
			OwnerID:  req.OwnerID,
			ClientID: client.ClientID,
			IP:       req.ClientIP,
			Details: map[string]any{
				"response_type":         req.ResponseType,
				"scope":                 req.Scope,
				"code_challenge_method": req.CodeChallengeMethod,
			},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, client.ClientID, req.ResponseType)
	}

	// Trusted first-party clients with an authenticated owner skip consent.
	if client.Trusted && req.OwnerID != "" {
		txn.Status = storage.TransactionApproved
		txn.OwnerID = req.OwnerID
		txn.GrantedScope = req.Scope
		redirectTo, err := s.completeApprovedTransaction(sctx, txn, client, req.ClientIP)
		if err != nil {
			return nil, err
		}
		return &AuthorizationResult{RedirectTo: redirectTo}, nil
	}

	txn.Status = storage.TransactionAwaitingConsent
	if err := s.flows.SaveTransaction(sctx, txn); err != nil {
		return nil, fmt.Errorf("save authorization transaction: %w", err)
	}
	return &AuthorizationResult{Transaction: txn}, nil
}

// ConsentDecision carries the owner's decision on a pending transaction.
type ConsentDecision struct {
	TransactionID string
	OwnerID       string
	Approve       bool

	// GrantedScope optionally narrows the requested scope. Empty grants
	// the full requested scope.
	GrantedScope string

	ClientIP string
}

// FinishAuthorization applies a consent decision and returns the redirect
// URL that delivers the outcome to the client.
func (s *Server) FinishAuthorization(ctx context.Context, decision ConsentDecision) (string, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	txn, err := s.flows.GetTransaction(sctx, decision.TransactionID)
	if err != nil {
		return "", NewError(ErrorCodeInvalidRequest, "unknown or expired authorization transaction")
	}

	if time.Now().After(txn.ExpiresAt) {
		if txn.Status.CanTransitionTo(storage.TransactionExpired) {
			txn.Status = storage.TransactionExpired
			_ = s.flows.SaveTransaction(sctx, txn)
		}
		return "", NewError(ErrorCodeInvalidRequest, "authorization transaction expired")
	}
	if txn.Status != storage.TransactionAwaitingConsent {
		return "", NewError(ErrorCodeInvalidRequest, "authorization transaction is not awaiting consent")
	}

	client, err := s.clients.GetClient(sctx, txn.ClientID)
	if err != nil {
		return "", NewError(ErrorCodeInvalidRequest, "unknown client")
	}

	if !decision.Approve {
		txn.Status = storage.TransactionDenied
		_ = s.flows.SaveTransaction(sctx, txn)

		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventConsentDenied,
				OwnerID:  decision.OwnerID,
				ClientID: txn.ClientID,
				IP:       decision.ClientIP,
			})
		}
		if s.metrics != nil {
			s.metrics.RecordConsentDecided(ctx, txn.ClientID, false)
		}

		denied := &RedirectError{
			Err:         NewError(ErrorCodeAccessDenied, "the resource owner denied the request"),
			RedirectURI: txn.RedirectURI,
			State:       txn.State,
			Fragment:    txn.ResponseType == ResponseTypeToken,
		}
		return denied.Location(), nil
	}

	if decision.OwnerID == "" {
		return "", NewError(ErrorCodeInvalidRequest, "an authenticated resource owner is required to approve")
	}

	grantedScope := decision.GrantedScope
	if grantedScope == "" {
		grantedScope = txn.Scope
	}
	if !scopeSubset(grantedScope, txn.Scope) {
		return "", NewError(ErrorCodeInvalidScope, "granted scope exceeds the requested scope")
	}

	txn.Status = storage.TransactionApproved
	txn.OwnerID = decision.OwnerID
	txn.GrantedScope = grantedScope

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventConsentGranted,
			OwnerID:  decision.OwnerID,
			ClientID: txn.ClientID,
			IP:       decision.ClientIP,
			Details:  map[string]any{"granted_scope": grantedScope},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordConsentDecided(ctx, txn.ClientID, true)
	}

	return s.completeApprovedTransaction(sctx, txn, client, decision.ClientIP)
}

// completeApprovedTransaction issues the code (code flow) or the token
// (implicit flow) for an approved transaction and builds the redirect.
func (s *Server) completeApprovedTransaction(ctx context.Context, txn *storage.AuthorizationTransaction, client *storage.Client, clientIP string) (string, error) {
	if txn.ResponseType == ResponseTypeToken {
		return s.completeImplicitGrant(ctx, txn, client, clientIP)
	}

	code, err := generateSecureToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := &storage.AuthorizationCode{
		Code:                code,
		GrantID:             txn.ID,
		ClientID:            client.ClientID,
		OwnerID:             txn.OwnerID,
		RedirectURI:         txn.RedirectURI,
		Scope:               txn.GrantedScope,
		CodeChallenge:       txn.CodeChallenge,
		CodeChallengeMethod: txn.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.flows.SaveAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("save authorization code: %w", err)
	}

	txn.Status = storage.TransactionCodeIssued
	if err := s.flows.SaveTransaction(ctx, txn); err != nil {
		s.Logger.Warn("failed to persist transaction status", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			OwnerID:  txn.OwnerID,
			ClientID: client.ClientID,
			IP:       clientIP,
			Details:  map[string]any{"scope": txn.GrantedScope},
		})
	}
	s.Logger.Debug("authorization code issued",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code, 8))

	params := url.Values{}
	params.Set("code", code)
	params.Set("state", txn.State)
	if txn.GrantedScope != txn.Scope {
		params.Set("scope", txn.GrantedScope)
	}
	return appendParams(txn.RedirectURI, params, false), nil
}

// completeImplicitGrant mints an access token and delivers it in the URI
// fragment. No refresh token is ever issued through the implicit grant.
func (s *Server) completeImplicitGrant(ctx context.Context, txn *storage.AuthorizationTransaction, client *storage.Client, clientIP string) (string, error) {
	handle, expiresAt, err := s.mintAccessToken(ctx, txn.OwnerID, client.ClientID, txn.ID, txn.GrantedScope)
	if err != nil {
		return "", err
	}

	txn.Status = storage.TransactionExchanged
	if err := s.flows.SaveTransaction(ctx, txn); err != nil {
		s.Logger.Warn("failed to persist transaction status", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(txn.OwnerID, client.ClientID, clientIP, "implicit", txn.GrantedScope)
	}
	if s.metrics != nil {
		s.metrics.RecordImplicitTokenIssued(ctx, client.ClientID)
	}

	params := url.Values{}
	params.Set("access_token", handle)
	params.Set("token_type", "Bearer")
	params.Set("expires_in", strconv.FormatInt(int64(time.Until(expiresAt).Seconds()), 10))
	params.Set("state", txn.State)
	if txn.GrantedScope != txn.Scope {
		params.Set("scope", txn.GrantedScope)
	}
	return appendParams(txn.RedirectURI, params, true), nil
}
