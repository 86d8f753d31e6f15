package server

import (
	"context"
	"errors"
	"testing"
	"time"

	identitymock "github.com/gallerio/oauth/identity/mock"
	"github.com/gallerio/oauth/identity/static"
	"github.com/gallerio/oauth/internal/testutil"
	"github.com/gallerio/oauth/storage"
)

// obtainCode runs the full consent flow and returns the authorization code
// issued for the given PKCE challenge.
func obtainCode(t *testing.T, srv *Server, challenge string) string {
	t.Helper()
	req := AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            testutil.TestClientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               testutil.TestScope,
		State:               "abc123",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}
	redirectTo := beginAndApproveAs(t, srv, req, testutil.TestOwnerID)
	params := parseRedirect(t, redirectTo, false)
	code := params.Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", redirectTo)
	}
	return code
}

func wantInvalidGrant(t *testing.T, err error) {
	t.Helper()
	var oauthErr *Error
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("err = %v, want invalid_grant", err)
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)

	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "203.0.113.9")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		t.Fatalf("incomplete grant: %+v", grant)
	}
	if grant.TokenType != "Bearer" {
		t.Errorf("token_type = %q", grant.TokenType)
	}
	if grant.Scope != testutil.TestScope {
		t.Errorf("scope = %q, want %q", grant.Scope, testutil.TestScope)
	}
	if grant.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d", grant.ExpiresIn)
	}

	principal, err := srv.ValidateAccessToken(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if principal.OwnerID != testutil.TestOwnerID {
		t.Errorf("owner = %q, want %q", principal.OwnerID, testutil.TestOwnerID)
	}
	if !principal.HasScope("view_gallery") {
		t.Error("principal lacks the granted scope")
	}
	if principal.HasScope("manage_albums") {
		t.Error("principal has a scope it was never granted")
	}
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)

	_, challenge := testutil.GeneratePKCEPair()
	otherVerifier, _ := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), client, code, testutil.TestRedirectURI, otherVerifier, "")
	wantInvalidGrant(t, err)
}

func TestExchangeRejectsMismatchedRedirectURI(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), client, code, "http://photoprint:3000/other", verifier, "")
	wantInvalidGrant(t, err)
}

func TestExchangeRejectsWrongClient(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, testutil.NewConfidentialClient())
	other := testutil.NewPublicClient()
	other.GrantTypes = []string{"authorization_code"}
	seedClient(t, store, other)

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), other, code, testutil.TestRedirectURI, verifier, "")
	wantInvalidGrant(t, err)
}

func TestExchangeRejectsUnknownCode(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), client, "no-such-code", testutil.TestRedirectURI, "", "")
	wantInvalidGrant(t, err)
}

func TestCodeReplayRevokesGrantTokens(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)

	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err != nil {
		t.Fatalf("token dead before replay: %v", err)
	}

	// Replaying the code must fail and take the issued tokens with it.
	_, err = srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	wantInvalidGrant(t, err)

	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err == nil {
		t.Error("access token survived a code replay")
	}
	if _, err := srv.RefreshAccessToken(ctx, client, grant.RefreshToken, "", ""); err == nil {
		t.Error("refresh token survived a code replay")
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)
	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	r1 := grant.RefreshToken

	rotated, err := srv.RefreshAccessToken(ctx, client, r1, "", "")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	r2 := rotated.RefreshToken
	if r2 == "" || r2 == r1 {
		t.Fatalf("rotation did not mint a new handle: %q -> %q", r1, r2)
	}
	if rotated.AccessToken == "" || rotated.AccessToken == grant.AccessToken {
		t.Error("rotation did not mint a fresh access token")
	}

	// r2 works.
	if _, err := srv.RefreshAccessToken(ctx, client, r2, "", ""); err != nil {
		t.Fatalf("refresh with rotated handle: %v", err)
	}
}

func TestRefreshTokenReplayRevokesFamily(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)
	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	r1 := grant.RefreshToken

	rotated, err := srv.RefreshAccessToken(ctx, client, r1, "", "")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	r2 := rotated.RefreshToken

	// Presenting the retired r1 again is theft. The whole family dies.
	_, err = srv.RefreshAccessToken(ctx, client, r1, "", "")
	wantInvalidGrant(t, err)

	_, err = srv.RefreshAccessToken(ctx, client, r2, "", "")
	wantInvalidGrant(t, err)

	// Access tokens for the owner/client pair are gone too.
	if _, err := srv.ValidateAccessToken(ctx, rotated.AccessToken); err == nil {
		t.Error("access token survived a refresh replay")
	}
	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err == nil {
		t.Error("original access token survived a refresh replay")
	}
}

func TestRefreshCrossClientUseRevokesFamily(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	other := testutil.NewPublicClient()
	seedClient(t, store, other)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)
	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	_, err = srv.RefreshAccessToken(ctx, other, grant.RefreshToken, "", "")
	wantInvalidGrant(t, err)

	// The legitimate client can no longer use the handle either.
	_, err = srv.RefreshAccessToken(ctx, client, grant.RefreshToken, "", "")
	wantInvalidGrant(t, err)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	req := AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            testutil.TestClientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               "view_gallery download_photo",
		State:               "abc123",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}
	redirectTo := beginAndApproveAs(t, srv, req, testutil.TestOwnerID)
	code := parseRedirect(t, redirectTo, false).Get("code")

	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	narrowed, err := srv.RefreshAccessToken(ctx, client, grant.RefreshToken, "view_gallery", "")
	if err != nil {
		t.Fatalf("narrowing refresh: %v", err)
	}
	if narrowed.Scope != "view_gallery" {
		t.Errorf("scope = %q, want view_gallery", narrowed.Scope)
	}

	// Widening past the original grant is rejected.
	_, err = srv.RefreshAccessToken(ctx, client, narrowed.RefreshToken, "view_gallery manage_albums", "")
	if err == nil {
		t.Error("scope widening on refresh accepted")
	}
}

func TestRefreshWithRotationDisabled(t *testing.T) {
	srv, store := newTestServer(t, func(c *Config) {
		c.RequirePKCE = true
		c.AllowRefreshTokenRotation = false
		c.AllowPasswordGrant = true // suppress the fresh-config heuristic
	})
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)
	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	refreshed, err := srv.RefreshAccessToken(ctx, client, grant.RefreshToken, "", "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken != grant.RefreshToken {
		t.Errorf("handle rotated despite rotation being disabled")
	}

	// The same handle keeps working.
	if _, err := srv.RefreshAccessToken(ctx, client, grant.RefreshToken, "", ""); err != nil {
		t.Errorf("second refresh with stable handle: %v", err)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	token := testutil.NewRefreshToken()
	token.ExpiresAt = time.Now().Add(-time.Hour)
	if err := store.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken: %v", err)
	}

	_, err := srv.RefreshAccessToken(ctx, client, token.Handle, "", "")
	wantInvalidGrant(t, err)
}

func TestPasswordGrant(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)

	verifier := static.New()
	if err := verifier.AddUser("ana", "correct horse", testutil.TestOwnerID); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	srv.SetIdentityVerifier(verifier)
	srv.Config.AllowPasswordGrant = true
	ctx := context.Background()

	grant, err := srv.PasswordGrant(ctx, client, "ana", "correct horse", testutil.TestScope, "")
	if err != nil {
		t.Fatalf("PasswordGrant: %v", err)
	}
	principal, err := srv.ValidateAccessToken(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if principal.OwnerID != testutil.TestOwnerID {
		t.Errorf("owner = %q", principal.OwnerID)
	}
	if grant.RefreshToken == "" {
		t.Error("password grant should issue a refresh token for a refresh-capable client")
	}

	_, err = srv.PasswordGrant(ctx, client, "ana", "wrong", testutil.TestScope, "")
	wantInvalidGrant(t, err)
}

func TestPasswordGrantDisabledByDefault(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	srv.SetIdentityVerifier(identitymock.New())

	_, err := srv.PasswordGrant(context.Background(), client, "ana", "pw", "", "")
	var oauthErr *Error
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeUnsupportedGrantType {
		t.Fatalf("err = %v, want unsupported_grant_type", err)
	}
}

func TestPasswordGrantRejectsUntrustedPublicClient(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewPublicClient()
	client.GrantTypes = append(client.GrantTypes, "password")
	seedClient(t, store, client)
	srv.Config.AllowPasswordGrant = true

	mock := identitymock.New()
	srv.SetIdentityVerifier(mock)

	_, err := srv.PasswordGrant(context.Background(), client, "ana", "pw", "", "")
	var oauthErr *Error
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeUnauthorizedClient {
		t.Fatalf("err = %v, want unauthorized_client", err)
	}
	if mock.CallCount() != 0 {
		t.Error("credentials were checked for an ineligible client")
	}
}

func TestGrantRejectsClientWithoutGrantType(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	client.GrantTypes = []string{"refresh_token"}
	seedClient(t, store, client)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), client, "code", testutil.TestRedirectURI, "", "")
	var oauthErr *Error
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeUnauthorizedClient {
		t.Fatalf("err = %v, want unauthorized_client", err)
	}
}

func TestExchangeMarksTransactionExchanged(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	verifier, challenge := testutil.GeneratePKCEPair()
	result, err := srv.BeginAuthorization(ctx, AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            testutil.TestClientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               testutil.TestScope,
		State:               "abc123",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	redirectTo, err := srv.FinishAuthorization(ctx, ConsentDecision{
		TransactionID: result.Transaction.ID,
		OwnerID:       testutil.TestOwnerID,
		Approve:       true,
	})
	if err != nil {
		t.Fatalf("FinishAuthorization: %v", err)
	}
	code := parseRedirect(t, redirectTo, false).Get("code")

	if _, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, ""); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	txn, err := store.GetTransaction(ctx, result.Transaction.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if txn.Status != storage.TransactionExchanged {
		t.Errorf("transaction status = %q, want %q", txn.Status, storage.TransactionExchanged)
	}
}
