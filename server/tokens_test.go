package server

import (
	"context"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/gallerio/oauth/internal/testutil"
	"github.com/gallerio/oauth/tokens"
)

func newTestSigner(t *testing.T, key *rsa.PrivateKey) *tokens.Signer {
	t.Helper()
	signer, err := tokens.NewSigner("https://auth.gallerio.test", key, time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer
}

func TestValidateOpaqueAccessToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	token := testutil.NewAccessToken()
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	principal, err := srv.ValidateAccessToken(ctx, token.Handle)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if principal.OwnerID != token.OwnerID || principal.ClientID != token.ClientID {
		t.Errorf("principal = %+v", principal)
	}
	if !principal.HasScope("view_gallery") {
		t.Error("principal lacks the token's scope")
	}
}

func TestValidateAccessTokenFailures(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	expired := testutil.NewAccessToken()
	expired.Handle = "expired-handle"
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAccessToken(ctx, expired); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	for _, raw := range []string{"", "no-such-token", expired.Handle} {
		if _, err := srv.ValidateAccessToken(ctx, raw); err == nil {
			t.Errorf("token %q validated", raw)
		}
	}
}

func TestValidateAccessTokenGracePeriod(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	// Expired two seconds ago: still inside the five second skew allowance.
	token := testutil.NewAccessToken()
	token.ExpiresAt = time.Now().Add(-2 * time.Second)
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	if _, err := srv.ValidateAccessToken(ctx, token.Handle); err != nil {
		t.Errorf("token inside the grace period rejected: %v", err)
	}
}

func TestJWTAccessTokens(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	ctx := context.Background()

	key := testutil.GenerateRSAKey(t)
	if err := srv.SetSigner(newTestSigner(t, key)); err != nil {
		t.Fatalf("SetSigner: %v", err)
	}

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCode(t, srv, challenge)
	grant, err := srv.ExchangeAuthorizationCode(ctx, client, code, testutil.TestRedirectURI, verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !looksLikeJWT(grant.AccessToken) {
		t.Fatalf("expected a JWT access token, got %q", grant.AccessToken)
	}
	if strings.Count(grant.RefreshToken, ".") != 0 {
		t.Error("refresh tokens must stay opaque handles")
	}

	principal, err := srv.ValidateAccessToken(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if principal.OwnerID != testutil.TestOwnerID || principal.ClientID != client.ClientID {
		t.Errorf("principal = %+v", principal)
	}

	// Revocation pushes the jti onto the deny list; the signature is still
	// valid but the token must no longer pass.
	if err := srv.RevokeToken(ctx, client, grant.AccessToken, ""); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err == nil {
		t.Error("denied JWT still validates")
	}
}

func TestJWTRejectsWrongKey(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if err := srv.SetSigner(newTestSigner(t, testutil.GenerateRSAKey(t))); err != nil {
		t.Fatalf("SetSigner: %v", err)
	}

	other := newTestSigner(t, testutil.GenerateRSAKey(t))
	forged, _, _, err := other.Issue(testutil.TestOwnerID, testutil.TestClientID, "grant-1", testutil.TestScope)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := srv.ValidateAccessToken(context.Background(), forged); err == nil {
		t.Error("token signed with a foreign key validated")
	}
}

func TestRevokeRefreshTokenCascades(t *testing.T) {
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

	if err := srv.RevokeToken(ctx, client, grant.RefreshToken, ""); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}

	if _, err := srv.RefreshAccessToken(ctx, client, grant.RefreshToken, "", ""); err == nil {
		t.Error("revoked refresh token still redeems")
	}
	if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken); err == nil {
		t.Error("access token survived the refresh token's revocation")
	}
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)

	if err := srv.RevokeToken(context.Background(), client, "never-issued", ""); err != nil {
		t.Errorf("revoking an unknown token must succeed: %v", err)
	}
}

func TestRevokeIgnoresForeignClientToken(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := testutil.NewConfidentialClient()
	seedClient(t, store, client)
	other := testutil.NewPublicClient()
	seedClient(t, store, other)
	ctx := context.Background()

	token := testutil.NewAccessToken()
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	// A different client cannot revoke it, and learns nothing.
	if err := srv.RevokeToken(ctx, other, token.Handle, ""); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, token.Handle); err != nil {
		t.Errorf("token revoked by a foreign client: %v", err)
	}
}

func TestIntrospect(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	access := testutil.NewAccessToken()
	if err := store.SaveAccessToken(ctx, access); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}
	refresh := testutil.NewRefreshToken()
	if err := store.SaveRefreshToken(ctx, refresh); err != nil {
		t.Fatalf("SaveRefreshToken: %v", err)
	}

	info := srv.Introspect(ctx, access.Handle)
	if !info.Active || info.TokenType != "access_token" {
		t.Errorf("access introspection = %+v", info)
	}
	if info.OwnerID != access.OwnerID || info.Scope != access.Scope {
		t.Errorf("access introspection = %+v", info)
	}

	info = srv.Introspect(ctx, refresh.Handle)
	if !info.Active || info.TokenType != "refresh_token" {
		t.Errorf("refresh introspection = %+v", info)
	}

	for _, raw := range []string{"", "no-such-token"} {
		if info := srv.Introspect(ctx, raw); info.Active {
			t.Errorf("token %q introspects as active", raw)
		}
	}
}

func TestLooksLikeJWT(t *testing.T) {
	if looksLikeJWT("opaque-handle") {
		t.Error("opaque handle classified as JWT")
	}
	if !looksLikeJWT("aGVhZGVy.Y2xhaW1z.c2ln") {
		t.Error("three-segment token not classified as JWT")
	}
	if looksLikeJWT("one.dot") {
		t.Error("two-segment string classified as JWT")
	}
}
