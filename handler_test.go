package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/gallerio/oauth/internal/testutil"
	"github.com/gallerio/oauth/server"
	"github.com/gallerio/oauth/storage/memory"
)

// ownerHeader lets tests act as an authenticated resource owner.
const ownerHeader = "X-Test-Owner"

func newTestHandler(t *testing.T, mutate func(*server.Config)) (*Handler, *http.ServeMux, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)

	cfg := &server.Config{Issuer: "https://auth.gallerio.test"}
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := server.New(server.Stores{
		Clients:     store,
		Flows:       store,
		Tokens:      store,
		Families:    store,
		Revocations: store,
		DenyList:    store,
	}, cfg, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	h := NewHandler(engine, logger)
	h.OwnerResolver = func(r *http.Request) (string, error) {
		return r.Header.Get(ownerHeader), nil
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux, store
}

func seedConfidentialClient(t *testing.T, store *memory.Store) {
	t.Helper()
	if err := store.SaveClient(context.Background(), testutil.NewConfidentialClient()); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
}

func decodeJSON[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}

// authorizeURL builds the authorization request for the photo print client.
func authorizeURL(challenge string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {testutil.TestClientID},
		"redirect_uri":          {testutil.TestRedirectURI},
		"scope":                 {testutil.TestScope},
		"state":                 {"abc123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return "/oauth/authorize?" + q.Encode()
}

// obtainCodeHTTP drives authorize + consent over HTTP and returns the code.
func obtainCodeHTTP(t *testing.T, mux *http.ServeMux, challenge string) string {
	t.Helper()

	rr := testutil.NewHTTPRequest(http.MethodGet, authorizeURL(challenge)).Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, body %s", rr.Code, rr.Body.String())
	}
	page := decodeJSON[ConsentPage](t, rr.Body.String())
	if page.TransactionID == "" {
		t.Fatal("consent page has no transaction ID")
	}

	form := url.Values{
		"transaction_id": {page.TransactionID},
		"decision":       {"approve"},
	}
	rr = testutil.NewHTTPRequest(http.MethodPost, "/oauth/consent").
		WithForm(form.Encode()).
		WithHeader(ownerHeader, testutil.TestOwnerID).
		Do(mux)
	if rr.Code != http.StatusFound {
		t.Fatalf("consent status = %d, body %s", rr.Code, rr.Body.String())
	}

	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := loc.Query().Get("state"); got != "abc123" {
		t.Fatalf("state = %q, want abc123", got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", rr.Header().Get("Location"))
	}
	return code
}

func redeemCode(t *testing.T, mux *http.ServeMux, code, verifier string) TokenResponse {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.TestRedirectURI},
		"code_verifier": {verifier},
	}
	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithForm(form.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rr.Code, rr.Body.String())
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	return decodeJSON[TokenResponse](t, rr.Body.String())
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCodeHTTP(t, mux, challenge)
	resp := redeemCode(t, mux, code, verifier)

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("incomplete token response: %+v", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q", resp.TokenType)
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d", resp.ExpiresIn)
	}
}

func TestTokenEndpointClientAuthInForm(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCodeHTTP(t, mux, challenge)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.TestRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {testutil.TestClientID},
		"client_secret": {testutil.TestClientSecret},
	}
	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithForm(form.Encode()).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestTokenEndpointRejectsBadClientAuth(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {"x"}}
	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithForm(form.Encode()).
		WithBasicAuth(testutil.TestClientID, "wrong").
		Do(mux)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); !strings.Contains(got, "invalid_client") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	errResp := decodeJSON[ErrorResponse](t, rr.Body.String())
	if errResp.Error != ErrorCodeInvalidClient {
		t.Errorf("error = %q", errResp.Error)
	}
}

func TestTokenEndpointUnsupportedGrantType(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	form := url.Values{"grant_type": {"urn:ietf:params:oauth:grant-type:token-exchange"}}
	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithForm(form.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	errResp := decodeJSON[ErrorResponse](t, rr.Body.String())
	if errResp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q", errResp.Error)
	}
}

func TestRefreshGrantOverHTTP(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCodeHTTP(t, mux, challenge)
	first := redeemCode(t, mux, code, verifier)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}
	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithForm(form.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeJSON[TokenResponse](t, rr.Body.String())
	if resp.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// Replaying the retired handle is invalid_grant with no detail.
	rr = testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithForm(form.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rr.Code)
	}
	errResp := decodeJSON[ErrorResponse](t, rr.Body.String())
	if errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want invalid_grant", errResp.Error)
	}
}

func TestConsentDenialOverHTTP(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	_, challenge := testutil.GeneratePKCEPair()
	rr := testutil.NewHTTPRequest(http.MethodGet, authorizeURL(challenge)).Do(mux)
	page := decodeJSON[ConsentPage](t, rr.Body.String())

	form := url.Values{
		"transaction_id": {page.TransactionID},
		"decision":       {"deny"},
	}
	rr = testutil.NewHTTPRequest(http.MethodPost, "/oauth/consent").
		WithForm(form.Encode()).
		Do(mux)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.Contains(loc, "error=access_denied") || !strings.Contains(loc, "state=abc123") {
		t.Errorf("denial redirect = %q", loc)
	}
}

func TestAuthorizeErrorRedirect(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	// Valid client and redirect URI, unknown scope: error goes back to the
	// client by redirect.
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {testutil.TestClientID},
		"redirect_uri":  {testutil.TestRedirectURI},
		"scope":         {"rule_the_world"},
		"state":         {"abc123"},
	}
	rr := testutil.NewHTTPRequest(http.MethodGet, "/oauth/authorize?"+q.Encode()).Do(mux)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, testutil.TestRedirectURI) || !strings.Contains(loc, "error=invalid_scope") {
		t.Errorf("redirect = %q", loc)
	}
}

func TestAuthorizeErrorRendered(t *testing.T) {
	_, mux, _ := newTestHandler(t, nil)

	// Unknown client: rendered 400, never redirected.
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"ghost"},
		"redirect_uri":  {"https://evil.example/cb"},
		"state":         {"abc123"},
	}
	rr := testutil.NewHTTPRequest(http.MethodGet, "/oauth/authorize?"+q.Encode()).Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if rr.Header().Get("Location") != "" {
		t.Error("error was redirected to an unvalidated URI")
	}
}

func TestRevocationEndpoint(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCodeHTTP(t, mux, challenge)
	resp := redeemCode(t, mux, code, verifier)

	form := url.Values{"token": {resp.RefreshToken}}
	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/revoke").
		WithForm(form.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rr.Code)
	}

	// The refresh token is dead.
	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
	}
	rr = testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").
		WithForm(refreshForm.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("refresh after revocation: status = %d", rr.Code)
	}

	// Unknown tokens still revoke "successfully" per RFC 7009.
	rr = testutil.NewHTTPRequest(http.MethodPost, "/oauth/revoke").
		WithForm(url.Values{"token": {"never-issued"}}.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Errorf("unknown token revocation status = %d", rr.Code)
	}
}

func TestIntrospectionEndpoint(t *testing.T) {
	_, mux, store := newTestHandler(t, nil)
	seedConfidentialClient(t, store)

	verifier, challenge := testutil.GeneratePKCEPair()
	code := obtainCodeHTTP(t, mux, challenge)
	resp := redeemCode(t, mux, code, verifier)

	form := url.Values{"token": {resp.AccessToken}}
	rr := testutil.NewHTTPRequest(http.MethodPost, "/oauth/introspect").
		WithForm(form.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("introspect status = %d", rr.Code)
	}
	info := decodeJSON[IntrospectionResponse](t, rr.Body.String())
	if !info.Active || info.TokenType != "access_token" || info.Sub != testutil.TestOwnerID {
		t.Errorf("introspection = %+v", info)
	}

	// Unauthenticated introspection is rejected; token scanning stays shut.
	rr = testutil.NewHTTPRequest(http.MethodPost, "/oauth/introspect").
		WithForm(form.Encode()).
		Do(mux)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated introspect status = %d", rr.Code)
	}

	// Unknown tokens introspect as inactive, nothing more.
	rr = testutil.NewHTTPRequest(http.MethodPost, "/oauth/introspect").
		WithForm(url.Values{"token": {"never-issued"}}.Encode()).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		Do(mux)
	info = decodeJSON[IntrospectionResponse](t, rr.Body.String())
	if info.Active || info.Sub != "" {
		t.Errorf("inactive introspection leaked detail: %+v", info)
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	_, mux, _ := newTestHandler(t, func(c *server.Config) {
		c.SupportedScopes = []string{"view_gallery", "download_photo"}
	})

	rr := testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-authorization-server").Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	md := decodeJSON[AuthorizationServerMetadata](t, rr.Body.String())
	if md.Issuer != "https://auth.gallerio.test" {
		t.Errorf("issuer = %q", md.Issuer)
	}
	if md.TokenEndpoint != "https://auth.gallerio.test/oauth/token" {
		t.Errorf("token endpoint = %q", md.TokenEndpoint)
	}
	for _, gt := range []string{"authorization_code", "refresh_token"} {
		found := false
		for _, got := range md.GrantTypesSupported {
			if got == gt {
				found = true
			}
		}
		if !found {
			t.Errorf("grant type %q missing from metadata", gt)
		}
	}
	for _, gt := range md.GrantTypesSupported {
		if gt == "password" {
			t.Error("password grant advertised while disabled")
		}
	}
	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("challenge methods = %v", md.CodeChallengeMethodsSupported)
	}
}

func TestEndpointsRejectWrongMethod(t *testing.T) {
	_, mux, _ := newTestHandler(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/.well-known/oauth-authorization-server"},
		{http.MethodPost, "/oauth/authorize"},
		{http.MethodGet, "/oauth/token"},
		{http.MethodGet, "/oauth/revoke"},
		{http.MethodGet, "/oauth/introspect"},
		{http.MethodGet, "/oauth/consent"},
	}
	for _, tt := range tests {
		rr := testutil.NewHTTPRequest(tt.method, tt.path).Do(mux)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status = %d, want 405", tt.method, tt.path, rr.Code)
		}
	}
}
