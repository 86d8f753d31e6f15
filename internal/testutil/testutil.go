// Package testutil provides shared fixtures and helpers for the oauth
// library's tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/gallerio/oauth/storage"
)

// Fixture identifiers shared across packages. The print client and the
// photoprint callback mirror the gallery platform's first-party print
// integration.
const (
	TestClientID     = "print"
	TestClientSecret = "secret"
	TestRedirectURI  = "http://photoprint:3000/callback"
	TestOwnerID      = "owner-ana"
	TestScope        = "view_gallery"
)

// BcryptHashOfSecret is the bcrypt hash of TestClientSecret, computed once
// at init. MinCost keeps fixture construction fast.
var BcryptHashOfSecret = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}()

// NewConfidentialClient returns a confidential client fixture whose secret
// is "secret".
func NewConfidentialClient() *storage.Client {
	return &storage.Client{
		ClientID:                TestClientID,
		SecretHash:              BcryptHashOfSecret,
		Type:                    storage.ClientTypeConfidential,
		RedirectURIs:            []string{TestRedirectURI},
		Scopes:                  []string{"view_gallery", "download_photo", "manage_albums"},
		GrantTypes:              []string{"authorization_code", "refresh_token", "password"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: storage.TokenEndpointAuthBasic,
		Name:                    "Photo Print Service",
		CreatedAt:               time.Now(),
	}
}

// NewPublicClient returns a public (secretless) client fixture.
func NewPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                "gallery-spa",
		Type:                    storage.ClientTypePublic,
		RedirectURIs:            []string{"http://localhost:8080/callback"},
		Scopes:                  []string{"view_gallery"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code", "token"},
		TokenEndpointAuthMethod: storage.TokenEndpointAuthNone,
		Name:                    "Gallery SPA",
		CreatedAt:               time.Now(),
	}
}

// NewTransaction returns an authorization transaction fixture awaiting
// consent.
func NewTransaction() *storage.AuthorizationTransaction {
	return &storage.AuthorizationTransaction{
		ID:           RandomString(32),
		State:        "abc123",
		ClientID:     TestClientID,
		RedirectURI:  TestRedirectURI,
		ResponseType: "code",
		Scope:        TestScope,
		Status:       storage.TransactionAwaitingConsent,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}
}

// NewAuthorizationCode returns an unused code fixture bound to the print
// client.
func NewAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        RandomString(32),
		GrantID:     RandomString(16),
		ClientID:    TestClientID,
		OwnerID:     TestOwnerID,
		RedirectURI: TestRedirectURI,
		Scope:       TestScope,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(60 * time.Second),
	}
}

// NewAccessToken returns an access token record fixture.
func NewAccessToken() *storage.AccessToken {
	return &storage.AccessToken{
		Handle:    RandomString(32),
		GrantID:   RandomString(16),
		OwnerID:   TestOwnerID,
		ClientID:  TestClientID,
		Scope:     TestScope,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// NewRefreshToken returns a generation-1 refresh token record fixture.
func NewRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		Handle:     RandomString(32),
		GrantID:    RandomString(16),
		OwnerID:    TestOwnerID,
		ClientID:   TestClientID,
		Scope:      TestScope,
		FamilyID:   RandomString(16),
		Generation: 1,
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
	}
}

// RandomString returns a random URL-safe string of the given length.
func RandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns a spec-valid verifier and its S256 challenge.
func GeneratePKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge
}

// GenerateRSAKey returns a small RSA key for signing tests. 1024 bits keeps
// test runs fast; never use this size outside tests.
func GenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

// HTTPRequest builds and executes test HTTP requests against a handler.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a request helper.
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header.
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded body and content type.
func (r *HTTPRequest) WithForm(form string) *HTTPRequest {
	r.Body = form
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// WithBasicAuth sets client credentials in the Authorization header.
func (r *HTTPRequest) WithBasicAuth(username, password string) *HTTPRequest {
	cred := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	r.Headers["Authorization"] = "Basic " + cred
	return r
}

// Do executes the request against the handler and returns the recorder.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body *strings.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
