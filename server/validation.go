package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gallerio/oauth/storage"
)

// PKCE constants from RFC 7636.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// dangerousSchemes can execute script or read local state in the user
// agent; they are never valid redirect targets.
var dangerousSchemes = []string{"javascript", "data", "vbscript", "file", "blob", "about"}

// validateHTTPSEnforcement rejects a non-HTTPS issuer outside localhost
// development. OAuth over plain HTTP exposes every credential on the wire.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalhostHostname(issuerURL.Hostname()) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS outside localhost (got %s); set AllowInsecureHTTP only for testing", s.Config.Issuer)
		}
		s.Logger.Error("serving OAuth over plain HTTP",
			"issuer", s.Config.Issuer,
			"risk", "all tokens and credentials are exposed to interception")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme %q (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname covers localhost, the 127.0.0.0/8 range, ::1, and the
// bind-all address used in development.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	cleaned := strings.Trim(hostname, "[]")
	if ip := net.ParseIP(cleaned); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURI requires an exact match against the client's
// registered URIs. No wildcard, prefix, or substring matching.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	if !client.AllowsRedirectURI(redirectURI) {
		return fmt.Errorf("redirect URI is not registered for this client")
	}
	return validateRedirectURISafety(redirectURI)
}

// validateRedirectURISafety rejects URIs that could execute in the user
// agent or carry a fragment. Applied at registration and again at
// authorization time.
func validateRedirectURISafety(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
		}
	}
	return nil
}

// validateScopes checks the requested scope against the server's supported
// scope list. An empty configured list allows any scope.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}
	for _, requested := range strings.Fields(scope) {
		if !containsScope(s.Config.SupportedScopes, requested) {
			return fmt.Errorf("unsupported scope: %s", requested)
		}
	}
	return nil
}

// scopeSubset reports whether every scope in requested also appears in
// granted. Both are space-separated scope strings; an empty requested
// string is always a subset.
func scopeSubset(requested, granted string) bool {
	if requested == "" {
		return true
	}
	grantedList := strings.Fields(granted)
	for _, scope := range strings.Fields(requested) {
		if !containsScope(grantedList, scope) {
			return false
		}
	}
	return true
}

func containsScope(list []string, scope string) bool {
	for _, s := range list {
		if s == scope {
			return true
		}
	}
	return false
}

// validateStateParameter enforces presence and minimum length. Short state
// values carry too little entropy to defend against CSRF.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required")
	}
	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters", s.Config.MinStateLength)
	}
	return nil
}

// validateChallengeMethod checks a code_challenge_method at authorization
// time, before the challenge is stored.
func (s *Server) validateChallengeMethod(method string) error {
	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("the plain code_challenge_method is not allowed (use S256)")
		}
		return nil
	case "":
		return fmt.Errorf("code_challenge_method is required when code_challenge is present")
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// validatePKCE verifies a code_verifier against the challenge recorded at
// authorization time, per RFC 7636. Comparison is constant time for both
// methods.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return fmt.Errorf("code_verifier provided but no code_challenge was recorded")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be between %d and %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters (allowed: [A-Za-z0-9-._~])")
		}
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("the plain code_challenge_method is not allowed")
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
