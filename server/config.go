package server

import (
	"log/slog"
	"time"
)

// Default lifetimes. Authorization codes are deliberately short-lived: the
// client exchanges them immediately, so anything longer only widens the
// replay window.
const (
	DefaultAuthorizationCodeTTL = 60 * time.Second
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultTransactionTTL       = 10 * time.Minute
	DefaultStorageTimeout       = 5 * time.Second
	DefaultClockSkewGracePeriod = 5 * time.Second
	DefaultMinStateLength       = 6
)

// Config holds the grant engine configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required for
	// metadata and HTTPS enforcement.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes stay
	// exchangeable. Default: 60 seconds.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Default: 30 days.
	RefreshTokenTTL time.Duration

	// TransactionTTL bounds how long a pending authorization waits for the
	// consent decision. Default: 10 minutes.
	TransactionTTL time.Duration

	// StorageTimeout caps each engine operation's storage work.
	// Default: 5 seconds.
	StorageTimeout time.Duration

	// ClockSkewGracePeriod tolerates small clock drift on expiry checks.
	// Default: 5 seconds.
	ClockSkewGracePeriod time.Duration

	// AllowRefreshTokenRotation rotates refresh tokens on every use and
	// enables family-based replay detection. Default: true.
	AllowRefreshTokenRotation bool

	// RequirePKCE makes code_challenge mandatory on authorization requests.
	// Default: true.
	RequirePKCE bool

	// AllowPKCEPlain accepts the deprecated "plain" challenge method.
	// Only S256 is accepted when false. Default: false.
	AllowPKCEPlain bool

	// AllowImplicitGrant enables response_type=token. The implicit grant is
	// legacy; new clients should use the code grant with PKCE.
	// Default: false.
	AllowImplicitGrant bool

	// AllowPasswordGrant enables the resource-owner password grant for
	// confidential or trusted clients. Default: false.
	AllowPasswordGrant bool

	// MinStateLength is the minimum accepted state parameter length. State
	// shorter than this carries too little entropy for CSRF protection.
	// Default: 6.
	MinStateLength int

	// SupportedScopes lists scopes the server recognizes. Empty allows any
	// scope string; per-client restrictions still apply.
	SupportedScopes []string

	// TrustProxy trusts X-Forwarded-For and X-Real-IP headers. Only enable
	// behind a reverse proxy you control. Default: false.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server,
	// used to pick the client IP out of X-Forwarded-For. Default: 1.
	TrustedProxyCount int

	// AllowInsecureHTTP permits a non-localhost http:// issuer. Never
	// enable in production. Default: false.
	AllowInsecureHTTP bool
}

// DefaultConfig returns a config with secure defaults for the given issuer.
func DefaultConfig(issuer string) *Config {
	cfg := &Config{Issuer: issuer}
	applySecureDefaults(cfg, slog.Default())
	return cfg
}

// applySecureDefaults fills zero values and warns about explicitly insecure
// settings.
func applySecureDefaults(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.TransactionTTL == 0 {
		config.TransactionTTL = DefaultTransactionTTL
	}
	if config.StorageTimeout == 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = DefaultMinStateLength
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	// A fresh config has every security bool at false; flip the two that
	// must default on. A config with any of them set was configured
	// deliberately, so only warn.
	if !config.AllowRefreshTokenRotation && !config.RequirePKCE &&
		!config.AllowPKCEPlain && !config.AllowImplicitGrant && !config.AllowPasswordGrant {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCE = true
		return
	}

	logSecurityWarnings(config, logger)
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("PKCE is not required",
			"risk", "authorization code interception",
			"recommendation", "set RequirePKCE=true")
	}
	if config.AllowPKCEPlain {
		logger.Warn("plain PKCE method is allowed",
			"risk", "code challenge offers no protection against an observer",
			"recommendation", "set AllowPKCEPlain=false to require S256")
	}
	if config.AllowImplicitGrant {
		logger.Warn("implicit grant is enabled",
			"risk", "tokens exposed in URL fragments and browser history",
			"recommendation", "migrate clients to the code grant with PKCE")
	}
	if !config.AllowRefreshTokenRotation {
		logger.Warn("refresh token rotation is disabled",
			"risk", "stolen refresh tokens stay valid until expiry",
			"recommendation", "set AllowRefreshTokenRotation=true")
	}
	if config.TrustProxy {
		logger.Warn("trusting proxy headers for client IPs",
			"risk", "IP spoofing when the proxy chain is misconfigured",
			"recommendation", "TrustedProxyCount must match the proxy chain length")
	}
}
