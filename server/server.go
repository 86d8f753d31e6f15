package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gallerio/oauth/identity"
	"github.com/gallerio/oauth/instrumentation"
	"github.com/gallerio/oauth/security"
	"github.com/gallerio/oauth/storage"
	"github.com/gallerio/oauth/tokens"
)

// ErrEntropySourceUnavailable is returned when the system's random source
// fails. There is no fallback generator; the operation fails closed.
var ErrEntropySourceUnavailable = errors.New("entropy source unavailable")

// Stores bundles the storage interfaces the engine needs. A single backend
// (storage/memory, storage/valkey) normally implements all of them.
type Stores struct {
	Clients     storage.ClientStore
	Flows       storage.FlowStore
	Tokens      storage.TokenStore
	Families    storage.RefreshTokenFamilyStore
	Revocations storage.RevocationStore

	// DenyList is required when a JWT signer is configured, so revoked
	// self-contained tokens stop validating.
	DenyList storage.DenyList
}

// Server is the OAuth 2.0 grant engine.
type Server struct {
	clients     storage.ClientStore
	flows       storage.FlowStore
	tokens      storage.TokenStore
	families    storage.RefreshTokenFamilyStore
	revocations storage.RevocationStore
	denyList    storage.DenyList

	identity identity.Verifier
	signer   *tokens.Signer
	metrics  *instrumentation.Metrics

	Auditor *security.Auditor

	// RateLimiter throttles by client IP, OwnerRateLimiter by authenticated
	// owner, and SecurityEventRateLimiter gates security-event logging so
	// an attacker cannot flood the logs.
	RateLimiter              *security.RateLimiter
	OwnerRateLimiter         *security.RateLimiter
	SecurityEventRateLimiter *security.RateLimiter

	Logger *slog.Logger
	Config *Config
}

// New creates a grant engine over the given stores.
func New(stores Stores, config *Config, logger *slog.Logger) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Flows == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if stores.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if stores.Families == nil {
		return nil, fmt.Errorf("refresh token family store is required")
	}
	if stores.Revocations == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	applySecureDefaults(config, logger)

	srv := &Server{
		clients:     stores.Clients,
		flows:       stores.Flows,
		tokens:      stores.Tokens,
		families:    stores.Families,
		revocations: stores.Revocations,
		denyList:    stores.DenyList,
		Logger:      logger,
		Config:      config,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}
	return srv, nil
}

// SetIdentityVerifier wires the resource-owner credential verifier used by
// the password grant.
func (s *Server) SetIdentityVerifier(v identity.Verifier) {
	s.identity = v
}

// SetSigner switches access tokens from opaque handles to self-contained
// RS256 JWTs. A deny list must be configured or revocation of issued JWTs
// is impossible.
func (s *Server) SetSigner(signer *tokens.Signer) error {
	if signer != nil && s.denyList == nil {
		return fmt.Errorf("a deny list store is required when a JWT signer is configured")
	}
	s.signer = signer
	return nil
}

// SetInstrumentation attaches metric recording.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// SetAuditor sets the security event auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// storageCtx bounds an engine operation's storage work.
func (s *Server) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.StorageTimeout)
}

// generateSecureToken returns a 256-bit random handle, base64url encoded
// without padding. Codes, token handles, and transaction IDs all come from
// here.
func generateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropySourceUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// allowSecurityEventLog rate limits security-event logging per identifier.
func (s *Server) allowSecurityEventLog(identifier string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(identifier)
}
