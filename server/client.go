package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gallerio/oauth/security"
	"github.com/gallerio/oauth/storage"
)

// GenerateClientSecret returns a new 256-bit client secret. The caller
// shows it once; only the bcrypt hash is stored.
func GenerateClientSecret() (string, error) {
	return generateSecureToken()
}

// RegisterClient validates and stores a client. Registration is
// administrative seeding; there is no dynamic registration endpoint.
// The plaintext secret is hashed before storage and must be empty for
// public clients.
func (s *Server) RegisterClient(ctx context.Context, client *storage.Client, secret string) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(client.RedirectURIs) == 0 && client.AllowsGrantType("authorization_code") {
		return fmt.Errorf("at least one redirect URI is required for the authorization code grant")
	}
	for _, uri := range client.RedirectURIs {
		if err := validateRedirectURISafety(uri); err != nil {
			return fmt.Errorf("redirect URI %q rejected: %w", uri, err)
		}
	}

	switch client.Type {
	case storage.ClientTypeConfidential:
		if secret == "" {
			return fmt.Errorf("confidential clients require a secret")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
		if client.TokenEndpointAuthMethod == "" {
			client.TokenEndpointAuthMethod = storage.TokenEndpointAuthBasic
		}
	case storage.ClientTypePublic:
		if secret != "" {
			return fmt.Errorf("public clients must not have a secret")
		}
		client.SecretHash = ""
		client.TokenEndpointAuthMethod = storage.TokenEndpointAuthNone
	default:
		return fmt.Errorf("unknown client type %q", client.Type)
	}

	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.clients.SaveClient(sctx, client); err != nil {
		return fmt.Errorf("save client: %w", err)
	}

	s.Logger.Info("client registered",
		"client_id", client.ClientID,
		"type", client.Type,
		"redirect_uris", len(client.RedirectURIs))
	return nil
}

// AuthenticateClient resolves and authenticates a client at the token,
// revocation, or introspection endpoint. Confidential clients must present
// their secret; public clients must not. Every failure is the same
// invalid_client error.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, NewError(ErrorCodeInvalidClient, "client authentication required")
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	client, err := s.clients.GetClient(sctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Error("client lookup failed", "error", err)
		}
		// Burn a bcrypt comparison anyway so unknown clients take as long
		// as wrong secrets.
		_, _ = s.clients.ValidateClientSecret(sctx, clientID, clientSecret)
		s.auditClientAuthFailure(clientID, clientIP, "unknown_client")
		return nil, NewError(ErrorCodeInvalidClient, "client authentication failed")
	}

	if client.IsPublic() {
		if clientSecret != "" {
			s.auditClientAuthFailure(clientID, clientIP, "secret_presented_by_public_client")
			return nil, NewError(ErrorCodeInvalidClient, "client authentication failed")
		}
		return client, nil
	}

	if _, err := s.clients.ValidateClientSecret(sctx, clientID, clientSecret); err != nil {
		s.auditClientAuthFailure(clientID, clientIP, "invalid_secret")
		return nil, NewError(ErrorCodeInvalidClient, "client authentication failed")
	}
	return client, nil
}

func (s *Server) auditClientAuthFailure(clientID, clientIP, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(security.EventClientAuthFailure, clientID, clientIP, reason)
	}
}
