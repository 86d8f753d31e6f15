// Package storage defines the persistence interfaces and data types used by
// the authorization server. Implementations must be safe for concurrent use.
package storage

import (
	"context"
	"strings"
	"time"
)

// Client types determine how a client authenticates at the token endpoint.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication methods.
const (
	TokenEndpointAuthNone        = "none"
	TokenEndpointAuthBasic       = "client_secret_basic"
	TokenEndpointAuthPost        = "client_secret_post"
)

// Client is a registered OAuth client application.
type Client struct {
	// ClientID is the unique client identifier.
	ClientID string

	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients, which never hold a secret.
	SecretHash string

	// Type is either ClientTypeConfidential or ClientTypePublic.
	Type string

	// RedirectURIs is the exhaustive list of permitted redirect URIs.
	// Matching is exact string comparison.
	RedirectURIs []string

	// Scopes is the space-separated set of scopes this client may request.
	Scopes []string

	// GrantTypes lists the grant types this client may use at the token
	// endpoint ("authorization_code", "refresh_token", "password").
	GrantTypes []string

	// ResponseTypes lists the authorization endpoint response types this
	// client may use ("code", "token").
	ResponseTypes []string

	// TokenEndpointAuthMethod is how the client authenticates at the token
	// endpoint.
	TokenEndpointAuthMethod string

	// Trusted marks first-party clients. Trusted clients skip the consent
	// prompt and may use the resource owner password grant.
	Trusted bool

	// Name is a human-readable client name shown on the consent page.
	Name string

	CreatedAt time.Time
}

// IsPublic reports whether the client is a public client.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// AllowsGrantType reports whether the client may use the given grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the client may use the given response type.
func (c *Client) AllowsResponseType(responseType string) bool {
	for _, rt := range c.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// AllowsRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every scope in the space-separated scope string
// is within the client's allowed scopes.
func (c *Client) AllowsScope(scope string) bool {
	allowed := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		allowed[s] = true
	}
	for _, s := range strings.Fields(scope) {
		if !allowed[s] {
			return false
		}
	}
	return true
}

// TransactionStatus is the state of an authorization transaction.
type TransactionStatus string

const (
	TransactionRequested       TransactionStatus = "requested"
	TransactionAwaitingConsent TransactionStatus = "awaiting_consent"
	TransactionApproved        TransactionStatus = "approved"
	TransactionDenied          TransactionStatus = "denied"
	TransactionCodeIssued      TransactionStatus = "code_issued"
	TransactionExchanged       TransactionStatus = "exchanged"
	TransactionExpired         TransactionStatus = "expired"
)

// transitions lists the permitted status transitions. Expiry is reachable
// from every non-terminal state and is handled separately.
var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionRequested:       {TransactionAwaitingConsent, TransactionApproved, TransactionDenied},
	TransactionAwaitingConsent: {TransactionApproved, TransactionDenied},
	TransactionApproved:        {TransactionCodeIssued},
	TransactionCodeIssued:      {TransactionExchanged},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	if next == TransactionExpired {
		return s != TransactionExchanged && s != TransactionDenied
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionExchanged || s == TransactionDenied || s == TransactionExpired
}

// AuthorizationTransaction tracks a single authorization request from the
// moment it arrives at the authorization endpoint until its code is exchanged
// or the flow is abandoned.
type AuthorizationTransaction struct {
	// ID is the server-generated transaction identifier, used to correlate
	// the consent decision with the original request.
	ID string

	// State is the client-supplied CSRF token, echoed on every redirect.
	State string

	ClientID     string
	RedirectURI  string
	ResponseType string

	// Scope is the scope the client requested.
	Scope string

	// GrantedScope is the scope the resource owner approved. Set at consent;
	// always a subset of Scope.
	GrantedScope string

	// OwnerID identifies the authenticated resource owner. Set at consent.
	OwnerID string

	CodeChallenge       string
	CodeChallengeMethod string

	Status TransactionStatus

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the transaction has passed its deadline.
func (t *AuthorizationTransaction) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// AuthorizationCode is a single-use code binding an approved transaction to
// the token exchange that redeems it.
type AuthorizationCode struct {
	Code string

	// GrantID ties the code, and every token minted from it, to one grant.
	GrantID string

	ClientID    string
	OwnerID     string
	RedirectURI string

	// Scope is the granted scope carried forward into issued tokens.
	Scope string

	CodeChallenge       string
	CodeChallengeMethod string

	CreatedAt time.Time
	ExpiresAt time.Time

	// Used is set atomically by AtomicCheckAndMarkAuthCodeUsed. A code seen
	// with Used already true is a replay.
	Used bool
}

// IsExpired reports whether the code has passed its deadline.
func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// AccessToken is the stored record behind an opaque access token handle.
type AccessToken struct {
	// Handle is the opaque string presented by the client as the bearer token.
	Handle string

	GrantID  string
	OwnerID  string
	ClientID string
	Scope    string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the token has passed its expiry.
func (t *AccessToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// RefreshToken is the stored record behind an opaque refresh token handle.
type RefreshToken struct {
	Handle string

	GrantID  string
	OwnerID  string
	ClientID string

	// Scope is the scope of the original grant. Access tokens minted through
	// this refresh token may carry a subset, never more.
	Scope string

	// FamilyID groups every refresh token descended from the same grant.
	// Reuse of any retired member revokes the whole family.
	FamilyID string

	// Generation starts at 1 and increments on each rotation.
	Generation int

	// RotatedFrom is the handle this token replaced, empty for generation 1.
	RotatedFrom string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the refresh token has passed its expiry.
func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// RefreshTokenFamily records the lineage of rotated refresh tokens for one
// grant. It outlives its members so that reuse of a retired handle can still
// be attributed to the family and punished.
type RefreshTokenFamily struct {
	FamilyID string
	GrantID  string
	OwnerID  string
	ClientID string

	// LatestHandle is the only member currently redeemable.
	LatestHandle string

	// Generation is the generation of LatestHandle.
	Generation int

	Revoked      bool
	RevokedAt    time.Time
	RevokeReason string

	CreatedAt time.Time
}

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	// SaveClient stores or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client or ErrClientNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies the secret against the stored bcrypt
	// hash. It must take the same time whether or not the client exists.
	// Returns the client on success, ErrInvalidClientCredentials otherwise.
	ValidateClientSecret(ctx context.Context, clientID, secret string) (*Client, error)

	// ListClients returns all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client. Deleting an unknown client is not an error.
	DeleteClient(ctx context.Context, clientID string) error
}

// FlowStore persists authorization transactions and authorization codes.
type FlowStore interface {
	// SaveTransaction stores or replaces an authorization transaction.
	SaveTransaction(ctx context.Context, txn *AuthorizationTransaction) error

	// GetTransaction returns the transaction or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (*AuthorizationTransaction, error)

	// DeleteTransaction removes a transaction.
	DeleteTransaction(ctx context.Context, id string) error

	// SaveAuthorizationCode stores a freshly minted code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicCheckAndMarkAuthCodeUsed marks the code used if and only if it
	// was not used before, as a single atomic step. Exactly one of any number
	// of concurrent calls for the same code succeeds.
	//
	// On success the code record is returned with Used false (its state at
	// the moment of consumption). If the code was already used, the record is
	// returned alongside ErrAuthorizationCodeUsed so the caller can revoke
	// the grant. Unknown codes return ErrAuthorizationCodeNotFound, expired
	// ones ErrAuthorizationCodeExpired.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists access and refresh token records keyed by opaque handle.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the record or ErrTokenNotFound.
	GetAccessToken(ctx context.Context, handle string) (*AccessToken, error)

	DeleteAccessToken(ctx context.Context, handle string) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the record or ErrTokenNotFound. It does not
	// consume the token; rotation must go through
	// AtomicGetAndDeleteRefreshToken.
	GetRefreshToken(ctx context.Context, handle string) (*RefreshToken, error)

	// AtomicGetAndDeleteRefreshToken retrieves and deletes the refresh token
	// as a single atomic step so exactly one concurrent redemption wins.
	// Returns ErrTokenNotFound when the handle does not exist, which for a
	// previously issued handle means it was already rotated.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, handle string) (*RefreshToken, error)

	DeleteRefreshToken(ctx context.Context, handle string) error
}

// RefreshTokenFamilyStore tracks refresh token lineage for reuse detection.
type RefreshTokenFamilyStore interface {
	SaveRefreshTokenFamily(ctx context.Context, family *RefreshTokenFamily) error

	// GetRefreshTokenFamily returns the family or ErrFamilyNotFound.
	GetRefreshTokenFamily(ctx context.Context, familyID string) (*RefreshTokenFamily, error)

	// FindFamilyByHandle resolves a refresh token handle, live or retired,
	// to its family. Retired handle mappings are retained after rotation so
	// replayed handles can still be attributed.
	FindFamilyByHandle(ctx context.Context, handle string) (*RefreshTokenFamily, error)

	// RevokeRefreshTokenFamily marks the family revoked and deletes its live
	// member. Revoking an already revoked family is not an error.
	RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) error
}

// RevocationStore revokes issued tokens in bulk.
type RevocationStore interface {
	// RevokeTokensForGrant deletes every access and refresh token minted
	// under the grant and returns how many were removed.
	RevokeTokensForGrant(ctx context.Context, grantID string) (int, error)

	// RevokeTokensForOwnerClient deletes every token issued to the client on
	// behalf of the owner, across all grants, and returns the count.
	RevokeTokensForOwnerClient(ctx context.Context, ownerID, clientID string) (int, error)
}

// DenyList records revoked self-contained token IDs until they expire on
// their own. Opaque handles do not need it; deleting the record suffices.
type DenyList interface {
	// Deny marks the token ID revoked until the given expiry.
	Deny(ctx context.Context, tokenID string, until time.Time) error

	// IsDenied reports whether the token ID has been revoked.
	IsDenied(ctx context.Context, tokenID string) (bool, error)
}
