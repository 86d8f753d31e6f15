// Package tokens implements the self-contained access token format: RS256
// signed JWTs carrying the grant's claims. Opaque handles remain the default
// token format; deployments that want resource servers to validate tokens
// locally configure a Signer instead.
//
// Revocation of self-contained tokens goes through the deny list: the token
// ID (jti) is recorded until the token would have expired anyway, and
// validators must check it.
package tokens

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for any token that fails parsing, signature
// verification, or claim validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the claim set carried by access tokens. Subject holds the owner
// ID; the remaining OAuth fields ride in private claims.
type Claims struct {
	jwt.RegisteredClaims

	// ClientID is the client the token was issued to.
	ClientID string `json:"client_id"`

	// Scope is the space-separated granted scope.
	Scope string `json:"scope"`

	// GrantID ties the token to the grant it descends from.
	GrantID string `json:"grant_id"`
}

// Signer mints and verifies RS256 access tokens.
type Signer struct {
	issuer     string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	ttl        time.Duration
}

// NewSigner creates a signer. The key ID is derived from the public key so
// it stays stable across restarts with the same key material.
func NewSigner(issuer string, key *rsa.PrivateKey, ttl time.Duration) (*Signer, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}

	keyID, err := deriveKeyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("derive key ID: %w", err)
	}

	return &Signer{
		issuer:     issuer,
		privateKey: key,
		publicKey:  &key.PublicKey,
		keyID:      keyID,
		ttl:        ttl,
	}, nil
}

// KeyID returns the signer's key identifier.
func (s *Signer) KeyID() string {
	return s.keyID
}

// Issue mints a signed access token. The returned token ID (jti) is what the
// deny list keys on.
func (s *Signer) Issue(ownerID, clientID, grantID, scope string) (token, tokenID string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(s.ttl)
	tokenID = uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   ownerID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
		Scope:    scope,
		GrantID:  grantID,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.keyID

	token, err = t.SignedString(s.privateKey)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, tokenID, expiresAt, nil
}

// Verify parses and validates a token, returning its claims. Expired,
// malformed, or foreign tokens all return ErrInvalidToken.
func (s *Signer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			if kid, _ := t.Header["kid"].(string); kid != "" && kid != s.keyID {
				return nil, fmt.Errorf("unknown key ID %q", kid)
			}
			return s.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	}
	return claims, nil
}

// deriveKeyID hashes the PKIX encoding of the public key into a short stable
// identifier.
func deriveKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}
