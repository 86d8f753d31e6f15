// Package static provides an in-memory identity.Verifier backed by a fixed
// credential table. Intended for development, testing, and small deployments
// seeded from configuration.
package static

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/gallerio/oauth/identity"
)

// dummyHash is compared against when the username is unknown so lookups take
// the same time either way.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type user struct {
	ownerID      string
	passwordHash string
}

// Verifier is a threadsafe static credential table.
type Verifier struct {
	mu    sync.RWMutex
	users map[string]user
}

// New creates an empty verifier.
func New() *Verifier {
	return &Verifier{users: make(map[string]user)}
}

// AddUser registers a username with its password, which is stored only as a
// bcrypt hash. The ownerID is what issued tokens will carry.
func (v *Verifier) AddUser(username, password, ownerID string) error {
	if username == "" || ownerID == "" {
		return fmt.Errorf("username and owner ID are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.users[username] = user{ownerID: ownerID, passwordHash: string(hash)}
	return nil
}

// VerifyCredentials implements identity.Verifier.
func (v *Verifier) VerifyCredentials(ctx context.Context, username, password string) (string, error) {
	v.mu.RLock()
	u, ok := v.users[username]
	v.mu.RUnlock()

	hash := dummyHash
	if ok {
		hash = u.passwordHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil || !ok {
		return "", identity.ErrInvalidCredentials
	}
	return u.ownerID, nil
}

var _ identity.Verifier = (*Verifier)(nil)
