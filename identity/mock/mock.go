// Package mock provides a configurable identity.Verifier for tests.
package mock

import (
	"context"
	"sync"

	"github.com/gallerio/oauth/identity"
)

// Verifier delegates to a replaceable function and counts calls.
type Verifier struct {
	mu sync.Mutex

	// VerifyFunc handles VerifyCredentials when set; the default rejects
	// everything.
	VerifyFunc func(ctx context.Context, username, password string) (string, error)

	// Calls records every (username, password) pair seen.
	Calls []struct{ Username, Password string }
}

// New creates a mock verifier.
func New() *Verifier {
	return &Verifier{}
}

// VerifyCredentials implements identity.Verifier.
func (v *Verifier) VerifyCredentials(ctx context.Context, username, password string) (string, error) {
	v.mu.Lock()
	v.Calls = append(v.Calls, struct{ Username, Password string }{username, password})
	fn := v.VerifyFunc
	v.mu.Unlock()

	if fn != nil {
		return fn(ctx, username, password)
	}
	return "", identity.ErrInvalidCredentials
}

// CallCount returns how many times VerifyCredentials ran.
func (v *Verifier) CallCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Calls)
}

var _ identity.Verifier = (*Verifier)(nil)
