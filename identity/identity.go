// Package identity defines how the authorization server verifies resource
// owner credentials. The server itself never stores passwords; it delegates
// to a Verifier supplied by the embedding application, which may back onto a
// user database, LDAP, or anything else.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned when the username or password is wrong.
// Implementations must not distinguish between an unknown user and a wrong
// password.
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// Verifier checks resource owner credentials for the password grant.
type Verifier interface {
	// VerifyCredentials returns the owner ID for valid credentials, or
	// ErrInvalidCredentials. The check must take the same time for unknown
	// users as for wrong passwords.
	VerifyCredentials(ctx context.Context, username, password string) (string, error)
}
