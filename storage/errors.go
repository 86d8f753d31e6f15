package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is; implementations may wrap them with additional context.
var (
	ErrClientNotFound           = errors.New("client not found")
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	ErrTransactionNotFound = errors.New("authorization transaction not found")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")

	ErrFamilyNotFound = errors.New("refresh token family not found")
	ErrFamilyRevoked  = errors.New("refresh token family revoked")
)
