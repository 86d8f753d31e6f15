package server

import (
	"fmt"
	"net/url"
)

// OAuth 2.0 error codes from RFC 6749 and RFC 6750.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// Error is an OAuth 2.0 protocol error. The description is safe to show to
// clients; internal detail stays in logs.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// errInvalidGrant is the deliberately generic error returned for every
// failed redemption, per RFC 6749. Details never reach the caller.
func errInvalidGrant() *Error {
	return NewError(ErrorCodeInvalidGrant, "invalid grant")
}

// RedirectError is a protocol error that must be delivered to the client's
// redirect URI rather than rendered, because the redirect URI itself has
// already been validated.
type RedirectError struct {
	Err         *Error
	RedirectURI string
	State       string

	// Fragment delivers the error in the URI fragment (implicit grant).
	Fragment bool
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// Location builds the full redirect URL carrying the error and state.
func (e *RedirectError) Location() string {
	v := url.Values{}
	v.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		v.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		v.Set("state", e.State)
	}
	return appendParams(e.RedirectURI, v, e.Fragment)
}

// appendParams attaches params to a redirect URI, as a fragment or as query
// parameters merged with any the URI already carries.
func appendParams(redirectURI string, params url.Values, fragment bool) string {
	if fragment {
		return redirectURI + "#" + params.Encode()
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		// Registered URIs are validated at registration; this is unreachable
		// for stored clients.
		return redirectURI + "?" + params.Encode()
	}
	q := u.Query()
	for key, vals := range params {
		for _, val := range vals {
			q.Set(key, val)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
