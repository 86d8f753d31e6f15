package oauth

import (
	"net/http"

	"github.com/gallerio/oauth/server"
)

// OAuth 2.0 error codes, re-exported so embedders only import this package.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// statusForErrorCode maps RFC 6749/6750 error codes to HTTP status codes.
// access_denied is absent on purpose: it is delivered by redirect, never as
// a direct response.
func statusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
