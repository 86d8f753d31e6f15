// Package server implements the OAuth 2.0 grant engine: authorization
// transactions with consent, the authorization-code grant with PKCE, the
// implicit grant, the resource-owner password grant, refresh token rotation
// with family-based replay detection, and bearer token validation.
//
// The engine is transport-free. The root oauth package wires it onto HTTP
// handlers; this package only speaks in terms of validated requests and
// storage interfaces.
//
// Replay defense is the engine's core invariant: authorization codes and
// refresh tokens are consumed through atomic storage operations, and any
// reuse of a consumed credential cascades into revocation of everything
// derived from it.
package server
