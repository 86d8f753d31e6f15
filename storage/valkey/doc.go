// Package valkey provides Valkey-backed persistence for clients,
// authorization transactions, codes, tokens, and refresh token families.
//
// Record expiry is delegated to native key TTLs, so no sweeper goroutine is
// needed. The single-use guarantees live server side: authorization code
// consumption is a Lua script that checks expiry and the used flag before
// flipping it, and refresh token consumption is a GETDEL. Both leave exactly
// one winner under concurrent redemption, matching the in-memory backend.
//
// Revocation cascades are driven by small index sets: one per grant, one per
// owner and client pair, and one per refresh token family. A handle-to-family
// attribution key written at save time keeps rotated-away refresh handles
// attributable to their family for replay detection after the token record
// itself is gone.
//
// Access and refresh token records can be encrypted at rest by attaching a
// security.Encryptor. Authorization codes stay plaintext because the consume
// script parses them server side; their 60 second lifetime bounds the
// exposure.
package valkey
