// Package security provides the cross-cutting protections used by the
// authorization server: audit logging with hashed owner identifiers, token
// bucket rate limiting with LRU eviction, AES-256-GCM encryption for data at
// rest, security response headers, client IP extraction behind trusted
// proxies, request ID propagation, and clock skew tolerant expiry checks.
package security
