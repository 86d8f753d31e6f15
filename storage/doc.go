// Package storage defines the persistence contracts for the authorization
// server: clients, authorization transactions and codes, access and refresh
// tokens, refresh token families, and the deny list for self-contained
// tokens.
//
// Two operations carry the server's replay defenses and must be atomic in
// every implementation:
//
//   - FlowStore.AtomicCheckAndMarkAuthCodeUsed enforces single-use
//     authorization codes. Of N concurrent exchanges of the same code,
//     exactly one observes Used == false.
//   - TokenStore.AtomicGetAndDeleteRefreshToken enforces single-use refresh
//     tokens under rotation. Of N concurrent redemptions, exactly one
//     receives the record.
//
// Implementations live in subpackages:
//   - storage/memory: single-process store for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed store for production
//   - storage/mock: configurable fakes for unit tests
package storage
