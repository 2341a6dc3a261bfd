// Package storage defines the persistence interfaces and record types for the
// OAuth authorization server core: registered clients, authorization codes,
// and access/refresh token pairs.
//
// The security-critical operations (redeeming an authorization code, rotating
// a refresh token) are expressed as atomic conditional updates on the store
// (claim-if-unused, revoke-if-active) rather than separate read and write
// calls. Under concurrent redemption exactly one caller claims the record;
// every other caller observes it as already consumed.
//
// Records are never physically deleted by the protocol itself. The used and
// revoked flags are monotonic (false to true only) and expiry is checked at
// read time, which keeps every operation idempotent and the history auditable.
// Implementations may garbage-collect records that are both dead and past
// their retention window.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
