// Package security provides the security primitives shared by the
// authorization server: secret hashing, audit logging with PII protection,
// per-identifier rate limiting, clock abstraction with skew tolerance, and
// hardened HTTP response headers.
package security
