package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match with
// errors.Is and translate to the uniform OAuth wire errors; the distinctions
// exist for logging and reuse detection, never for client responses.
var (
	// ErrClientNotFound indicates no client record exists for the given ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrCodeNotFound indicates no authorization code record exists.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeUsed indicates the authorization code was already claimed.
	// ClaimAuthorizationCode returns the prior record alongside this error
	// so callers can run reuse detection.
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrTokenNotFound indicates no token record exists for the given value.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenRevoked indicates the token record was already revoked.
	// RevokeRefreshTokenIfActive returns the prior record alongside this
	// error so callers can run reuse detection.
	ErrTokenRevoked = errors.New("token already revoked")
)
