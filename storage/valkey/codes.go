package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/courseloop/oauth/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores an authorization code record. The TTL covers
// the code lifetime plus the retention window so replays shortly after
// expiry are still recognized as reuse rather than reported as unknown.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.Code)
	ttl := s.recordTTL(code.ExpiresAt)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code record without
// consuming it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAndUnmarshal(ctx, s, s.codeKey(code), storage.ErrCodeNotFound, fromAuthorizationCodeJSON)
}

// ClaimAuthorizationCode atomically marks a code as used via a Lua script.
// Exactly one concurrent caller across all server instances succeeds; the
// rest get the prior record alongside ErrCodeUsed.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClaimCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to claim authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case strings.HasPrefix(result, "ALREADY_USED:"):
		payload := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse claimed authorization code: %w", err)
	}

	s.logger.Debug("Claimed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}
