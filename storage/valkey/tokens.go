package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/courseloop/oauth/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores a token record and its lookup indexes: the refresh token
// index, the rotation family set, and the user+client set. Every key shares
// the record's TTL so the indexes die with the record.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	end := token.AccessExpiresAt
	if token.RefreshToken != "" && token.RefreshExpiresAt.After(end) {
		end = token.RefreshExpiresAt
	}
	ttl := s.recordTTL(end)
	ttlSeconds := int64(ttl.Seconds())

	key := s.tokenKey(token.AccessToken)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	if token.RefreshToken != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.refreshKey(token.RefreshToken)).Value(token.AccessToken).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
	}

	if token.FamilyID != "" {
		familyKey := s.familyKey(token.FamilyID)
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(familyKey).Member(token.AccessToken).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to index token family: %w", err)
		}
		// Keep the family set alive as long as its newest member.
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(familyKey).Seconds(ttlSeconds).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to set TTL on family index", "error", err)
		}
	}

	userClientKey := s.userClientKey(token.UserID, token.ClientID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(userClientKey).Member(token.AccessToken).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index token by user and client: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(userClientKey).Seconds(ttlSeconds).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on user-client index", "error", err)
	}

	s.logger.Debug("Saved token",
		"token_prefix", safeTruncate(token.AccessToken, tokenIDLogLength),
		"client_id", token.ClientID,
		"family_id", token.FamilyID,
		"generation", token.Generation)
	return nil
}

// GetByAccessToken retrieves a token record by access token.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	return getAndUnmarshal(ctx, s, s.tokenKey(accessToken), storage.ErrTokenNotFound, fromTokenJSON)
}

// GetByRefreshToken retrieves a token record by refresh token.
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	accessToken, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(refreshToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}
	return s.GetByAccessToken(ctx, accessToken)
}

// RevokeRefreshTokenIfActive atomically revokes the record behind a refresh
// token via a Lua script. Exactly one concurrent caller across all server
// instances wins; the rest get the prior record alongside ErrTokenRevoked.
func (s *Store) RevokeRefreshTokenIfActive(ctx context.Context, refreshToken string) (*storage.Token, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeRefreshIfActive).
			Numkeys(1).
			Key(s.refreshKey(refreshToken)).
			Arg(fmt.Sprintf("%d", s.now().Unix())).
			Arg(s.tokenKeyPrefix()).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case strings.HasPrefix(result, "ALREADY_REVOKED:"):
		payload := strings.TrimPrefix(result, "ALREADY_REVOKED:")
		var j tokenJSON
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse revoked token", storage.ErrTokenRevoked)
		}
		return fromTokenJSON(&j), storage.ErrTokenRevoked
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse revoked token: %w", err)
	}

	s.logger.Debug("Revoked refresh token",
		"token_prefix", safeTruncate(refreshToken, tokenIDLogLength),
		"family_id", j.FamilyID,
		"generation", j.Generation)
	return fromTokenJSON(&j), nil
}

// RevokeToken revokes the record holding the given access token. Idempotent.
func (s *Store) RevokeToken(ctx context.Context, accessToken string) error {
	result, err := s.revokeByTokenKey(ctx, s.tokenKey(accessToken))
	if err != nil {
		return err
	}
	if result == "NOT_FOUND" {
		return storage.ErrTokenNotFound
	}
	if result == "REVOKED" {
		s.logger.Debug("Revoked token",
			"token_prefix", safeTruncate(accessToken, tokenIDLogLength))
	}
	return nil
}

// RevokeTokenFamily revokes every active token record in the given rotation
// family. Returns the number of records revoked.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	return s.revokeSetMembers(ctx, s.familyKey(familyID), "family_id", familyID)
}

// RevokeTokensForUserClient revokes every active token record issued to the
// given user and client pair. Returns the number of records revoked.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return s.revokeSetMembers(ctx, s.userClientKey(userID, clientID), "client_id", clientID)
}

// revokeSetMembers revokes every active token listed in an index set.
func (s *Store) revokeSetMembers(ctx context.Context, setKey, logKey, logValue string) (int, error) {
	accessTokens, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read token index: %w", err)
	}

	revoked := 0
	for _, accessToken := range accessTokens {
		result, err := s.revokeByTokenKey(ctx, s.tokenKey(accessToken))
		if err != nil {
			return revoked, err
		}
		if result == "REVOKED" {
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked token set",
			logKey, logValue,
			"revoked_count", revoked)
	}
	return revoked, nil
}

// revokeByTokenKey runs the idempotent revocation script against one record.
func (s *Store) revokeByTokenKey(ctx context.Context, tokenKey string) (string, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(tokenKey).
			Arg(fmt.Sprintf("%d", s.now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to revoke token record: %w", err)
	}
	return result, nil
}
