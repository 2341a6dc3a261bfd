package server

import (
	"context"
	"errors"

	"github.com/courseloop/oauth/storage"
)

// Token type hints from RFC 7009.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// RevokeRequest carries a parsed revocation request.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string // optional: "access_token" or "refresh_token"
	ClientID      string
	ClientSecret  string
	ClientIP      string
}

// Revoke implements RFC 7009 revocation. After the client authenticates,
// the call always succeeds: unknown tokens, already-revoked tokens, and
// tokens owned by a different client are all silent no-ops. The uniform
// response is deliberate; anything else turns the endpoint into a token
// existence oracle. The hint only orders the lookup, a wrong hint is not an
// error.
func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) error {
	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}

	if req.Token == "" {
		// RFC 7009 treats an unparseable token as a successful no-op.
		return nil
	}

	record := s.lookupTokenForRevocation(ctx, req.Token, req.TokenTypeHint)
	if record == nil || record.ClientID != client.ClientID {
		// Not found, or not ours to revoke. Same answer either way.
		return nil
	}

	if err := s.store.RevokeToken(ctx, record.AccessToken); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		// Storage being down is the one internal failure worth surfacing:
		// the caller believes the token is dead, so it must actually die.
		s.Logger.Error("Failed to revoke token", "error", err)
		return ErrServerError("failed to revoke token")
	}

	s.Logger.Info("Revoked token",
		"client_id", client.ClientID,
		"token_prefix", safeTruncate(req.Token, tokenIDLogLength))
	s.Auditor.LogTokenRevoked(record.UserID, client.ClientID, req.ClientIP, req.TokenTypeHint)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRevocation(ctx, client.ClientID)
	}

	return nil
}

// lookupTokenForRevocation resolves a presented token to its record. The hint
// picks which index to try first; both are always tried because clients get
// hints wrong.
func (s *Server) lookupTokenForRevocation(ctx context.Context, token, hint string) *storage.Token {
	lookups := []func(context.Context, string) (*storage.Token, error){
		s.store.GetByAccessToken,
		s.store.GetByRefreshToken,
	}
	if hint == TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		if record, err := lookup(ctx, token); err == nil {
			return record
		}
	}
	return nil
}
