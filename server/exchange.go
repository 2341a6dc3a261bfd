package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/oauth/security"
	"github.com/courseloop/oauth/storage"
)

// GrantType is the closed set of supported token grants. Wire strings are
// resolved once at the boundary via ParseGrantType; everything past that point
// dispatches on the enum so a new grant cannot be added without the compiler
// pointing at every switch.
type GrantType int

const (
	GrantTypeUnknown GrantType = iota
	GrantTypeAuthorizationCode
	GrantTypeRefreshToken
)

// Wire-level grant type strings.
const (
	grantStringAuthorizationCode = "authorization_code"
	grantStringRefreshToken      = "refresh_token"
)

// ParseGrantType resolves a wire-level grant_type string.
func ParseGrantType(raw string) (GrantType, error) {
	switch raw {
	case grantStringAuthorizationCode:
		return GrantTypeAuthorizationCode, nil
	case grantStringRefreshToken:
		return GrantTypeRefreshToken, nil
	default:
		return GrantTypeUnknown, fmt.Errorf("unsupported grant type: %q", raw)
	}
}

// String returns the wire-level representation.
func (g GrantType) String() string {
	switch g {
	case GrantTypeAuthorizationCode:
		return grantStringAuthorizationCode
	case GrantTypeRefreshToken:
		return grantStringRefreshToken
	default:
		return "unknown"
	}
}

// TokenRequest carries a parsed token endpoint request.
type TokenRequest struct {
	GrantType    GrantType
	ClientID     string
	ClientSecret string

	// authorization_code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant
	RefreshToken string
	Scope        string

	// ClientIP is used for audit logging only.
	ClientIP string
}

// TokenResponse is the RFC 6749 success response of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Exchange is the single entry point of the token endpoint. The client is
// authenticated before any grant parameter is inspected; authentication
// failure yields invalid_client regardless of what else is wrong with the
// request.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, req)
	case GrantTypeRefreshToken:
		return s.exchangeRefreshToken(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant type")
	}
}

// exchangeAuthorizationCode redeems a single-use authorization code. The code
// is claimed atomically before any further check, so under concurrent
// redemption exactly one caller proceeds past the claim. Checks that fail
// after the claim leave the code consumed: a code that reached a failing
// exchange is burned, never resurrected.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" || req.RedirectURI == "" {
		return nil, ErrInvalidRequest("code and redirect_uri are required")
	}

	record, err := s.store.ClaimAuthorizationCode(ctx, req.Code)
	switch {
	case err == nil:
		// Claimed; continue below.
	case errors.Is(err, storage.ErrCodeUsed):
		s.handleCodeReuse(ctx, client, record, req.ClientIP)
		return nil, ErrInvalidGrant("invalid grant")
	case errors.Is(err, storage.ErrCodeNotFound):
		s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "code_not_found")
		return nil, ErrInvalidGrant("invalid grant")
	default:
		s.Logger.Error("Failed to claim authorization code", "error", err)
		return nil, ErrServerError("storage failure")
	}

	// Every check below runs against the claimed record. Failures return
	// uniform invalid_grant so callers cannot probe which binding broke.
	if record.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(record.UserID, client.ClientID, req.ClientIP, "code_client_mismatch")
		return nil, ErrInvalidGrant("invalid grant")
	}
	if s.isExpired(record.ExpiresAt) {
		s.Auditor.LogAuthFailure(record.UserID, client.ClientID, req.ClientIP, "code_expired")
		return nil, ErrInvalidGrant("invalid grant")
	}
	if record.RedirectURI != req.RedirectURI {
		s.Auditor.LogAuthFailure(record.UserID, client.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("invalid grant")
	}
	if err := s.validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Logger.Warn("PKCE validation failed",
			"client_id", client.ClientID,
			"error", err)
		s.Auditor.LogAuthFailure(record.UserID, client.ClientID, req.ClientIP, "pkce_mismatch")
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	// New grant starts a new rotation family.
	token, resp, err := s.mintTokenPair(ctx, record.UserID, client.ClientID, record.Scope, uuid.NewString(), 1)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Exchanged authorization code",
		"client_id", client.ClientID,
		"code_prefix", safeTruncate(req.Code, tokenIDLogLength),
		"family_id", token.FamilyID)
	s.Auditor.LogTokenIssued(record.UserID, client.ClientID, req.ClientIP, record.Scope)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchange(ctx, client.ClientID, record.CodeChallengeMethod)
	}

	return resp, nil
}

// handleCodeReuse reacts to an already-used authorization code being
// presented again. Replay means the code leaked in transit, so everything
// minted for the code's user/client pair is revoked, not just the replayed
// exchange rejected.
func (s *Server) handleCodeReuse(ctx context.Context, client *storage.Client, record *storage.AuthorizationCode, clientIP string) {
	s.Logger.Warn("Authorization code reuse detected",
		"client_id", client.ClientID,
		"code_client_id", record.ClientID)
	s.Auditor.LogEvent(securityEventCodeReuse(record, clientIP))
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}

	if !s.Config.RevokeOnCodeReuse {
		return
	}

	revoked, err := s.store.RevokeTokensForUserClient(ctx, record.UserID, record.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse", "error", err)
		return
	}
	if revoked > 0 {
		s.Logger.Warn("Revoked tokens after authorization code reuse",
			"client_id", record.ClientID,
			"revoked_count", revoked)
	}
}

// exchangeRefreshToken rotates a refresh token: the presented token is
// atomically revoked and a brand-new pair is minted in the same family with
// an incremented generation. Under concurrent refresh of the same token
// exactly one caller wins the revocation and mints; the rest observe an
// already-revoked token.
func (s *Server) exchangeRefreshToken(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	record, err := s.store.RevokeRefreshTokenIfActive(ctx, req.RefreshToken)
	switch {
	case err == nil:
		// Won the rotation; continue below.
	case errors.Is(err, storage.ErrTokenRevoked):
		s.handleRefreshReuse(ctx, client, record, req.ClientIP)
		return nil, ErrInvalidGrant("invalid grant")
	case errors.Is(err, storage.ErrTokenNotFound):
		s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "refresh_token_not_found")
		return nil, ErrInvalidGrant("invalid grant")
	default:
		s.Logger.Error("Failed to revoke refresh token for rotation", "error", err)
		return nil, ErrServerError("storage failure")
	}

	// The old record is revoked at this point no matter what happens next.
	// An expired or foreign token must never become usable again, so none of
	// the failing paths below un-revoke it.
	if record.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(record.UserID, client.ClientID, req.ClientIP, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("invalid grant")
	}
	if s.isExpired(record.RefreshExpiresAt) {
		s.Auditor.LogAuthFailure(record.UserID, client.ClientID, req.ClientIP, "refresh_token_expired")
		return nil, ErrInvalidGrant("invalid grant")
	}

	scope := record.Scope
	if req.Scope != "" {
		if !isScopeSubset(req.Scope, record.Scope) {
			s.Auditor.LogAuthFailure(record.UserID, client.ClientID, req.ClientIP, "scope_escalation")
			return nil, ErrInvalidScope("requested scope exceeds granted scope")
		}
		scope = req.Scope
	}

	familyID := record.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}
	token, resp, err := s.mintTokenPair(ctx, record.UserID, client.ClientID, scope, familyID, record.Generation+1)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Rotated refresh token",
		"client_id", client.ClientID,
		"family_id", token.FamilyID,
		"generation", token.Generation)
	s.Auditor.LogTokenRefreshed(record.UserID, client.ClientID, req.ClientIP, token.Generation)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRefresh(ctx, client.ClientID, token.Generation)
	}

	return resp, nil
}

// handleRefreshReuse reacts to an already-rotated refresh token being
// presented again. A stale refresh token in flight means either the client
// lost state or the token leaked; the whole rotation lineage is revoked so a
// thief holding any descendant is cut off.
func (s *Server) handleRefreshReuse(ctx context.Context, client *storage.Client, record *storage.Token, clientIP string) {
	s.Logger.Warn("Refresh token reuse detected",
		"client_id", client.ClientID,
		"family_id", record.FamilyID,
		"generation", record.Generation)
	s.Auditor.LogEvent(securityEventTokenReuse(record, clientIP))
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	}

	if !s.Config.RevokeFamilyOnReuse {
		return
	}

	var revoked int
	var err error
	if record.FamilyID != "" {
		revoked, err = s.store.RevokeTokenFamily(ctx, record.FamilyID)
	} else {
		revoked, err = s.store.RevokeTokensForUserClient(ctx, record.UserID, record.ClientID)
	}
	if err != nil {
		s.Logger.Error("Failed to revoke token family after reuse", "error", err)
		return
	}
	if revoked > 0 {
		s.Logger.Warn("Revoked token family after refresh token reuse",
			"family_id", record.FamilyID,
			"revoked_count", revoked)
	}
}

func securityEventCodeReuse(record *storage.AuthorizationCode, clientIP string) security.Event {
	return security.Event{
		Type:      security.EventCodeReuseDetected,
		UserID:    record.UserID,
		ClientID:  record.ClientID,
		IPAddress: clientIP,
	}
}

func securityEventTokenReuse(record *storage.Token, clientIP string) security.Event {
	return security.Event{
		Type:      security.EventTokenReuseDetected,
		UserID:    record.UserID,
		ClientID:  record.ClientID,
		IPAddress: clientIP,
		Details: map[string]any{
			"family_id":  record.FamilyID,
			"generation": record.Generation,
		},
	}
}

// mintTokenPair generates and persists a fresh access/refresh token record.
func (s *Server) mintTokenPair(ctx context.Context, userID, clientID, scope, familyID string, generation int) (*storage.Token, *TokenResponse, error) {
	now := s.now()
	token := &storage.Token{
		AccessToken:      generateOpaqueToken(),
		RefreshToken:     generateOpaqueToken(),
		ClientID:         clientID,
		UserID:           userID,
		Scope:            scope,
		AccessExpiresAt:  now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
		RefreshExpiresAt: now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		FamilyID:         familyID,
		Generation:       generation,
		CreatedAt:        now,
	}

	if err := s.store.SaveToken(ctx, token); err != nil {
		s.Logger.Error("Failed to save token", "error", err)
		return nil, nil, ErrServerError("failed to persist token")
	}

	return token, &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}, nil
}
