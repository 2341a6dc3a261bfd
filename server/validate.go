package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/courseloop/oauth/storage"
)

// RFC 7636 code verifier length bounds.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// Principal is the identity a validated bearer token resolves to. Resource
// server middleware attaches this to the request context.
type Principal struct {
	UserID   string
	ClientID string
	Scope    string
}

// ValidateAccessToken resolves a bearer token to its principal. Unknown,
// revoked, and expired tokens all produce the same invalid_token error. This
// sits on the hot path of every protected request: one read-only store
// lookup, no writes.
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*Principal, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("missing access token")
	}

	token, err := s.store.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, ErrInvalidToken("invalid access token")
	}
	if token.Revoked {
		return nil, ErrInvalidToken("invalid access token")
	}
	if s.isExpired(token.AccessExpiresAt) {
		return nil, ErrInvalidToken("invalid access token")
	}

	return &Principal{
		UserID:   token.UserID,
		ClientID: token.ClientID,
		Scope:    token.Scope,
	}, nil
}

// validateRedirectURI requires redirectURI to be byte-exact equal to one of
// the client's registered URIs.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri not registered")
}

// validateScopes checks a requested scope string against the configured
// allow-list. An empty configured list allows everything.
func (s *Server) validateScopes(scope string) error {
	if scope == "" || len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	supported := make(map[string]struct{}, len(s.Config.SupportedScopes))
	for _, sc := range s.Config.SupportedScopes {
		supported[sc] = struct{}{}
	}

	for _, requested := range strings.Fields(scope) {
		if _, ok := supported[requested]; !ok {
			return fmt.Errorf("unsupported scope: %s", requested)
		}
	}
	return nil
}

// isScopeSubset reports whether every token in requested also appears in
// granted. Scope strings are space-delimited per RFC 6749.
func isScopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]struct{})
	for _, sc := range strings.Fields(granted) {
		grantedSet[sc] = struct{}{}
	}
	for _, sc := range strings.Fields(requested) {
		if _, ok := grantedSet[sc]; !ok {
			return false
		}
	}
	return true
}

// validatePKCE verifies a code_verifier against the challenge stored on the
// authorization code, per RFC 7636. A stored challenge with an empty method
// means "plain" (the RFC default, only reachable when plain is allowed).
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// Code was issued without PKCE.
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier length must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	// RFC 7636: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~" only.
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to avoid a byte-position oracle.
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
