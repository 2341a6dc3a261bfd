package server

import (
	"context"
	"net/url"
	"time"

	"github.com/courseloop/oauth/storage"
)

// PKCE code challenge methods from RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// AuthorizationRequest carries a validated-and-parsed authorization request.
// UserID comes from the external authentication/consent layer, never from the
// client: by the time this request reaches the server, the resource owner has
// already proven who they are.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string // space-delimited, may be empty
	State               string // opaque passthrough
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
}

// Authorize validates an authorization request, mints a single-use code bound
// to the request's client, user, redirect URI, scope, and PKCE challenge, and
// returns the redirect target carrying the code (and state, when supplied).
// Each call mints a fresh, independent code.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (string, error) {
	if req.ResponseType != ResponseTypeCode {
		return "", ErrUnsupportedResponseType("only response_type=code is supported")
	}
	if req.UserID == "" {
		return "", ErrServerError("no authenticated user for authorization request")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure("", req.ClientID, "", "unknown_client")
		return "", ErrInvalidClient("unknown client")
	}
	if !client.Active {
		s.Auditor.LogAuthFailure("", req.ClientID, "", "client_inactive")
		return "", ErrInvalidClient("unknown client")
	}

	// Byte-exact match against the registered URIs. No prefix or pattern
	// matching: an attacker-controlled suffix must never pass.
	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Auditor.LogAuthFailure(req.UserID, req.ClientID, "", "redirect_uri_mismatch")
		return "", ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	if err := s.validatePKCEParams(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return "", err
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return "", ErrInvalidScope(err.Error())
	}

	code := generateOpaqueToken()
	now := s.now()
	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.store.SaveAuthorizationCode(ctx, record); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError("failed to persist authorization code")
	}

	s.Logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"code_prefix", safeTruncate(code, tokenIDLogLength),
		"pkce", record.CodeChallenge != "")
	s.Auditor.LogCodeIssued(req.UserID, client.ClientID, req.Scope)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordAuthorizationRequest(ctx, client.ClientID, true)
	}

	return buildAuthorizationRedirect(req.RedirectURI, code, req.State), nil
}

// validatePKCEParams checks the challenge parameters at authorization time.
// Verification against the verifier happens at exchange time.
func (s *Server) validatePKCEParams(challenge, method string) error {
	if challenge == "" {
		if s.Config.RequirePKCE {
			return ErrInvalidRequest("code_challenge is required")
		}
		if method != "" {
			return ErrInvalidRequest("code_challenge_method without code_challenge")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256, "":
		// RFC 7636: method defaults to "plain" when absent, but a server
		// that never allows plain treats absence as S256 being mandatory.
		if method == "" && !s.Config.AllowPKCEPlain {
			return ErrInvalidRequest("code_challenge_method is required (S256)")
		}
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return ErrInvalidRequest("code_challenge_method plain is not allowed")
		}
	default:
		return ErrInvalidRequest("unsupported code_challenge_method")
	}
	return nil
}

// buildAuthorizationRedirect appends code and state to the redirect URI,
// preserving any query parameters the client registered.
func buildAuthorizationRedirect(redirectURI, code, state string) string {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		// The URI already passed registration and byte-exact validation.
		return redirectURI
	}

	query := parsed.Query()
	query.Set("code", code)
	if state != "" {
		query.Set("state", state)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
