package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/courseloop/oauth/storage/memory"
)

const (
	testOwnerID     = "owner-123"
	testUserID      = "user-456"
	testRedirectURI = "https://example.com/callback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(func() { store.Stop() })

	config := &Config{
		Issuer:               "https://auth.example.com",
		SupportedScopes:      []string{"openid", "email", "profile"},
		AuthorizationCodeTTL: 600,
		AccessTokenTTL:       3600,
		RefreshTokenTTL:      86400,
		BcryptCost:           bcrypt.MinCost,
	}

	srv, err := New(store, config, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func registerTestClient(t *testing.T, srv *Server, clientType string, redirectURIs ...string) (clientID, clientSecret string) {
	t.Helper()

	if len(redirectURIs) == 0 {
		redirectURIs = []string{testRedirectURI}
	}
	client, secret, err := srv.RegisterClient(context.Background(), RegisterClientRequest{
		OwnerUserID:  testOwnerID,
		ClientName:   "Test Client",
		ClientType:   clientType,
		RedirectURIs: redirectURIs,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client.ClientID, secret
}

// pkceChallengeS256 derives an S256 challenge from a verifier.
func pkceChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// codeFromRedirect extracts the code query parameter from an authorization
// redirect target.
func codeFromRedirect(t *testing.T, redirect string) string {
	t.Helper()

	parsed, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("failed to parse redirect %q: %v", redirect, err)
	}
	code := parsed.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", redirect)
	}
	return code
}

func assertOAuthError(t *testing.T, err error, wantCode string) *Error {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	oauthErr, ok := AsOAuthError(err)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oauthErr.Code != wantCode {
		t.Fatalf("error code = %q, want %q (description: %s)", oauthErr.Code, wantCode, oauthErr.Description)
	}
	return oauthErr
}

func TestServer_Authorize(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupTestServer(t)
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential)

	verifier := oauth2.GenerateVerifier()
	challenge := pkceChallengeS256(verifier)

	tests := []struct {
		name     string
		req      AuthorizationRequest
		wantCode string // oauth error code, empty for success
	}{
		{
			name: "valid request without PKCE",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     clientID,
				RedirectURI:  testRedirectURI,
				Scope:        "openid email",
				UserID:       testUserID,
			},
		},
		{
			name: "valid request with S256 PKCE",
			req: AuthorizationRequest{
				ResponseType:        ResponseTypeCode,
				ClientID:            clientID,
				RedirectURI:         testRedirectURI,
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
				UserID:              testUserID,
			},
		},
		{
			name: "unsupported response type",
			req: AuthorizationRequest{
				ResponseType: "token",
				ClientID:     clientID,
				RedirectURI:  testRedirectURI,
				UserID:       testUserID,
			},
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name: "unknown client",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     "no-such-client",
				RedirectURI:  testRedirectURI,
				UserID:       testUserID,
			},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name: "unregistered redirect URI",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     clientID,
				RedirectURI:  "https://evil.example.com/callback",
				UserID:       testUserID,
			},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "redirect URI with appended suffix",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     clientID,
				RedirectURI:  testRedirectURI + "/../attacker",
				UserID:       testUserID,
			},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "redirect URI differing only in trailing slash",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     clientID,
				RedirectURI:  testRedirectURI + "/",
				UserID:       testUserID,
			},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "missing redirect URI",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     clientID,
				UserID:       testUserID,
			},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name: "scope outside allow-list",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     clientID,
				RedirectURI:  testRedirectURI,
				Scope:        "openid admin",
				UserID:       testUserID,
			},
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name: "plain PKCE method rejected",
			req: AuthorizationRequest{
				ResponseType:        ResponseTypeCode,
				ClientID:            clientID,
				RedirectURI:         testRedirectURI,
				CodeChallenge:       verifier,
				CodeChallengeMethod: PKCEMethodPlain,
				UserID:              testUserID,
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "challenge without method rejected",
			req: AuthorizationRequest{
				ResponseType:  ResponseTypeCode,
				ClientID:      clientID,
				RedirectURI:   testRedirectURI,
				CodeChallenge: challenge,
				UserID:        testUserID,
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "method without challenge rejected",
			req: AuthorizationRequest{
				ResponseType:        ResponseTypeCode,
				ClientID:            clientID,
				RedirectURI:         testRedirectURI,
				CodeChallengeMethod: PKCEMethodS256,
				UserID:              testUserID,
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "no authenticated user",
			req: AuthorizationRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     clientID,
				RedirectURI:  testRedirectURI,
			},
			wantCode: ErrorCodeServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redirect, err := srv.Authorize(ctx, tt.req)
			if tt.wantCode != "" {
				assertOAuthError(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if !strings.HasPrefix(redirect, testRedirectURI) {
				t.Errorf("redirect %q does not target %q", redirect, testRedirectURI)
			}
			codeFromRedirect(t, redirect)
		})
	}
}

func TestServer_Authorize_RedirectCarriesCodeAndState(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupTestServer(t)

	// Registered URI already carries a query parameter; it must survive.
	registeredURI := "https://example.com/callback?env=prod"
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential, registeredURI)

	redirect, err := srv.Authorize(ctx, AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     clientID,
		RedirectURI:  registeredURI,
		State:        "xyz-state",
		UserID:       testUserID,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	parsed, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	query := parsed.Query()
	if query.Get("code") == "" {
		t.Error("redirect is missing the code parameter")
	}
	if got := query.Get("state"); got != "xyz-state" {
		t.Errorf("state = %q, want %q", got, "xyz-state")
	}
	if got := query.Get("env"); got != "prod" {
		t.Errorf("registered query parameter env = %q, want %q", got, "prod")
	}
}

func TestServer_Authorize_StateOmittedWhenAbsent(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupTestServer(t)
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential)

	redirect, err := srv.Authorize(ctx, AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     clientID,
		RedirectURI:  testRedirectURI,
		UserID:       testUserID,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	parsed, _ := url.Parse(redirect)
	if _, present := parsed.Query()["state"]; present {
		t.Errorf("redirect %q carries a state parameter for a request without one", redirect)
	}
}

func TestServer_Authorize_MintsFreshCodePerCall(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupTestServer(t)
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential)

	req := AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     clientID,
		RedirectURI:  testRedirectURI,
		UserID:       testUserID,
	}

	first, err := srv.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("first Authorize() error = %v", err)
	}
	second, err := srv.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("second Authorize() error = %v", err)
	}

	if codeFromRedirect(t, first) == codeFromRedirect(t, second) {
		t.Error("two authorization requests produced the same code")
	}
}

func TestServer_Authorize_RequirePKCE(t *testing.T) {
	ctx := context.Background()
	store := memory.NewWithInterval(0)
	t.Cleanup(func() { store.Stop() })

	srv, err := New(store, &Config{
		RequirePKCE: true,
		BcryptCost:  bcrypt.MinCost,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential)

	_, err = srv.Authorize(ctx, AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     clientID,
		RedirectURI:  testRedirectURI,
		UserID:       testUserID,
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	verifier := oauth2.GenerateVerifier()
	_, err = srv.Authorize(ctx, AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       pkceChallengeS256(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testUserID,
	})
	if err != nil {
		t.Fatalf("Authorize() with challenge error = %v", err)
	}
}

func TestServer_Authorize_PlainPKCEWhenAllowed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewWithInterval(0)
	t.Cleanup(func() { store.Stop() })

	srv, err := New(store, &Config{
		AllowPKCEPlain: true,
		BcryptCost:     bcrypt.MinCost,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential)

	verifier := oauth2.GenerateVerifier()
	_, err = srv.Authorize(ctx, AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       verifier,
		CodeChallengeMethod: PKCEMethodPlain,
		UserID:              testUserID,
	})
	if err != nil {
		t.Fatalf("Authorize() with plain challenge error = %v", err)
	}
}

func TestServer_Authorize_DeactivatedClient(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupTestServer(t)
	clientID, _ := registerTestClient(t, srv, ClientTypeConfidential)

	if err := srv.DeactivateClient(ctx, clientID, testOwnerID); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}

	_, err := srv.Authorize(ctx, AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     clientID,
		RedirectURI:  testRedirectURI,
		UserID:       testUserID,
	})
	assertOAuthError(t, err, ErrorCodeInvalidClient)
}
