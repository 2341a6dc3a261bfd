package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/courseloop/oauth/security"
	"github.com/courseloop/oauth/server"
	"github.com/courseloop/oauth/storage/memory"
)

const (
	testOwnerID     = "owner-1"
	testUserID      = "user-1"
	testRedirectURI = "https://app.example.com/callback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupHandler builds a handler whose authenticator always resolves testUserID.
func setupHandler(t *testing.T) (*Handler, *server.Server) {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(func() { store.Stop() })

	srv, err := server.New(store, &server.Config{
		Issuer:          "https://auth.example.com",
		SupportedScopes: []string{"openid", "email"},
		BcryptCost:      bcrypt.MinCost,
	}, testLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	authenticator := UserAuthenticatorFunc(func(r *http.Request) (string, error) {
		return testUserID, nil
	})
	return NewHandler(srv, authenticator, testLogger()), srv
}

func registerHandlerClient(t *testing.T, srv *server.Server) (clientID, clientSecret string) {
	t.Helper()

	client, secret, err := srv.RegisterClient(context.Background(), server.RegisterClientRequest{
		OwnerUserID:  testOwnerID,
		ClientName:   "Handler Test Client",
		ClientType:   server.ClientTypeConfidential,
		RedirectURIs: []string{testRedirectURI},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client.ClientID, secret
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

// authorizeViaHTTP runs GET /authorize and returns the code from the redirect.
func authorizeViaHTTP(t *testing.T, h *Handler, clientID, scope, state string) (code, redirect string) {
	t.Helper()

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
	}
	if scope != "" {
		params.Set("scope", scope)
	}
	if state != "" {
		params.Set("state", state)
	}

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("GET /authorize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	parsed, err := url.Parse(location)
	if err != nil {
		t.Fatalf("failed to parse Location %q: %v", location, err)
	}
	code = parsed.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", location)
	}
	return code, location
}

// postToken runs POST /token with client_secret_post credentials.
func postToken(t *testing.T, h *Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)
	return rec
}

func TestHandler_FullAuthorizationCodeFlow(t *testing.T) {
	h, srv := setupHandler(t)
	clientID, clientSecret := registerHandlerClient(t, srv)

	code, redirect := authorizeViaHTTP(t, h, clientID, "openid email", "client-state")

	parsed, _ := url.Parse(redirect)
	if got := parsed.Query().Get("state"); got != "client-state" {
		t.Errorf("state = %q, want %q", got, "client-state")
	}

	// Exchange the code.
	rec := postToken(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /token status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var tokenResp server.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokenResp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" {
		t.Fatalf("token response incomplete: %+v", tokenResp)
	}
	if tokenResp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", tokenResp.TokenType)
	}

	// Replaying the code fails with invalid_grant.
	rec = postToken(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed code status = %d, want 400", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body["error"] != "invalid_grant" {
		t.Errorf("replayed code error = %q, want invalid_grant", body["error"])
	}

	// Refresh: the old access token dies, the new pair works.
	rec = postToken(t, h, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {tokenResp.RefreshToken},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var refreshed server.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("failed to decode refresh response: %v", err)
	}
	if _, err := srv.ValidateAccessToken(context.Background(), tokenResp.AccessToken); err == nil {
		t.Error("pre-rotation access token still validates")
	}

	// Revoke the new pair and confirm it is dead.
	form := url.Values{
		"token":           {refreshed.AccessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {clientID},
		"client_secret":   {clientSecret},
	}
	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeRevocation(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /revoke status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := srv.ValidateAccessToken(context.Background(), refreshed.AccessToken); err == nil {
		t.Error("revoked access token still validates")
	}
}

func TestHandler_TokenEndpointBasicAuth(t *testing.T) {
	h, srv := setupHandler(t)
	clientID, clientSecret := registerHandlerClient(t, srv)
	code, _ := authorizeViaHTTP(t, h, clientID, "", "")

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /token with Basic auth status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_TokenEndpointErrors(t *testing.T) {
	h, srv := setupHandler(t)
	clientID, clientSecret := registerHandlerClient(t, srv)

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "invalid_request",
		},
		{
			name:   "unsupported grant type",
			method: http.MethodPost,
			form: url.Values{
				"grant_type":    {"client_credentials"},
				"client_id":     {clientID},
				"client_secret": {clientSecret},
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name:   "bad client credentials",
			method: http.MethodPost,
			form: url.Values{
				"grant_type":    {"authorization_code"},
				"client_id":     {clientID},
				"client_secret": {"wrong"},
				"code":          {"whatever"},
				"redirect_uri":  {testRedirectURI},
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/token", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			h.ServeToken(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body: %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if body := decodeErrorBody(t, rec); body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
					t.Errorf("WWW-Authenticate = %q, want Bearer", got)
				}
			}
		})
	}
}

func TestHandler_AuthorizationEndpointRequiresUser(t *testing.T) {
	_, srv := setupHandler(t)
	clientID, _ := registerHandlerClient(t, srv)

	h := NewHandler(srv, UserAuthenticatorFunc(func(r *http.Request) (string, error) {
		return "", fmt.Errorf("no session")
	}), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/authorize?response_type=code&client_id="+clientID, nil)
	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandler_RequireToken(t *testing.T) {
	h, srv := setupHandler(t)
	clientID, clientSecret := registerHandlerClient(t, srv)
	code, _ := authorizeViaHTTP(t, h, clientID, "openid", "")

	rec := postToken(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /token status = %d", rec.Code)
	}
	var pair server.TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}

	var gotPrincipal *server.Principal
	protected := h.RequireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{name: "valid token", authHeader: "Bearer " + pair.AccessToken, wantStatus: http.StatusOK},
		{name: "lowercase scheme", authHeader: "bearer " + pair.AccessToken, wantStatus: http.StatusOK},
		{name: "missing header", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", authHeader: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "empty token", authHeader: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "unknown token", authHeader: "Bearer never-issued", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body: %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
					t.Errorf("WWW-Authenticate = %q, want Bearer", got)
				}
				return
			}
			if gotPrincipal == nil || gotPrincipal.UserID != testUserID {
				t.Errorf("principal = %+v, want user %q", gotPrincipal, testUserID)
			}
		})
	}
}

func TestHandler_RevocationUniformResponse(t *testing.T) {
	h, srv := setupHandler(t)
	clientID, clientSecret := registerHandlerClient(t, srv)

	for _, token := range []string{"never-issued", ""} {
		form := url.Values{
			"token":         {token},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		}
		req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.ServeRevocation(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("POST /revoke(token=%q) status = %d, want 200", token, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["message"] != "Token revoked successfully" {
			t.Errorf("message = %q", body["message"])
		}
	}
}

func TestHandler_RateLimit(t *testing.T) {
	h, srv := setupHandler(t)
	clientID, _ := registerHandlerClient(t, srv)

	// One request per second with a burst of one: the second request in the
	// same instant must be rejected.
	limiter := security.NewRateLimiter(1, 1, testLogger())
	t.Cleanup(limiter.Stop)
	srv.SetRateLimiter(limiter)

	target := "/authorize?response_type=code&client_id=" + clientID +
		"&redirect_uri=" + url.QueryEscape(testRedirectURI)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("first request status = %d, want 302", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, target, nil)
	rec = httptest.NewRecorder()
	h.ServeAuthorization(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body["error"] != "rate_limit_exceeded" {
		t.Errorf("error = %q, want rate_limit_exceeded", body["error"])
	}

	// A different source IP has its own bucket.
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.1.2.3:4567"
	rec = httptest.NewRecorder()
	h.ServeAuthorization(rec, req)
	if rec.Code != http.StatusFound {
		t.Errorf("request from fresh IP status = %d, want 302", rec.Code)
	}
}

func TestHandler_SecurityHeaders(t *testing.T) {
	h, srv := setupHandler(t)
	clientID, clientSecret := registerHandlerClient(t, srv)

	rec := postToken(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {"bogus"},
		"redirect_uri":  {testRedirectURI},
	})

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}
