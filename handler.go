package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/courseloop/oauth/security"
	"github.com/courseloop/oauth/server"
)

const tokenTypeBearer = "Bearer"

// UserAuthenticator resolves the resource owner behind an authorization
// request. Implementations bridge to the application's own session, login,
// and consent machinery; the OAuth server never sees credentials, only the
// resulting user identity. Returning an error aborts the authorization
// request before any code is minted.
type UserAuthenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// UserAuthenticatorFunc adapts a function to the UserAuthenticator interface.
type UserAuthenticatorFunc func(r *http.Request) (string, error)

// Authenticate implements UserAuthenticator.
func (f UserAuthenticatorFunc) Authenticate(r *http.Request) (string, error) {
	return f(r)
}

// Handler is a thin HTTP adapter for the OAuth server. It parses requests,
// enforces transport concerns (rate limiting, security headers), and
// delegates every protocol decision to the server package.
type Handler struct {
	server        *server.Server
	authenticator UserAuthenticator
	logger        *slog.Logger
}

// NewHandler creates a new HTTP handler. The authenticator is required: the
// authorization endpoint cannot mint codes without a resource owner.
func NewHandler(srv *server.Server, authenticator UserAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:        srv,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes registers the three protocol endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeRevocation)
}

// ServeAuthorization handles GET /authorize. The resource owner is resolved
// through the configured UserAuthenticator; on success the response is a 302
// redirect back to the client carrying the fresh code and the client's state.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordHTTPRequest(r, "/authorize", start)

	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkIPRateLimit(w, r) {
		return
	}

	userID, err := h.authenticator.Authenticate(r)
	if err != nil || userID == "" {
		h.logger.Warn("Authorization request without authenticated user", "error", err)
		h.writeError(w, ErrorCodeInvalidRequest, "user authentication required", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	redirectURL, err := h.server.Authorize(r.Context(), server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		UserID:              userID,
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /token. Client credentials are accepted both as
// HTTP Basic auth and as form parameters (client_secret_basic and
// client_secret_post).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordHTTPRequest(r, "/token", start)

	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkIPRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	grantType, err := server.ParseGrantType(r.PostFormValue("grant_type"))
	if err != nil {
		h.writeError(w, ErrorCodeUnsupportedGrantType, err.Error(), http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.extractClientCredentials(r)
	resp, err := h.server.Exchange(r.Context(), &server.TokenRequest{
		GrantType:    grantType,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		ClientIP:     h.clientIP(r),
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles POST /revoke per RFC 7009. Once the client
// authenticates, the response is always the same success message; only
// authentication failures and storage errors surface.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.recordHTTPRequest(r, "/revoke", start)

	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkIPRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.extractClientCredentials(r)
	err := h.server.Revoke(r.Context(), &server.RevokeRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		ClientIP:      h.clientIP(r),
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Token revoked successfully",
	})
}

// principalContextKey is the context key for the validated principal.
type principalContextKey struct{}

// RequireToken is middleware for resource servers. It validates the bearer
// token on every request and attaches the resolved principal to the request
// context; requests without a valid token get a 401 with a WWW-Authenticate
// challenge.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := h.extractBearerToken(r)
		if !ok {
			h.writeError(w, ErrorCodeInvalidToken, "missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}

		principal, err := h.server.ValidateAccessToken(r.Context(), token)
		if err != nil {
			h.writeOAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the principal attached by RequireToken.
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*server.Principal)
	return principal, ok
}

// extractClientCredentials reads client credentials from HTTP Basic auth
// first, then from the form body. Basic auth wins when both are present.
func (h *Handler) extractClientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// extractBearerToken pulls the token out of an "Authorization: Bearer" header.
func (h *Handler) extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		return "", false
	}
	return parts[1], parts[1] != ""
}

// clientIP resolves the caller's IP per the proxy trust configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit applies the per-IP limiter when one is configured.
// Returns true when the request was rejected.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.server.RateLimiter == nil {
		return false
	}

	clientIP := h.clientIP(r)
	if h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "rate limit exceeded, try again later", http.StatusTooManyRequests)
	return true
}

// recordHTTPRequest emits request metrics when instrumentation is attached.
func (h *Handler) recordHTTPRequest(r *http.Request, endpoint string, start time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, 0, durationMs)
}

// writeOAuthError maps an error from the server package onto the wire.
// Anything that is not an *Error is treated as an internal failure.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	if oauthErr, ok := AsOAuthError(err); ok {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.logger.Error("Unexpected error", "error", err)
	h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

// writeError writes an RFC 6749 error response.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6749 §5.2: 401 responses must carry a WWW-Authenticate challenge.
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeJSON writes a JSON response with security headers applied.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
