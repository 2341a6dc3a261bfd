// Package server implements the core OAuth 2.0 authorization server logic:
// client registration and authentication, authorization code issuance, the
// token exchange engine (authorization_code and refresh_token grants with
// rotation), RFC 7009 revocation, and bearer token validation. The package is
// transport-agnostic; HTTP wiring lives in the root package.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/courseloop/oauth/instrumentation"
	"github.com/courseloop/oauth/internal/util"
	"github.com/courseloop/oauth/security"
	"github.com/courseloop/oauth/storage"
)

// tokenIDLogLength is the number of characters of a code or token that may
// appear in logs.
const tokenIDLogLength = 8

// Server implements the OAuth 2.0 authorization server logic. It coordinates
// the protocol state machine over a storage backend; all conditional state
// transitions (code claiming, refresh rotation) rely on the store's atomic
// primitives, so the Server itself holds no mutable flow state.
type Server struct {
	store  storage.Store
	hasher security.SecretHasher
	clock  security.Clock

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger
	Config      *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a new authorization server.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:  store,
		hasher: &security.BcryptHasher{Cost: config.BcryptCost},
		clock:  security.SystemClock{},
		Logger: logger,
		Config: config,
	}

	return srv, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(auditor *security.Auditor) {
	s.Auditor = auditor
}

// SetRateLimiter sets the IP-based rate limiter consulted by the transport
// layer.
func (s *Server) SetRateLimiter(limiter *security.RateLimiter) {
	s.RateLimiter = limiter
}

// SetHasher replaces the secret hasher. Intended for deployments with their
// own hashing policy; the default is bcrypt.
func (s *Server) SetHasher(hasher security.SecretHasher) {
	if hasher != nil {
		s.hasher = hasher
	}
}

// SetClock replaces the server's clock. Intended for tests.
func (s *Server) SetClock(clock security.Clock) {
	if clock != nil {
		s.clock = clock
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server and,
// when the store supports it, the storage layer.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.store.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// Instrumentation returns the attached instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// now returns the current time per the injected clock.
func (s *Server) now() time.Time {
	return s.clock.Now()
}

// isExpired reports whether a deadline has passed, honoring the configured
// clock skew grace period.
func (s *Server) isExpired(expiresAt time.Time) bool {
	skew := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	return security.IsExpired(s.clock, expiresAt, skew)
}

// generateOpaqueToken returns a URL-safe opaque credential with 256 bits of
// entropy. Codes, access tokens, refresh tokens, and client secrets all come
// from here. Entropy failure panics: a server that cannot mint unpredictable
// credentials must not keep serving.
func generateOpaqueToken() string {
	return oauth2.GenerateVerifier()
}

// safeTruncate truncates a string for logging without panicking.
func safeTruncate(s string, maxLen int) string {
	return util.SafeTruncate(s, maxLen)
}
