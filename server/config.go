package server

import (
	"log/slog"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Used for HSTS
	// decisions and logging only; tokens are opaque and carry no issuer.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// ClockSkewGracePeriod is the grace period applied to expiry checks (in
	// seconds). Prevents false rejections due to clock drift between nodes.
	// Default: 0 (strict)
	ClockSkewGracePeriod int64

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// RequirePKCE makes the code_challenge parameter mandatory on every
	// authorization request. When false, PKCE is enforced only for codes
	// that were issued with a challenge.
	// Default: false
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method.
	// WARNING: 'plain' offers no protection against challenge interception
	// and is deprecated in OAuth 2.1. Only enable for legacy clients.
	// Default: false (S256 only)
	AllowPKCEPlain bool

	// RevokeOnCodeReuse revokes every token issued to the code's user and
	// client when an already-used authorization code is presented again.
	// Replay of a consumed code means the code leaked in transit.
	// Default: true
	RevokeOnCodeReuse bool

	// RevokeFamilyOnReuse revokes the entire rotation family when an
	// already-rotated refresh token is presented again. Replay of a stale
	// refresh token means either the client lost state or the token leaked.
	// Default: true
	RevokeFamilyOnReuse bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to pick the right X-Forwarded-For entry.
	// Default: 1
	TrustedProxyCount int

	// BcryptCost is the bcrypt work factor for client secret hashes.
	// Default: bcrypt.DefaultCost (10), applied by the hasher itself.
	BcryptCost int
}

// applySecureDefaults applies secure-by-default configuration values.
// Principle: secure by default, opt-in for less secure options.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration.
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
}

// applySecurityDefaults sets secure defaults for the reuse-detection switches.
// Heuristic: if every security bool is false, the config is fresh and gets the
// hardened defaults; otherwise the operator chose explicitly and we only warn.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RevokeOnCodeReuse &&
		!config.RevokeFamilyOnReuse &&
		!config.AllowPKCEPlain &&
		!config.RequirePKCE &&
		!config.TrustProxy

	if isDefaultConfig {
		config.RevokeOnCodeReuse = true
		config.RevokeFamilyOnReuse = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: plain PKCE method is allowed",
			"risk", "weak code challenge protection",
			"recommendation", "set AllowPKCEPlain=false to require S256")
	}
	if !config.RevokeOnCodeReuse {
		logger.Warn("SECURITY WARNING: code reuse revocation is disabled",
			"risk", "tokens minted from an intercepted code survive replay detection",
			"recommendation", "set RevokeOnCodeReuse=true")
	}
	if !config.RevokeFamilyOnReuse {
		logger.Warn("SECURITY WARNING: refresh token family revocation is disabled",
			"risk", "a stolen refresh token lineage survives reuse detection",
			"recommendation", "set RevokeFamilyOnReuse=true")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: trusting proxy headers",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
