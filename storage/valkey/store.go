package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/courseloop/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauth:"

	// DefaultConsumedRetention is how long consumed or expired records stay
	// readable past their lifetime before their TTL drops them.
	DefaultConsumedRetention = 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging
	// codes and tokens.
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ConsumedRetention overrides how long consumed records outlive their
	// expiry for reuse detection. Default: 24 hours.
	ConsumedRetention time.Duration
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client            valkeygo.Client
	prefix            string
	logger            *slog.Logger
	consumedRetention time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance. Returns an error if the
// connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.ConsumedRetention
	if retention <= 0 {
		retention = DefaultConsumedRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:            client,
		prefix:            prefix,
		logger:            logger,
		consumedRetention: retention,
		now:               time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) ownerKey(ownerUserID string) string {
	return fmt.Sprintf("%sowner:%s", s.prefix, ownerUserID)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) tokenKey(accessToken string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, accessToken)
}

// tokenKeyPrefix is passed into Lua scripts that resolve the refresh index
// to a token key.
func (s *Store) tokenKeyPrefix() string {
	return s.prefix + "token:"
}

func (s *Store) refreshKey(refreshToken string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, refreshToken)
}

func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaClaimCode atomically marks an authorization code as used. Only one
// concurrent caller gets the unclaimed record; the rest get the prior record
// back for reuse detection. Expiry is deliberately not checked here: the
// caller owns expiry policy, and a claimed-then-rejected code must stay
// consumed.
//
// KEYS[1] = code key
//
// Returns:
//   - the updated JSON record if the code was unused
//   - "NOT_FOUND" if the key does not exist
//   - "ALREADY_USED:<json>" if the code was already claimed
const luaClaimCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

return updated
`

// luaRevokeRefreshIfActive atomically revokes the token record behind a
// refresh token if it is still active. The token key is derived inside the
// script from the refresh index, so the whole read-check-write is one unit.
//
// KEYS[1] = refresh index key
// ARGV[1] = current Unix timestamp in seconds (recorded as revoked_at)
// ARGV[2] = token key prefix
//
// Returns:
//   - the updated JSON record on success
//   - "NOT_FOUND" if the refresh index or token record is missing
//   - "ALREADY_REVOKED:<json>" if the record was already revoked
const luaRevokeRefreshIfActive = `
local accessToken = redis.call('GET', KEYS[1])
if not accessToken then
    return 'NOT_FOUND'
end

local tokenKey = ARGV[2] .. accessToken
local data = redis.call('GET', tokenKey)
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if token.revoked then
    return 'ALREADY_REVOKED:' .. data
end

token.revoked = true
token.revoked_at = tonumber(ARGV[1])
local updated = cjson.encode(token)
redis.call('SET', tokenKey, updated, 'KEEPTTL')

return updated
`

// luaRevokeToken marks a token record as revoked. Idempotent: an already
// revoked record is left untouched.
//
// KEYS[1] = token key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns "REVOKED", "ALREADY_REVOKED", or "NOT_FOUND".
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if token.revoked then
    return 'ALREADY_REVOKED'
end

token.revoked = true
token.revoked_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

return 'REVOKED'
`

// luaDeactivateClient sets a client inactive when the presented owner matches.
// Ownership mismatch and missing client both return NOT_FOUND so the caller
// cannot tell them apart.
//
// KEYS[1] = client key
// ARGV[1] = owner user ID
//
// Returns "OK" or "NOT_FOUND".
const luaDeactivateClient = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local client = cjson.decode(data)
if client.owner_user_id ~= ARGV[1] then
    return 'NOT_FOUND'
end

client.active = false
redis.call('SET', KEYS[1], cjson.encode(client))

return 'OK'
`

// ============================================================
// Helpers
// ============================================================

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// recordTTL returns the TTL for a record that becomes dead at expiresAt,
// extended by the retention window so reuse attempts shortly after expiry can
// still be recognized.
func (s *Store) recordTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Add(s.consumedRetention).Sub(s.now())
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}
