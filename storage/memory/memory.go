// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/courseloop/oauth/instrumentation"
	"github.com/courseloop/oauth/internal/util"
	"github.com/courseloop/oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// codes and tokens. Enough uniqueness for debugging while keeping logs
	// secure.
	tokenIDLogLength = 8

	// defaultConsumedRetention is how long used codes and revoked or expired
	// token records are kept before the cleanup sweep removes them. Consumed
	// records must outlive their expiry so reuse attempts can still be
	// detected and audited.
	defaultConsumedRetention = 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces. All
// conditional updates (claim-if-unused, revoke-if-active) happen under the
// write lock, so exactly one concurrent caller wins.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode
	tokens  map[string]*storage.Token // access token -> record

	// refreshIndex maps refresh tokens to their access token so refresh
	// lookups don't scan the token map.
	refreshIndex map[string]string

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	clientsCountAtomic atomic.Int64
	codesCountAtomic   atomic.Int64
	tokensCountAtomic  atomic.Int64

	// now is replaceable in tests.
	now func() time.Time

	// Cleanup
	cleanupInterval   time.Duration
	consumedRetention time.Duration
	stopCleanup       chan struct{}
	stopOnce          sync.Once
	logger            *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. An interval of 0 disables the background sweep.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:           make(map[string]*storage.Client),
		codes:             make(map[string]*storage.AuthorizationCode),
		tokens:            make(map[string]*storage.Token),
		refreshIndex:      make(map[string]string),
		now:               time.Now,
		cleanupInterval:   cleanupInterval,
		consumedRetention: defaultConsumedRetention,
		stopCleanup:       make(chan struct{}),
		logger:            slog.Default(),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetNowFunc replaces the store's clock. Intended for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetConsumedRetention sets how long consumed and expired records are kept
// before the cleanup sweep removes them.
func (s *Store) SetConsumedRetention(d time.Duration) {
	if d > 0 {
		s.consumedRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("storage")

	if err := inst.RegisterStorageSizeCallbacks(
		s.clientsCountAtomic.Load,
		s.codesCountAtomic.Load,
		s.tokensCountAtomic.Load,
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client ID is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clientCopy := *client
	clientCopy.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	s.clients[client.ClientID] = &clientCopy
	s.clientsCountAtomic.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	// Return a copy so callers cannot mutate the stored record.
	clientCopy := *client
	clientCopy.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	return &clientCopy, nil
}

// DeactivateClient marks a client inactive if ownerUserID matches the
// registered owner. A missing client and an ownership mismatch are
// indistinguishable to the caller: both return ErrClientNotFound.
func (s *Store) DeactivateClient(ctx context.Context, clientID, ownerUserID string) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_client")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "deactivate_client", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok || client.OwnerUserID != ownerUserID {
		err = storage.ErrClientNotFound
		return err
	}

	// Deactivation is monotonic and idempotent.
	client.Active = false
	s.logger.Debug("Deactivated client", "client_id", clientID)
	return nil
}

// ListClientsForOwner returns all clients registered by the given owner,
// ordered by creation time.
func (s *Store) ListClientsForOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clients []*storage.Client
	for _, client := range s.clients {
		if client.OwnerUserID != ownerUserID {
			continue
		}
		clientCopy := *client
		clientCopy.RedirectURIs = append([]string(nil), client.RedirectURIs...)
		clients = append(clients, &clientCopy)
	}

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ClientID < clients[j].ClientID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})

	return clients, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores an authorization code record.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codeCopy := *code
	s.codes[code.Code] = &codeCopy
	s.codesCountAtomic.Store(int64(len(s.codes)))

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code record without
// consuming it. No expiry or used checks are applied here.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	codeCopy := *authCode
	return &codeCopy, nil
}

// ClaimAuthorizationCode atomically marks a code as used if it was not
// already. Exactly one concurrent caller succeeds; the rest get the prior
// record alongside ErrCodeUsed so they can run reuse detection. Expiry is
// not checked here: the record is claimed regardless and the caller decides
// whether the claim is still honorable.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "claim_authorization_code")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "claim_authorization_code", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	s.mu.Lock() // write lock: this is an atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if authCode.Used {
		// Already consumed. Return the record so the caller can revoke
		// everything minted from it.
		codeCopy := *authCode
		err = storage.ErrCodeUsed
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Claimed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveToken stores a token record indexed by access token, and by refresh
// token when one is present.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_token", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	if token == nil || token.AccessToken == "" {
		err = fmt.Errorf("access token is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCopy := *token
	s.tokens[token.AccessToken] = &tokenCopy
	if token.RefreshToken != "" {
		s.refreshIndex[token.RefreshToken] = token.AccessToken
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	s.logger.Debug("Saved token",
		"token_prefix", util.SafeTruncate(token.AccessToken, tokenIDLogLength),
		"client_id", token.ClientID,
		"family_id", token.FamilyID,
		"generation", token.Generation)
	return nil
}

// GetByAccessToken retrieves a token record by access token.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	tokenCopy := *token
	return &tokenCopy, nil
}

// GetByRefreshToken retrieves a token record by refresh token.
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.lookupByRefreshLocked(refreshToken)
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	tokenCopy := *token
	return &tokenCopy, nil
}

// RevokeRefreshTokenIfActive atomically revokes the record holding the given
// refresh token if it is still active. Exactly one concurrent caller wins;
// the rest get the prior record alongside ErrTokenRevoked for reuse
// detection. Expiry is not checked here.
func (s *Store) RevokeRefreshTokenIfActive(ctx context.Context, refreshToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_if_active")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_refresh_token_if_active", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	s.mu.Lock() // write lock: this is an atomic check-and-set
	defer s.mu.Unlock()

	token, ok := s.lookupByRefreshLocked(refreshToken)
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if token.Revoked {
		// Rotation already consumed this token. Return the record so the
		// caller can revoke the whole family.
		tokenCopy := *token
		err = storage.ErrTokenRevoked
		return &tokenCopy, err
	}

	token.Revoked = true
	token.RevokedAt = s.now()
	s.logger.Debug("Revoked refresh token",
		"token_prefix", util.SafeTruncate(refreshToken, tokenIDLogLength),
		"family_id", token.FamilyID,
		"generation", token.Generation)

	tokenCopy := *token
	return &tokenCopy, nil
}

// RevokeToken revokes the record holding the given access token. Revoking an
// already revoked token is a no-op.
func (s *Store) RevokeToken(ctx context.Context, accessToken string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[accessToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return err
	}

	if !token.Revoked {
		token.Revoked = true
		token.RevokedAt = s.now()
		s.logger.Debug("Revoked token",
			"token_prefix", util.SafeTruncate(accessToken, tokenIDLogLength))
	}
	return nil
}

// RevokeTokenFamily revokes every active token record in the given rotation
// family. Returns the number of records revoked.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_family")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token_family", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	if familyID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for _, token := range s.tokens {
		if token.FamilyID == familyID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = now
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked token family",
			"family_id", familyID,
			"revoked_count", revoked)
	}
	return revoked, nil
}

// RevokeTokensForUserClient revokes every active token record issued to the
// given user and client pair. Returns the number of records revoked.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens_for_user_client")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_tokens_for_user_client", err, start) }()
	defer func() {
		if span != nil {
			span.End()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for _, token := range s.tokens {
		if token.UserID == userID && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = now
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked tokens for user and client",
			"client_id", clientID,
			"revoked_count", revoked)
	}
	return revoked, nil
}

// lookupByRefreshLocked resolves a refresh token to its record. Caller must
// hold the mutex.
func (s *Store) lookupByRefreshLocked(refreshToken string) (*storage.Token, bool) {
	accessToken, ok := s.refreshIndex[refreshToken]
	if !ok {
		return nil, false
	}
	token, ok := s.tokens[accessToken]
	return token, ok
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps records that can no longer influence any flow: codes past
// expiry plus the retention window, and token records whose access and
// refresh lifetimes both ended at least the retention window ago. The
// retention window keeps consumed records around so reuse attempts shortly
// after expiry are still detected rather than reported as unknown.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	threshold := now.Add(-s.consumedRetention)
	cleaned := 0

	for code, authCode := range s.codes {
		if authCode.ExpiresAt.Before(threshold) {
			delete(s.codes, code)
			cleaned++
		}
	}

	for accessToken, token := range s.tokens {
		end := token.AccessExpiresAt
		if token.RefreshToken != "" && token.RefreshExpiresAt.After(end) {
			end = token.RefreshExpiresAt
		}
		if end.Before(threshold) {
			if token.RefreshToken != "" {
				delete(s.refreshIndex, token.RefreshToken)
			}
			delete(s.tokens, accessToken)
			cleaned++
		}
	}

	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"count", cleaned,
			"codes", len(s.codes),
			"tokens", len(s.tokens))
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
