package storage

import (
	"context"
	"time"
)

// Client is a registered OAuth client. Clients are created by the registry,
// flipped inactive by deactivation, and never hard-deleted.
type Client struct {
	ClientID         string
	ClientSecretHash string // empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string // exact-match URIs, order preserved
	OwnerUserID      string
	Active           bool
	CreatedAt        time.Time
}

// AuthorizationCode is a single-use credential minted by the authorize
// endpoint and redeemed at the token endpoint. Used transitions false to true
// exactly once, via ClaimAuthorizationCode.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string // the exact URI presented at authorization time
	Scope               string // space-separated scope tokens
	CodeChallenge       string // optional (PKCE)
	CodeChallengeMethod string // "S256" or "plain" when CodeChallenge is set
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Token is an access/refresh token pair issued by a successful grant. Refresh
// supersedes a record rather than mutating it: the old record is revoked and a
// new one is created in the same family with an incremented generation.
// Revoked transitions false to true exactly once.
type Token struct {
	AccessToken      string
	RefreshToken     string // empty for access-token-only issuance
	ClientID         string
	UserID           string
	Scope            string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Revoked          bool
	RevokedAt        time.Time
	FamilyID         string // refresh token lineage (reuse detection)
	Generation       int    // increments on each rotation within a family
	CreatedAt        time.Time
}

// ClientStore persists registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if the
	// client does not exist; inactive clients are still returned.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeactivateClient sets Active=false on the client, provided ownerUserID
	// matches the registered owner. Idempotent. A missing client and an
	// ownership mismatch both return ErrClientNotFound, deliberately
	// indistinguishable.
	DeactivateClient(ctx context.Context, clientID, ownerUserID string) error

	// ListClientsForOwner lists the clients registered by a user, active and
	// inactive alike.
	ListClientsForOwner(ctx context.Context, ownerUserID string) ([]*Client, error)
}

// CodeStore persists authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves a freshly minted authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code record without modifying it.
	// For redemption use ClaimAuthorizationCode instead.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ClaimAuthorizationCode atomically marks an unused code as used and
	// returns the claimed record. Exactly one concurrent caller succeeds.
	//
	// Returns (nil, ErrCodeNotFound) if no record exists, and
	// (record, ErrCodeUsed) if the code was already claimed — the record is
	// returned on reuse so the caller can revoke the tokens it produced.
	// Expiry is deliberately NOT checked here: the caller checks it after a
	// successful claim and the record stays consumed either way.
	ClaimAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists access/refresh token pairs.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken saves a newly issued token pair.
	SaveToken(ctx context.Context, token *Token) error

	// GetByAccessToken retrieves a token record by its access token value.
	// Returns ErrTokenNotFound if absent. Revoked and expired records are
	// still returned; the caller decides validity.
	GetByAccessToken(ctx context.Context, accessToken string) (*Token, error)

	// GetByRefreshToken retrieves a token record by its refresh token value.
	GetByRefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// RevokeRefreshTokenIfActive atomically revokes the record whose refresh
	// token matches, provided it is not already revoked, and returns the
	// revoked record. Exactly one concurrent caller succeeds; this closes
	// the double-refresh race.
	//
	// Returns (nil, ErrTokenNotFound) if no record exists, and
	// (record, ErrTokenRevoked) if it was already revoked — the record is
	// returned on reuse so the caller can revoke the whole family.
	// Refresh expiry is NOT checked here; the caller checks it after a
	// successful claim and the record stays revoked either way.
	RevokeRefreshTokenIfActive(ctx context.Context, refreshToken string) (*Token, error)

	// RevokeToken sets Revoked=true on the record keyed by accessToken.
	// Revoking an already-revoked token is a no-op; an unknown token returns
	// ErrTokenNotFound.
	RevokeToken(ctx context.Context, accessToken string) error

	// RevokeTokenFamily revokes every record in a refresh token family.
	// Returns the number of records newly revoked.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeTokensForUserClient revokes every record bound to the given
	// user+client pair. Called when authorization code reuse is detected.
	// Returns the number of records newly revoked.
	RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Store is the union of the three store interfaces; both bundled
// implementations satisfy it with a single value.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}
