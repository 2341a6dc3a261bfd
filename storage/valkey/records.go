package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/courseloop/oauth/storage"
)

// JSON representations of stored records. Timestamps are Unix seconds so the
// Lua scripts can read and rewrite records with cjson without mangling
// time.Time encodings.

type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	ClientName       string   `json:"client_name"`
	RedirectURIs     []string `json:"redirect_uris"`
	OwnerUserID      string   `json:"owner_user_id"`
	Active           bool     `json:"active"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientType:       c.ClientType,
		ClientName:       c.ClientName,
		RedirectURIs:     c.RedirectURIs,
		OwnerUserID:      c.OwnerUserID,
		Active:           c.Active,
		CreatedAt:        c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		OwnerUserID:      j.OwnerUserID,
		Active:           j.Active,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt:           c.CreatedAt.Unix(),
		ExpiresAt:           c.ExpiresAt.Unix(),
		Used:                c.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

type tokenJSON struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ClientID         string `json:"client_id"`
	UserID           string `json:"user_id"`
	Scope            string `json:"scope,omitempty"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
	Revoked          bool   `json:"revoked"`
	RevokedAt        int64  `json:"revoked_at,omitempty"`
	FamilyID         string `json:"family_id,omitempty"`
	Generation       int    `json:"generation"`
	CreatedAt        int64  `json:"created_at"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	j := &tokenJSON{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		ClientID:         t.ClientID,
		UserID:           t.UserID,
		Scope:            t.Scope,
		AccessExpiresAt:  t.AccessExpiresAt.Unix(),
		RefreshExpiresAt: t.RefreshExpiresAt.Unix(),
		Revoked:          t.Revoked,
		FamilyID:         t.FamilyID,
		Generation:       t.Generation,
		CreatedAt:        t.CreatedAt.Unix(),
	}
	if !t.RevokedAt.IsZero() {
		j.RevokedAt = t.RevokedAt.Unix()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	t := &storage.Token{
		AccessToken:      j.AccessToken,
		RefreshToken:     j.RefreshToken,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		Scope:            j.Scope,
		AccessExpiresAt:  time.Unix(j.AccessExpiresAt, 0),
		RefreshExpiresAt: time.Unix(j.RefreshExpiresAt, 0),
		Revoked:          j.Revoked,
		FamilyID:         j.FamilyID,
		Generation:       j.Generation,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
	if j.RevokedAt != 0 {
		t.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return t
}

// getAndUnmarshal fetches a key and converts its JSON payload to the target
// record type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}
