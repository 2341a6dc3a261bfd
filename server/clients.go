package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/courseloop/oauth/storage"
)

// Client type constants.
const (
	// ClientTypeConfidential clients hold a secret and authenticate with it.
	ClientTypeConfidential = "confidential"

	// ClientTypePublic clients cannot keep a secret (native/CLI/SPA apps)
	// and authenticate by client_id alone, relying on PKCE.
	ClientTypePublic = "public"
)

// RegisterClientRequest carries the inputs for client registration. Clients
// are pre-registered by their owners; this is not RFC 7591 dynamic
// registration.
type RegisterClientRequest struct {
	OwnerUserID  string
	ClientName   string
	ClientType   string // "confidential" (default) or "public"
	RedirectURIs []string
}

// RegisterClient registers a new OAuth client and returns the stored record
// together with the plaintext client secret. The plaintext secret is returned
// exactly once and is never retrievable again: only its hash is persisted.
// Public clients get no secret; the returned plaintext is empty.
func (s *Server) RegisterClient(ctx context.Context, req RegisterClientRequest) (*storage.Client, string, error) {
	if req.OwnerUserID == "" {
		return nil, "", ErrInvalidRequest("owner user is required")
	}
	if req.ClientName == "" {
		return nil, "", ErrInvalidRequest("client name is required")
	}
	if err := validateRedirectURIsForRegistration(req.RedirectURIs); err != nil {
		return nil, "", ErrInvalidRequest(err.Error())
	}

	clientType := req.ClientType
	switch clientType {
	case "":
		clientType = ClientTypeConfidential
	case ClientTypeConfidential, ClientTypePublic:
	default:
		return nil, "", ErrInvalidRequest(fmt.Sprintf("unknown client type %q", clientType))
	}

	clientID := uuid.NewString()

	var clientSecret, clientSecretHash string
	if clientType == ClientTypeConfidential {
		clientSecret = generateOpaqueToken()
		var err error
		clientSecretHash, err = s.hasher.Hash(clientSecret)
		if err != nil {
			return nil, "", ErrServerError("failed to hash client secret")
		}
	}

	client := &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: clientSecretHash,
		ClientType:       clientType,
		ClientName:       req.ClientName,
		RedirectURIs:     append([]string(nil), req.RedirectURIs...),
		OwnerUserID:      req.OwnerUserID,
		Active:           true,
		CreatedAt:        s.now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		s.Logger.Error("Failed to save client", "error", err)
		return nil, "", ErrServerError("failed to save client")
	}

	s.Logger.Info("Registered client",
		"client_id", clientID,
		"client_type", clientType,
		"redirect_uris", len(client.RedirectURIs))
	s.Auditor.LogClientRegistered(clientID, clientType, req.OwnerUserID)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordClientRegistration(ctx, clientType)
	}

	return client, clientSecret, nil
}

// AuthenticateClient verifies client credentials. Every failure mode (unknown
// client, inactive client, wrong secret) returns the same invalid_client
// error, and unknown clients still burn a hash verification so response
// timing does not reveal whether the client exists.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication failed")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		// Equalize timing with the found-client path.
		s.hasher.VerifyDummy(clientSecret)
		s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	switch client.ClientType {
	case ClientTypePublic:
		// Public clients carry no secret; presenting one is a protocol
		// violation, not an alternative way to authenticate.
		if clientSecret != "" {
			s.Auditor.LogAuthFailure("", clientID, "", "secret_for_public_client")
			return nil, ErrInvalidClient("client authentication failed")
		}
	default:
		if !s.hasher.Verify(clientSecret, client.ClientSecretHash) {
			s.Auditor.LogAuthFailure("", clientID, "", "secret_mismatch")
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	if !client.Active {
		s.Auditor.LogAuthFailure("", clientID, "", "client_inactive")
		return nil, ErrInvalidClient("client authentication failed")
	}

	return client, nil
}

// DeactivateClient marks a client inactive. Only the registering owner may
// deactivate; for anyone else the client does not exist, and the error does
// not reveal which of the two was the case. Existing tokens are untouched:
// deactivation stops new flows, revocation handles live credentials.
func (s *Server) DeactivateClient(ctx context.Context, clientID, ownerUserID string) error {
	if clientID == "" || ownerUserID == "" {
		return ErrInvalidRequest("client_id and owner are required")
	}

	if err := s.store.DeactivateClient(ctx, clientID, ownerUserID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return ErrInvalidRequest("client not found")
		}
		s.Logger.Error("Failed to deactivate client", "client_id", clientID, "error", err)
		return ErrServerError("failed to deactivate client")
	}

	s.Logger.Info("Deactivated client", "client_id", clientID)
	s.Auditor.LogClientDeactivated(clientID, ownerUserID)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordClientDeactivation(ctx)
	}
	return nil
}

// ListClientsForOwner returns the clients registered by the given owner.
func (s *Server) ListClientsForOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	if ownerUserID == "" {
		return nil, ErrInvalidRequest("owner user is required")
	}

	clients, err := s.store.ListClientsForOwner(ctx, ownerUserID)
	if err != nil {
		s.Logger.Error("Failed to list clients", "error", err)
		return nil, ErrServerError("failed to list clients")
	}
	return clients, nil
}

// validateRedirectURIsForRegistration checks that every registered redirect
// URI is an absolute URI without a fragment. Matching at authorization time
// is byte-exact, so normalization is deliberately absent here: what the owner
// registers is what the client must present.
func validateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}

	seen := make(map[string]struct{}, len(redirectURIs))
	for _, raw := range redirectURIs {
		if raw == "" {
			return fmt.Errorf("redirect URI must not be empty")
		}
		if strings.Contains(raw, "#") {
			return fmt.Errorf("redirect URI must not contain a fragment: %s", raw)
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("redirect URI must be absolute: %s", raw)
		}
		if _, dup := seen[raw]; dup {
			return fmt.Errorf("duplicate redirect URI: %s", raw)
		}
		seen[raw] = struct{}{}
	}
	return nil
}
