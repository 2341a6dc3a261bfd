package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/courseloop/oauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client and indexes it by owner. Client
// records carry no TTL: they are soft state, mutated only by deactivation.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	if client.OwnerUserID != "" {
		ownerKey := s.ownerKey(client.OwnerUserID)
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(ownerKey).Member(client.ClientID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to index client by owner: %w", err)
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// DeactivateClient marks a client inactive when ownerUserID matches the
// registered owner. Missing client and ownership mismatch are both
// ErrClientNotFound; the Lua script makes the check-and-write atomic.
func (s *Store) DeactivateClient(ctx context.Context, clientID, ownerUserID string) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeactivateClient).
			Numkeys(1).
			Key(s.clientKey(clientID)).
			Arg(ownerUserID).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to deactivate client: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrClientNotFound
	}

	s.logger.Debug("Deactivated client", "client_id", clientID)
	return nil
}

// ListClientsForOwner returns all clients registered by the given owner,
// ordered by creation time.
func (s *Store) ListClientsForOwner(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	clientIDs, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.ownerKey(ownerUserID)).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list clients for owner: %w", err)
	}

	var clients []*storage.Client
	for _, clientID := range clientIDs {
		client, err := s.GetClient(ctx, clientID)
		if err != nil {
			if err == storage.ErrClientNotFound {
				continue
			}
			return nil, err
		}
		clients = append(clients, client)
	}

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ClientID < clients[j].ClientID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})

	return clients, nil
}
