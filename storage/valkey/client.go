package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gallerio/oauth/storage"
)

// dummyHash is compared against when the client is unknown so secret
// validation takes constant time either way.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	SecretHash              string   `json:"secret_hash,omitempty"`
	Type                    string   `json:"type"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scopes                  []string `json:"scopes,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Trusted                 bool     `json:"trusted,omitempty"`
	Name                    string   `json:"name,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		SecretHash:              c.SecretHash,
		Type:                    c.Type,
		RedirectURIs:            c.RedirectURIs,
		Scopes:                  c.Scopes,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Trusted:                 c.Trusted,
		Name:                    c.Name,
		CreatedAt:               c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		SecretHash:              j.SecretHash,
		Type:                    j.Type,
		RedirectURIs:            j.RedirectURIs,
		Scopes:                  j.Scopes,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		Trusted:                 j.Trusted,
		Name:                    j.Name,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

// SaveClient stores or replaces a client. Clients have no TTL; they live
// until deleted.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save client: %w", err)
	}

	// Track registered IDs so ListClients avoids a SCAN.
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.prefix+"clients").Member(client.ClientID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("index client: %w", err)
	}
	return nil
}

// GetClient returns the client or storage.ErrClientNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// ValidateClientSecret verifies the secret in constant time relative to
// client existence.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)

	hash := dummyHash
	if err == nil && client.SecretHash != "" {
		hash = client.SecretHash
	}
	cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil || client.SecretHash == "" || cmpErr != nil {
		return nil, storage.ErrInvalidClientCredentials
	}
	return client, nil
}

// ListClients returns every registered client.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.prefix+"clients").Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if err != nil {
			// Index entry without a record means a concurrent delete.
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// DeleteClient removes a client and its index entry.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).Error(); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Srem().Key(s.prefix+"clients").Member(clientID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("deindex client: %w", err)
	}
	return nil
}
