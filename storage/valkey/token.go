package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gallerio/oauth/storage"
)

// Compile-time interface checks.
var (
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.RevocationStore         = (*Store)(nil)
	_ storage.DenyList                = (*Store)(nil)
)

type accessTokenJSON struct {
	Handle    string `json:"handle"`
	GrantID   string `json:"grant_id"`
	OwnerID   string `json:"owner_id"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

type refreshTokenJSON struct {
	Handle      string `json:"handle"`
	GrantID     string `json:"grant_id"`
	OwnerID     string `json:"owner_id"`
	ClientID    string `json:"client_id"`
	Scope       string `json:"scope,omitempty"`
	FamilyID    string `json:"family_id"`
	Generation  int    `json:"generation"`
	RotatedFrom string `json:"rotated_from,omitempty"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

type familyJSON struct {
	FamilyID     string `json:"family_id"`
	GrantID      string `json:"grant_id"`
	OwnerID      string `json:"owner_id"`
	ClientID     string `json:"client_id"`
	LatestHandle string `json:"latest_handle,omitempty"`
	Generation   int    `json:"generation"`
	Revoked      bool   `json:"revoked,omitempty"`
	RevokedAt    int64  `json:"revoked_at,omitempty"`
	RevokeReason string `json:"revoke_reason,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// SaveAccessToken stores the record with a TTL and indexes it for grant and
// owner+client revocation.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Handle == "" {
		return fmt.Errorf("access token handle is required")
	}

	data, err := json.Marshal(&accessTokenJSON{
		Handle:    token.Handle,
		GrantID:   token.GrantID,
		OwnerID:   token.OwnerID,
		ClientID:  token.ClientID,
		Scope:     token.Scope,
		IssuedAt:  token.IssuedAt.Unix(),
		ExpiresAt: token.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal access token: %w", err)
	}

	sealed, err := s.sealRecord(data)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.accessKey(token.Handle)).Value(sealed).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	return s.indexToken(ctx, "a:"+token.Handle, token.GrantID, token.OwnerID, token.ClientID)
}

// GetAccessToken returns the record or storage.ErrTokenNotFound.
func (s *Store) GetAccessToken(ctx context.Context, handle string) (*storage.AccessToken, error) {
	sealed, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessKey(handle)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("get access token: %w", err)
	}

	data, err := s.openRecord(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	var j accessTokenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal access token: %w", err)
	}
	return &storage.AccessToken{
		Handle:    j.Handle,
		GrantID:   j.GrantID,
		OwnerID:   j.OwnerID,
		ClientID:  j.ClientID,
		Scope:     j.Scope,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}, nil
}

// DeleteAccessToken removes the record.
func (s *Store) DeleteAccessToken(ctx context.Context, handle string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessKey(handle)).Build()).Error(); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}

// SaveRefreshToken stores the record, the handle-to-family attribution, and
// the revocation index entries. The attribution key outlives the token so
// replays of rotated handles remain attributable.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Handle == "" {
		return fmt.Errorf("refresh token handle is required")
	}

	data, err := json.Marshal(&refreshTokenJSON{
		Handle:      token.Handle,
		GrantID:     token.GrantID,
		OwnerID:     token.OwnerID,
		ClientID:    token.ClientID,
		Scope:       token.Scope,
		FamilyID:    token.FamilyID,
		Generation:  token.Generation,
		RotatedFrom: token.RotatedFrom,
		IssuedAt:    token.IssuedAt.Unix(),
		ExpiresAt:   token.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}

	sealed, err := s.sealRecord(data)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.refreshKey(token.Handle)).Value(sealed).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}

	if token.FamilyID != "" {
		attributionTTL := ttl + retiredHandleRetention
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.familyOfKey(token.Handle)).Value(token.FamilyID).Ex(attributionTTL).Build(),
		).Error(); err != nil {
			return fmt.Errorf("save family attribution: %w", err)
		}
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(s.familyIdxKey(token.FamilyID)).Member(token.Handle).Build(),
		).Error(); err != nil {
			return fmt.Errorf("index family member: %w", err)
		}
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(s.familyIdxKey(token.FamilyID)).Seconds(int64(attributionTTL.Seconds())).Build(),
		).Error(); err != nil {
			return fmt.Errorf("expire family index: %w", err)
		}
	}

	return s.indexToken(ctx, "r:"+token.Handle, token.GrantID, token.OwnerID, token.ClientID)
}

// GetRefreshToken returns the record without consuming it.
func (s *Store) GetRefreshToken(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	sealed, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(handle)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return s.decodeRefreshToken(sealed)
}

// AtomicGetAndDeleteRefreshToken consumes the token with a single GETDEL, so
// exactly one concurrent redemption receives the record.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	sealed, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.refreshKey(handle)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	s.logger.Debug("consumed refresh token", "handle_prefix", safeTruncate(handle, handleLogLength))
	return s.decodeRefreshToken(sealed)
}

// DeleteRefreshToken removes the record.
func (s *Store) DeleteRefreshToken(ctx context.Context, handle string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshKey(handle)).Build()).Error(); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (s *Store) decodeRefreshToken(sealed string) (*storage.RefreshToken, error) {
	data, err := s.openRecord(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return &storage.RefreshToken{
		Handle:      j.Handle,
		GrantID:     j.GrantID,
		OwnerID:     j.OwnerID,
		ClientID:    j.ClientID,
		Scope:       j.Scope,
		FamilyID:    j.FamilyID,
		Generation:  j.Generation,
		RotatedFrom: j.RotatedFrom,
		IssuedAt:    time.Unix(j.IssuedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
	}, nil
}

// indexToken registers a token in the grant and owner+client revocation
// sets. Members carry an "a:" or "r:" prefix naming their record type.
func (s *Store) indexToken(ctx context.Context, member, grantID, ownerID, clientID string) error {
	for _, key := range []string{s.grantIdxKey(grantID), s.ownerClientIdxKey(ownerID, clientID)} {
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(key).Member(member).Build()).Error(); err != nil {
			return fmt.Errorf("index token: %w", err)
		}
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(key).Seconds(int64(indexRetention.Seconds())).Build(),
		).Error(); err != nil {
			return fmt.Errorf("expire token index: %w", err)
		}
	}
	return nil
}

// SaveRefreshTokenFamily stores the family record. Revoked families get the
// forensics retention TTL; live ones persist until revoked.
func (s *Store) SaveRefreshTokenFamily(ctx context.Context, family *storage.RefreshTokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("family ID is required")
	}

	data, err := json.Marshal(&familyJSON{
		FamilyID:     family.FamilyID,
		GrantID:      family.GrantID,
		OwnerID:      family.OwnerID,
		ClientID:     family.ClientID,
		LatestHandle: family.LatestHandle,
		Generation:   family.Generation,
		Revoked:      family.Revoked,
		RevokedAt:    family.RevokedAt.Unix(),
		RevokeReason: family.RevokeReason,
		CreatedAt:    family.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal family: %w", err)
	}

	builder := s.client.B().Set().Key(s.familyKey(family.FamilyID)).Value(string(data))
	if family.Revoked {
		if err := s.client.Do(ctx, builder.Ex(s.familyRetention).Build()).Error(); err != nil {
			return fmt.Errorf("save family: %w", err)
		}
		return nil
	}
	if err := s.client.Do(ctx, builder.Build()).Error(); err != nil {
		return fmt.Errorf("save family: %w", err)
	}
	return nil
}

// GetRefreshTokenFamily returns the family or storage.ErrFamilyNotFound.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.familyKey(familyID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrFamilyNotFound, familyID)
		}
		return nil, fmt.Errorf("get family: %w", err)
	}

	var j familyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal family: %w", err)
	}
	return &storage.RefreshTokenFamily{
		FamilyID:     j.FamilyID,
		GrantID:      j.GrantID,
		OwnerID:      j.OwnerID,
		ClientID:     j.ClientID,
		LatestHandle: j.LatestHandle,
		Generation:   j.Generation,
		Revoked:      j.Revoked,
		RevokedAt:    time.Unix(j.RevokedAt, 0),
		RevokeReason: j.RevokeReason,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
	}, nil
}

// FindFamilyByHandle resolves a live or retired handle to its family through
// the attribution key written at save time.
func (s *Store) FindFamilyByHandle(ctx context.Context, handle string) (*storage.RefreshTokenFamily, error) {
	familyID, err := s.client.Do(ctx, s.client.B().Get().Key(s.familyOfKey(handle)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrFamilyNotFound
		}
		return nil, fmt.Errorf("resolve family attribution: %w", err)
	}
	return s.GetRefreshTokenFamily(ctx, familyID)
}

// RevokeRefreshTokenFamily marks the family revoked and deletes every live
// member tracked in the family index.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) error {
	family, err := s.GetRefreshTokenFamily(ctx, familyID)
	if err != nil {
		return err
	}
	if family.Revoked {
		return nil
	}

	family.Revoked = true
	family.RevokedAt = time.Now()
	family.RevokeReason = reason
	if err := s.SaveRefreshTokenFamily(ctx, family); err != nil {
		return err
	}

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.familyIdxKey(familyID)).Build()).AsStrSlice()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("list family members: %w", err)
	}
	for _, handle := range members {
		if err := s.DeleteRefreshToken(ctx, handle); err != nil {
			return err
		}
	}

	s.logger.Debug("revoked refresh token family", "family_id", familyID, "reason", reason, "members", len(members))
	return nil
}

// RevokeTokensForGrant deletes every token indexed under the grant.
func (s *Store) RevokeTokensForGrant(ctx context.Context, grantID string) (int, error) {
	return s.revokeIndexed(ctx, s.grantIdxKey(grantID))
}

// RevokeTokensForOwnerClient deletes every token the client holds for the
// owner, across all grants.
func (s *Store) RevokeTokensForOwnerClient(ctx context.Context, ownerID, clientID string) (int, error) {
	return s.revokeIndexed(ctx, s.ownerClientIdxKey(ownerID, clientID))
}

func (s *Store) revokeIndexed(ctx context.Context, indexKey string) (int, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list indexed tokens: %w", err)
	}

	revoked := 0
	for _, member := range members {
		var key string
		switch {
		case strings.HasPrefix(member, "a:"):
			key = s.accessKey(strings.TrimPrefix(member, "a:"))
		case strings.HasPrefix(member, "r:"):
			key = s.refreshKey(strings.TrimPrefix(member, "r:"))
		default:
			continue
		}
		n, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
		if err != nil {
			return revoked, fmt.Errorf("delete indexed token: %w", err)
		}
		revoked += int(n)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(indexKey).Build()).Error(); err != nil {
		return revoked, fmt.Errorf("drop token index: %w", err)
	}
	return revoked, nil
}

// Deny records a revoked self-contained token ID until its natural expiry.
func (s *Store) Deny(ctx context.Context, tokenID string, until time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("token ID is required")
	}
	ttl := calculateTTL(until)
	if ttl <= 0 {
		// Already expired; nothing to deny.
		return nil
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.denyKey(tokenID)).Value("1").Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("deny token: %w", err)
	}
	return nil
}

// IsDenied reports whether the token ID is on the deny list.
func (s *Store) IsDenied(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.denyKey(tokenID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("check deny list: %w", err)
	}
	return n > 0, nil
}
