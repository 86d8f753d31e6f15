package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gallerio/oauth/storage"
)

type transactionJSON struct {
	ID                  string `json:"id"`
	State               string `json:"state"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope,omitempty"`
	GrantedScope        string `json:"granted_scope,omitempty"`
	OwnerID             string `json:"owner_id,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Status              string `json:"status"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

func toTransactionJSON(t *storage.AuthorizationTransaction) *transactionJSON {
	return &transactionJSON{
		ID:                  t.ID,
		State:               t.State,
		ClientID:            t.ClientID,
		RedirectURI:         t.RedirectURI,
		ResponseType:        t.ResponseType,
		Scope:               t.Scope,
		GrantedScope:        t.GrantedScope,
		OwnerID:             t.OwnerID,
		CodeChallenge:       t.CodeChallenge,
		CodeChallengeMethod: t.CodeChallengeMethod,
		Status:              string(t.Status),
		CreatedAt:           t.CreatedAt.Unix(),
		ExpiresAt:           t.ExpiresAt.Unix(),
	}
}

func fromTransactionJSON(j *transactionJSON) *storage.AuthorizationTransaction {
	return &storage.AuthorizationTransaction{
		ID:                  j.ID,
		State:               j.State,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		ResponseType:        j.ResponseType,
		Scope:               j.Scope,
		GrantedScope:        j.GrantedScope,
		OwnerID:             j.OwnerID,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Status:              storage.TransactionStatus(j.Status),
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
	}
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	GrantID             string `json:"grant_id"`
	ClientID            string `json:"client_id"`
	OwnerID             string `json:"owner_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		GrantID:             c.GrantID,
		ClientID:            c.ClientID,
		OwnerID:             c.OwnerID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt:           c.CreatedAt.Unix(),
		ExpiresAt:           c.ExpiresAt.Unix(),
		Used:                c.Used,
	}
}

func fromAuthCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		GrantID:             j.GrantID,
		ClientID:            j.ClientID,
		OwnerID:             j.OwnerID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// SaveTransaction stores the transaction with a TTL matching its deadline.
func (s *Store) SaveTransaction(ctx context.Context, txn *storage.AuthorizationTransaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("transaction ID is required")
	}

	data, err := json.Marshal(toTransactionJSON(txn))
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	ttl := calculateTTL(txn.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("transaction already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.txnKey(txn.ID)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

// GetTransaction returns the transaction or storage.ErrTransactionNotFound.
func (s *Store) GetTransaction(ctx context.Context, id string) (*storage.AuthorizationTransaction, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.txnKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, id)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	var j transactionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return fromTransactionJSON(&j), nil
}

// DeleteTransaction removes a transaction.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.txnKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

// SaveAuthorizationCode stores the code with its short TTL. Codes are kept
// as plaintext JSON because the consume script reads them server-side.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	data, err := json.Marshal(toAuthCodeJSON(code))
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}
	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}

	s.logger.Debug("saved authorization code", "code_prefix", safeTruncate(code.Code, handleLogLength))
	return nil
}

// luaConsumeAuthCode checks and flips the used flag in one server-side step.
//
// KEYS[1] = code key
// ARGV[1] = current unix time in seconds
//
// Returns "NOT_FOUND", "EXPIRED", "ALREADY_USED:<json>", or the record JSON
// from before the flip.
const luaConsumeAuthCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
local now = tonumber(ARGV[1])
if code.expires_at and now > code.expires_at then
    return 'EXPIRED'
end
if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return data
`

// AtomicCheckAndMarkAuthCodeUsed implements the single-use code guarantee.
// On replay the record is returned with storage.ErrAuthorizationCodeUsed so
// the caller can revoke the grant behind it.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, fmt.Errorf("%w: unparseable replayed code", storage.ErrAuthorizationCodeUsed)
		}
		return fromAuthCodeJSON(&j), storage.ErrAuthorizationCodeUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("unmarshal authorization code: %w", err)
	}

	s.logger.Debug("consumed authorization code", "code_prefix", safeTruncate(code, handleLogLength))
	return fromAuthCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes a code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("delete authorization code: %w", err)
	}
	return nil
}
