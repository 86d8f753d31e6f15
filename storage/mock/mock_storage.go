// Package mock provides func-field mock implementations of the storage
// interfaces for error injection in tests. Methods without an override
// return the package's not-found sentinel, so tests only wire the calls
// they care about. For stateful behavior use storage/memory instead.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/gallerio/oauth/storage"
)

// Store implements every storage interface with overridable func fields.
type Store struct {
	mu         sync.Mutex
	CallCounts map[string]int

	SaveClientFunc           func(ctx context.Context, client *storage.Client) error
	GetClientFunc            func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc func(ctx context.Context, clientID, secret string) (*storage.Client, error)
	ListClientsFunc          func(ctx context.Context) ([]*storage.Client, error)
	DeleteClientFunc         func(ctx context.Context, clientID string) error

	SaveTransactionFunc            func(ctx context.Context, txn *storage.AuthorizationTransaction) error
	GetTransactionFunc             func(ctx context.Context, id string) (*storage.AuthorizationTransaction, error)
	DeleteTransactionFunc          func(ctx context.Context, id string) error
	SaveAuthorizationCodeFunc      func(ctx context.Context, code *storage.AuthorizationCode) error
	AtomicCheckAndMarkAuthCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc    func(ctx context.Context, code string) error

	SaveAccessTokenFunc           func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc            func(ctx context.Context, handle string) (*storage.AccessToken, error)
	DeleteAccessTokenFunc         func(ctx context.Context, handle string) error
	SaveRefreshTokenFunc          func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc           func(ctx context.Context, handle string) (*storage.RefreshToken, error)
	AtomicGetAndDeleteRefreshFunc func(ctx context.Context, handle string) (*storage.RefreshToken, error)
	DeleteRefreshTokenFunc        func(ctx context.Context, handle string) error

	SaveRefreshTokenFamilyFunc   func(ctx context.Context, family *storage.RefreshTokenFamily) error
	GetRefreshTokenFamilyFunc    func(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error)
	FindFamilyByHandleFunc       func(ctx context.Context, handle string) (*storage.RefreshTokenFamily, error)
	RevokeRefreshTokenFamilyFunc func(ctx context.Context, familyID, reason string) error

	RevokeTokensForGrantFunc       func(ctx context.Context, grantID string) (int, error)
	RevokeTokensForOwnerClientFunc func(ctx context.Context, ownerID, clientID string) (int, error)

	DenyFunc     func(ctx context.Context, tokenID string, until time.Time) error
	IsDeniedFunc func(ctx context.Context, tokenID string) (bool, error)
}

var (
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.RevocationStore         = (*Store)(nil)
	_ storage.DenyList                = (*Store)(nil)
)

// New creates a mock store with call counting enabled.
func New() *Store {
	return &Store{CallCounts: make(map[string]int)}
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return nil
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return nil, storage.ErrClientNotFound
}

func (m *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	m.record("ValidateClientSecret")
	if m.ValidateClientSecretFunc != nil {
		return m.ValidateClientSecretFunc(ctx, clientID, secret)
	}
	return nil, storage.ErrInvalidClientCredentials
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return nil, nil
}

func (m *Store) DeleteClient(ctx context.Context, clientID string) error {
	m.record("DeleteClient")
	if m.DeleteClientFunc != nil {
		return m.DeleteClientFunc(ctx, clientID)
	}
	return nil
}

func (m *Store) SaveTransaction(ctx context.Context, txn *storage.AuthorizationTransaction) error {
	m.record("SaveTransaction")
	if m.SaveTransactionFunc != nil {
		return m.SaveTransactionFunc(ctx, txn)
	}
	return nil
}

func (m *Store) GetTransaction(ctx context.Context, id string) (*storage.AuthorizationTransaction, error) {
	m.record("GetTransaction")
	if m.GetTransactionFunc != nil {
		return m.GetTransactionFunc(ctx, id)
	}
	return nil, storage.ErrTransactionNotFound
}

func (m *Store) DeleteTransaction(ctx context.Context, id string) error {
	m.record("DeleteTransaction")
	if m.DeleteTransactionFunc != nil {
		return m.DeleteTransactionFunc(ctx, id)
	}
	return nil
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return nil
}

func (m *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("AtomicCheckAndMarkAuthCodeUsed")
	if m.AtomicCheckAndMarkAuthCodeFunc != nil {
		return m.AtomicCheckAndMarkAuthCodeFunc(ctx, code)
	}
	return nil, storage.ErrAuthorizationCodeNotFound
}

func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.record("DeleteAuthorizationCode")
	if m.DeleteAuthorizationCodeFunc != nil {
		return m.DeleteAuthorizationCodeFunc(ctx, code)
	}
	return nil
}

func (m *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	return nil
}

func (m *Store) GetAccessToken(ctx context.Context, handle string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, handle)
	}
	return nil, storage.ErrTokenNotFound
}

func (m *Store) DeleteAccessToken(ctx context.Context, handle string) error {
	m.record("DeleteAccessToken")
	if m.DeleteAccessTokenFunc != nil {
		return m.DeleteAccessTokenFunc(ctx, handle)
	}
	return nil
}

func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return nil
}

func (m *Store) GetRefreshToken(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, handle)
	}
	return nil, storage.ErrTokenNotFound
}

func (m *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	m.record("AtomicGetAndDeleteRefreshToken")
	if m.AtomicGetAndDeleteRefreshFunc != nil {
		return m.AtomicGetAndDeleteRefreshFunc(ctx, handle)
	}
	return nil, storage.ErrTokenNotFound
}

func (m *Store) DeleteRefreshToken(ctx context.Context, handle string) error {
	m.record("DeleteRefreshToken")
	if m.DeleteRefreshTokenFunc != nil {
		return m.DeleteRefreshTokenFunc(ctx, handle)
	}
	return nil
}

func (m *Store) SaveRefreshTokenFamily(ctx context.Context, family *storage.RefreshTokenFamily) error {
	m.record("SaveRefreshTokenFamily")
	if m.SaveRefreshTokenFamilyFunc != nil {
		return m.SaveRefreshTokenFamilyFunc(ctx, family)
	}
	return nil
}

func (m *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	m.record("GetRefreshTokenFamily")
	if m.GetRefreshTokenFamilyFunc != nil {
		return m.GetRefreshTokenFamilyFunc(ctx, familyID)
	}
	return nil, storage.ErrFamilyNotFound
}

func (m *Store) FindFamilyByHandle(ctx context.Context, handle string) (*storage.RefreshTokenFamily, error) {
	m.record("FindFamilyByHandle")
	if m.FindFamilyByHandleFunc != nil {
		return m.FindFamilyByHandleFunc(ctx, handle)
	}
	return nil, storage.ErrFamilyNotFound
}

func (m *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) error {
	m.record("RevokeRefreshTokenFamily")
	if m.RevokeRefreshTokenFamilyFunc != nil {
		return m.RevokeRefreshTokenFamilyFunc(ctx, familyID, reason)
	}
	return nil
}

func (m *Store) RevokeTokensForGrant(ctx context.Context, grantID string) (int, error) {
	m.record("RevokeTokensForGrant")
	if m.RevokeTokensForGrantFunc != nil {
		return m.RevokeTokensForGrantFunc(ctx, grantID)
	}
	return 0, nil
}

func (m *Store) RevokeTokensForOwnerClient(ctx context.Context, ownerID, clientID string) (int, error) {
	m.record("RevokeTokensForOwnerClient")
	if m.RevokeTokensForOwnerClientFunc != nil {
		return m.RevokeTokensForOwnerClientFunc(ctx, ownerID, clientID)
	}
	return 0, nil
}

func (m *Store) Deny(ctx context.Context, tokenID string, until time.Time) error {
	m.record("Deny")
	if m.DenyFunc != nil {
		return m.DenyFunc(ctx, tokenID, until)
	}
	return nil
}

func (m *Store) IsDenied(ctx context.Context, tokenID string) (bool, error) {
	m.record("IsDenied")
	if m.IsDeniedFunc != nil {
		return m.IsDeniedFunc(ctx, tokenID)
	}
	return false, nil
}
