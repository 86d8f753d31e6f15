// Package memory provides an in-memory implementation of every storage
// interface. State lives in maps behind a single RWMutex, which also makes
// the two atomic operations trivially atomic. A background loop sweeps
// expired entries; call Stop when discarding the store.
//
// Suitable for development, tests, and single-process deployments. State is
// lost on restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gallerio/oauth/instrumentation"
	"github.com/gallerio/oauth/storage"
)

const (
	// DefaultCleanupInterval is how often the sweep runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultRevokedFamilyRetention keeps revoked family records around for
	// forensics before the sweep drops them.
	DefaultRevokedFamilyRetention = 90 * 24 * time.Hour

	// retiredHandleRetention bounds how long rotated-away refresh handles
	// stay attributable to their family.
	retiredHandleRetention = 30 * 24 * time.Hour

	// dummyHash is a bcrypt hash compared against when the client is
	// unknown, keeping secret validation constant time.
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

type retiredHandle struct {
	familyID  string
	retiredAt time.Time
}

// Store holds all authorization server state in memory.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	transactions  map[string]*storage.AuthorizationTransaction
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	families      map[string]*storage.RefreshTokenFamily

	// retiredHandles maps refresh handles that left the live set through
	// rotation back to their family, for replay attribution.
	retiredHandles map[string]retiredHandle

	denied map[string]time.Time

	logger          *slog.Logger
	cleanupInterval time.Duration
	familyRetention time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	inst *instrumentation.Instrumentation
}

// Compile-time interface checks.
var (
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.RevocationStore         = (*Store)(nil)
	_ storage.DenyList                = (*Store)(nil)
)

// New creates a store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a store sweeping at the given interval. An
// interval of zero disables the background sweep.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		transactions:    make(map[string]*storage.AuthorizationTransaction),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		families:        make(map[string]*storage.RefreshTokenFamily),
		retiredHandles:  make(map[string]retiredHandle),
		denied:          make(map[string]time.Time),
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		familyRetention: DefaultRevokedFamilyRetention,
		stopCleanup:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation attaches telemetry and registers size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	s.inst = inst
	if inst == nil {
		return nil
	}
	return inst.RegisterStorageSizeCallbacks(
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.accessTokens)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.refreshTokens)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.clients)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.transactions)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.families)) },
	)
}

// Stop ends the background sweep. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops expired entries. Revoked families and retired handles are
// kept for their retention windows so late replays remain attributable.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, txn := range s.transactions {
		if now.After(txn.ExpiresAt) {
			delete(s.transactions, id)
			removed++
		}
	}
	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
			removed++
		}
	}
	for handle, tok := range s.accessTokens {
		if now.After(tok.ExpiresAt) {
			delete(s.accessTokens, handle)
			removed++
		}
	}
	for handle, tok := range s.refreshTokens {
		if now.After(tok.ExpiresAt) {
			delete(s.refreshTokens, handle)
			removed++
		}
	}
	for handle, rh := range s.retiredHandles {
		if now.Sub(rh.retiredAt) > retiredHandleRetention {
			delete(s.retiredHandles, handle)
			removed++
		}
	}
	for id, fam := range s.families {
		if fam.Revoked && now.Sub(fam.RevokedAt) > s.familyRetention {
			delete(s.families, id)
			removed++
		}
	}
	for jti, until := range s.denied {
		if now.After(until) {
			delete(s.denied, jti)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("storage cleanup", "removed", removed)
	}
}

// startSpan opens a storage span when instrumentation is attached.
func (s *Store) startSpan(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	start := time.Now()
	if s.inst == nil {
		return ctx, nil, start
	}
	ctx, span := s.inst.Tracer("storage").Start(ctx, "memory."+op)
	instrumentation.AddStorageAttributes(span, op, "memory")
	return ctx, span, start
}

func (s *Store) endSpan(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	if s.inst != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		s.inst.Metrics().RecordStorageOperation(ctx, op, result, float64(time.Since(start).Microseconds())/1000.0)
	}
	if span != nil {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}
}

// ---- ClientStore ----

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span, start := s.startSpan(ctx, "save_client")
	var err error
	defer func() { s.endSpan(ctx, span, "save_client", start, err) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client ID is required")
		return err
	}

	c := cloneClient(client)
	s.mu.Lock()
	s.clients[c.ClientID] = c
	s.mu.Unlock()
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span, start := s.startSpan(ctx, "get_client")
	var err error
	defer func() { s.endSpan(ctx, span, "get_client", start, err) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}
	return cloneClient(client), nil
}

func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	ctx, span, start := s.startSpan(ctx, "validate_client_secret")
	var err error
	defer func() { s.endSpan(ctx, span, "validate_client_secret", start, err) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	// Always run one bcrypt comparison so timing does not reveal whether
	// the client exists.
	hash := dummyHash
	if ok && client.SecretHash != "" {
		hash = client.SecretHash
	}
	cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if !ok || client.SecretHash == "" || cmpErr != nil {
		err = storage.ErrInvalidClientCredentials
		return nil, err
	}
	return cloneClient(client), nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span, start := s.startSpan(ctx, "list_clients")
	defer func() { s.endSpan(ctx, span, "list_clients", start, nil) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	return clients, nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, span, start := s.startSpan(ctx, "delete_client")
	defer func() { s.endSpan(ctx, span, "delete_client", start, nil) }()

	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
	return nil
}

// ---- FlowStore ----

func (s *Store) SaveTransaction(ctx context.Context, txn *storage.AuthorizationTransaction) error {
	ctx, span, start := s.startSpan(ctx, "save_transaction")
	var err error
	defer func() { s.endSpan(ctx, span, "save_transaction", start, err) }()

	if txn == nil || txn.ID == "" {
		err = fmt.Errorf("transaction ID is required")
		return err
	}

	t := *txn
	s.mu.Lock()
	s.transactions[t.ID] = &t
	s.mu.Unlock()
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*storage.AuthorizationTransaction, error) {
	ctx, span, start := s.startSpan(ctx, "get_transaction")
	var err error
	defer func() { s.endSpan(ctx, span, "get_transaction", start, err) }()

	s.mu.RLock()
	txn, ok := s.transactions[id]
	s.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, id)
		return nil, err
	}
	t := *txn
	return &t, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	ctx, span, start := s.startSpan(ctx, "delete_transaction")
	defer func() { s.endSpan(ctx, span, "delete_transaction", start, nil) }()

	s.mu.Lock()
	delete(s.transactions, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span, start := s.startSpan(ctx, "save_authorization_code")
	var err error
	defer func() { s.endSpan(ctx, span, "save_authorization_code", start, err) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code is required")
		return err
	}

	c := *code
	s.mu.Lock()
	s.authCodes[c.Code] = &c
	s.mu.Unlock()
	return nil
}

func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span, start := s.startSpan(ctx, "atomic_mark_code_used")
	var err error
	defer func() { s.endSpan(ctx, span, "atomic_mark_code_used", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}
	if ac.Used {
		// Checked before expiry: a consumed code that has since expired
		// is still a replay until the sweep removes it. Return the
		// record so the caller can revoke the grant behind it.
		c := *ac
		err = storage.ErrAuthorizationCodeUsed
		return &c, err
	}
	if time.Now().After(ac.ExpiresAt) {
		err = storage.ErrAuthorizationCodeExpired
		return nil, err
	}

	// The snapshot keeps Used false; the stored record flips under the same
	// lock, so no second caller can pass this point.
	c := *ac
	ac.Used = true
	return &c, nil
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	ctx, span, start := s.startSpan(ctx, "delete_authorization_code")
	defer func() { s.endSpan(ctx, span, "delete_authorization_code", start, nil) }()

	s.mu.Lock()
	delete(s.authCodes, code)
	s.mu.Unlock()
	return nil
}

// ---- TokenStore ----

func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span, start := s.startSpan(ctx, "save_access_token")
	var err error
	defer func() { s.endSpan(ctx, span, "save_access_token", start, err) }()

	if token == nil || token.Handle == "" {
		err = fmt.Errorf("access token handle is required")
		return err
	}

	t := *token
	s.mu.Lock()
	s.accessTokens[t.Handle] = &t
	s.mu.Unlock()
	return nil
}

func (s *Store) GetAccessToken(ctx context.Context, handle string) (*storage.AccessToken, error) {
	ctx, span, start := s.startSpan(ctx, "get_access_token")
	var err error
	defer func() { s.endSpan(ctx, span, "get_access_token", start, err) }()

	s.mu.RLock()
	token, ok := s.accessTokens[handle]
	s.mu.RUnlock()
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	t := *token
	return &t, nil
}

func (s *Store) DeleteAccessToken(ctx context.Context, handle string) error {
	ctx, span, start := s.startSpan(ctx, "delete_access_token")
	defer func() { s.endSpan(ctx, span, "delete_access_token", start, nil) }()

	s.mu.Lock()
	delete(s.accessTokens, handle)
	s.mu.Unlock()
	return nil
}

func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span, start := s.startSpan(ctx, "save_refresh_token")
	var err error
	defer func() { s.endSpan(ctx, span, "save_refresh_token", start, err) }()

	if token == nil || token.Handle == "" {
		err = fmt.Errorf("refresh token handle is required")
		return err
	}

	t := *token
	s.mu.Lock()
	s.refreshTokens[t.Handle] = &t
	s.mu.Unlock()
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	ctx, span, start := s.startSpan(ctx, "get_refresh_token")
	var err error
	defer func() { s.endSpan(ctx, span, "get_refresh_token", start, err) }()

	s.mu.RLock()
	token, ok := s.refreshTokens[handle]
	s.mu.RUnlock()
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	t := *token
	return &t, nil
}

func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	ctx, span, start := s.startSpan(ctx, "atomic_get_delete_refresh")
	var err error
	defer func() { s.endSpan(ctx, span, "atomic_get_delete_refresh", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[handle]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	// Remove from the live set but remember the family attribution so a
	// later replay of this handle can be punished.
	delete(s.refreshTokens, handle)
	if token.FamilyID != "" {
		s.retiredHandles[handle] = retiredHandle{familyID: token.FamilyID, retiredAt: time.Now()}
	}

	t := *token
	return &t, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, handle string) error {
	ctx, span, start := s.startSpan(ctx, "delete_refresh_token")
	defer func() { s.endSpan(ctx, span, "delete_refresh_token", start, nil) }()

	s.mu.Lock()
	delete(s.refreshTokens, handle)
	s.mu.Unlock()
	return nil
}

// ---- RefreshTokenFamilyStore ----

func (s *Store) SaveRefreshTokenFamily(ctx context.Context, family *storage.RefreshTokenFamily) error {
	ctx, span, start := s.startSpan(ctx, "save_refresh_family")
	var err error
	defer func() { s.endSpan(ctx, span, "save_refresh_family", start, err) }()

	if family == nil || family.FamilyID == "" {
		err = fmt.Errorf("family ID is required")
		return err
	}

	f := *family
	s.mu.Lock()
	s.families[f.FamilyID] = &f
	if f.LatestHandle != "" {
		s.retiredHandles[f.LatestHandle] = retiredHandle{familyID: f.FamilyID, retiredAt: time.Now()}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) GetRefreshTokenFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	ctx, span, start := s.startSpan(ctx, "get_refresh_family")
	var err error
	defer func() { s.endSpan(ctx, span, "get_refresh_family", start, err) }()

	s.mu.RLock()
	family, ok := s.families[familyID]
	s.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrFamilyNotFound, familyID)
		return nil, err
	}
	f := *family
	return &f, nil
}

func (s *Store) FindFamilyByHandle(ctx context.Context, handle string) (*storage.RefreshTokenFamily, error) {
	ctx, span, start := s.startSpan(ctx, "find_family_by_handle")
	var err error
	defer func() { s.endSpan(ctx, span, "find_family_by_handle", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	familyID := ""
	if token, ok := s.refreshTokens[handle]; ok {
		familyID = token.FamilyID
	} else if rh, ok := s.retiredHandles[handle]; ok {
		familyID = rh.familyID
	}
	if familyID == "" {
		err = storage.ErrFamilyNotFound
		return nil, err
	}

	family, ok := s.families[familyID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrFamilyNotFound, familyID)
		return nil, err
	}
	f := *family
	return &f, nil
}

func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string) error {
	ctx, span, start := s.startSpan(ctx, "revoke_refresh_family")
	var err error
	defer func() { s.endSpan(ctx, span, "revoke_refresh_family", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[familyID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrFamilyNotFound, familyID)
		return err
	}
	if family.Revoked {
		return nil
	}

	family.Revoked = true
	family.RevokedAt = time.Now()
	family.RevokeReason = reason

	for handle, token := range s.refreshTokens {
		if token.FamilyID == familyID {
			delete(s.refreshTokens, handle)
			s.retiredHandles[handle] = retiredHandle{familyID: familyID, retiredAt: time.Now()}
		}
	}

	s.logger.Debug("revoked refresh token family", "family_id", familyID, "reason", reason)
	return nil
}

// ---- RevocationStore ----

func (s *Store) RevokeTokensForGrant(ctx context.Context, grantID string) (int, error) {
	ctx, span, start := s.startSpan(ctx, "revoke_tokens_for_grant")
	defer func() { s.endSpan(ctx, span, "revoke_tokens_for_grant", start, nil) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for handle, token := range s.accessTokens {
		if token.GrantID == grantID {
			delete(s.accessTokens, handle)
			revoked++
		}
	}
	for handle, token := range s.refreshTokens {
		if token.GrantID == grantID {
			delete(s.refreshTokens, handle)
			if token.FamilyID != "" {
				s.retiredHandles[handle] = retiredHandle{familyID: token.FamilyID, retiredAt: time.Now()}
			}
			revoked++
		}
	}
	return revoked, nil
}

func (s *Store) RevokeTokensForOwnerClient(ctx context.Context, ownerID, clientID string) (int, error) {
	ctx, span, start := s.startSpan(ctx, "revoke_tokens_for_owner_client")
	defer func() { s.endSpan(ctx, span, "revoke_tokens_for_owner_client", start, nil) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for handle, token := range s.accessTokens {
		if token.OwnerID == ownerID && token.ClientID == clientID {
			delete(s.accessTokens, handle)
			revoked++
		}
	}
	for handle, token := range s.refreshTokens {
		if token.OwnerID == ownerID && token.ClientID == clientID {
			delete(s.refreshTokens, handle)
			if token.FamilyID != "" {
				s.retiredHandles[handle] = retiredHandle{familyID: token.FamilyID, retiredAt: time.Now()}
			}
			revoked++
		}
	}
	return revoked, nil
}

// ---- DenyList ----

func (s *Store) Deny(ctx context.Context, tokenID string, until time.Time) error {
	ctx, span, start := s.startSpan(ctx, "deny_token")
	var err error
	defer func() { s.endSpan(ctx, span, "deny_token", start, err) }()

	if tokenID == "" {
		err = fmt.Errorf("token ID is required")
		return err
	}

	s.mu.Lock()
	s.denied[tokenID] = until
	s.mu.Unlock()
	return nil
}

func (s *Store) IsDenied(ctx context.Context, tokenID string) (bool, error) {
	ctx, span, start := s.startSpan(ctx, "is_denied")
	defer func() { s.endSpan(ctx, span, "is_denied", start, nil) }()

	s.mu.RLock()
	until, ok := s.denied[tokenID]
	s.mu.RUnlock()
	return ok && time.Now().Before(until), nil
}

func cloneClient(c *storage.Client) *storage.Client {
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	clone.Scopes = append([]string(nil), c.Scopes...)
	clone.GrantTypes = append([]string(nil), c.GrantTypes...)
	clone.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	return &clone
}
