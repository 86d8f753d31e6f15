package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/gallerio/oauth/security"
)

const (
	// DefaultKeyPrefix namespaces every key this store writes.
	DefaultKeyPrefix = "gallerio:"

	// DefaultRevokedFamilyRetention keeps revoked family records for
	// forensics before they expire.
	DefaultRevokedFamilyRetention = 90 * 24 * time.Hour

	// retiredHandleRetention bounds how long a rotated-away refresh handle
	// stays attributable to its family.
	retiredHandleRetention = 30 * 24 * time.Hour

	// indexRetention is the TTL refreshed on the revocation index sets each
	// time a member is added.
	indexRetention = 30 * 24 * time.Hour

	// handleLogLength is how many leading characters of a handle appear in
	// debug logs.
	handleLogLength = 8

	connectionVerifyTimeout = 5 * time.Second
)

// Config holds connection settings for the Valkey backend.
type Config struct {
	// Address is the server address, e.g. "localhost:6379". Required.
	Address string

	// Password authenticates against the server when set.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// TLS enables encrypted connections when set.
	TLS *tls.Config

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// RevokedFamilyRetention overrides how long revoked family records are
	// kept. Defaults to DefaultRevokedFamilyRetention.
	RevokedFamilyRetention time.Duration
}

// Store is a Valkey-backed implementation of every storage interface. Expiry
// is enforced with native key TTLs; authorization code consumption runs as a
// server-side Lua script and refresh consumption as a single GETDEL, so each
// is atomic under concurrent redemption.
type Store struct {
	client          valkeygo.Client
	prefix          string
	logger          *slog.Logger
	familyRetention time.Duration

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// New connects to Valkey and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.RevokedFamilyRetention
	if retention <= 0 {
		retention = DefaultRevokedFamilyRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to valkey: %w", err)
	}

	logger.Info("connected to valkey storage", "address", cfg.Address, "db", cfg.DB, "prefix", prefix)

	return &Store{
		client:          client,
		prefix:          prefix,
		logger:          logger,
		familyRetention: retention,
	}, nil
}

// Close releases the client connection.
func (s *Store) Close() {
	s.client.Close()
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption at rest for access and refresh token
// records.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("token encryption at rest enabled")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// sealRecord encrypts serialized record data when an encryptor is attached.
func (s *Store) sealRecord(data []byte) (string, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return string(data), nil
	}
	return enc.Encrypt(string(data))
}

// openRecord reverses sealRecord.
func (s *Store) openRecord(data string) ([]byte, error) {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return []byte(data), nil
	}
	plain, err := enc.Decrypt(data)
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

// Key builders, one namespace per record type.

func (s *Store) clientKey(id string) string       { return s.prefix + "client:" + id }
func (s *Store) txnKey(id string) string          { return s.prefix + "txn:" + id }
func (s *Store) codeKey(code string) string       { return s.prefix + "code:" + code }
func (s *Store) accessKey(handle string) string   { return s.prefix + "at:" + handle }
func (s *Store) refreshKey(handle string) string  { return s.prefix + "rt:" + handle }
func (s *Store) familyKey(id string) string       { return s.prefix + "fam:" + id }
func (s *Store) familyOfKey(handle string) string { return s.prefix + "famof:" + handle }
func (s *Store) familyIdxKey(id string) string    { return s.prefix + "fidx:" + id }
func (s *Store) grantIdxKey(id string) string     { return s.prefix + "gidx:" + id }
func (s *Store) denyKey(tokenID string) string    { return s.prefix + "deny:" + tokenID }

func (s *Store) ownerClientIdxKey(ownerID, clientID string) string {
	return s.prefix + "ocidx:" + ownerID + "|" + clientID
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// calculateTTL converts an absolute expiry into a key TTL. Zero means the
// deadline already passed.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func safeTruncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
