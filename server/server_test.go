package server

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/gallerio/oauth/internal/testutil"
	"github.com/gallerio/oauth/storage"
	"github.com/gallerio/oauth/storage/memory"
)

// newTestServer builds an engine over a fresh in-memory store. mutate runs
// before secure defaults are applied.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)

	cfg := &Config{Issuer: "https://auth.gallerio.test"}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(Stores{
		Clients:     store,
		Flows:       store,
		Tokens:      store,
		Families:    store,
		Revocations: store,
		DenyList:    store,
	}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, store
}

func seedClient(t *testing.T, store *memory.Store, client *storage.Client) {
	t.Helper()
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("seed client: %v", err)
	}
}

func TestNewRequiresStores(t *testing.T) {
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)

	_, err := New(Stores{}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "client store") {
		t.Errorf("missing client store not rejected: %v", err)
	}

	_, err = New(Stores{Clients: store}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "flow store") {
		t.Errorf("missing flow store not rejected: %v", err)
	}
}

func TestNewRejectsInsecureIssuer(t *testing.T) {
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)
	stores := Stores{Clients: store, Flows: store, Tokens: store, Families: store, Revocations: store}

	_, err := New(stores, &Config{Issuer: "http://auth.gallerio.example"}, nil)
	if err == nil {
		t.Error("plain HTTP issuer accepted without AllowInsecureHTTP")
	}

	if _, err := New(stores, &Config{Issuer: "http://localhost:8080"}, nil); err != nil {
		t.Errorf("localhost HTTP issuer rejected: %v", err)
	}

	if _, err := New(stores, &Config{Issuer: "ftp://auth.gallerio.test"}, nil); err == nil {
		t.Error("non-HTTP scheme accepted")
	}
}

func TestSetSignerRequiresDenyList(t *testing.T) {
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)

	srv, err := New(Stores{
		Clients: store, Flows: store, Tokens: store, Families: store, Revocations: store,
	}, &Config{Issuer: "https://auth.gallerio.test"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := testutil.GenerateRSAKey(t)
	signer := newTestSigner(t, key)
	if err := srv.SetSigner(signer); err == nil {
		t.Error("signer accepted without a deny list")
	}
}

func TestGenerateSecureToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		token, err := generateSecureToken()
		if err != nil {
			t.Fatalf("generateSecureToken: %v", err)
		}
		if len(token) != 43 {
			t.Errorf("token length = %d, want 43 (256 bits base64url)", len(token))
		}
		if strings.ContainsAny(token, "+/=") {
			t.Errorf("token %q is not raw URL encoding", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token generated")
		}
		seen[token] = true
	}
}
