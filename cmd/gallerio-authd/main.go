// Command gallerio-authd is a reference deployment of the gallerio
// authorization server: memory or Valkey storage, optional JWT access
// tokens, optional AES-GCM encryption at rest, and OpenTelemetry
// instrumentation behind a flag.
//
// In -dev mode it listens on localhost with a memory store and seeds a demo
// confidential client so the token flows can be exercised immediately.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	oauth "github.com/gallerio/oauth"
	"github.com/gallerio/oauth/identity/static"
	"github.com/gallerio/oauth/instrumentation"
	"github.com/gallerio/oauth/security"
	"github.com/gallerio/oauth/server"
	"github.com/gallerio/oauth/storage"
	"github.com/gallerio/oauth/storage/memory"
	"github.com/gallerio/oauth/storage/valkey"
	"github.com/gallerio/oauth/tokens"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "listen address")
		issuer     = flag.String("issuer", "", "issuer URL (required outside -dev)")
		valkeyAddr = flag.String("valkey", "", "valkey address; empty selects the memory store")
		jwtKeyPath = flag.String("jwt-key", "", "PEM-encoded RSA private key; enables JWT access tokens")
		dev        = flag.Bool("dev", false, "development mode: localhost issuer, memory store, demo client")
		telemetry  = flag.Bool("telemetry", false, "enable OpenTelemetry metrics and traces")
		scopes     = flag.String("scopes", "view_gallery download_photo manage_albums", "supported scopes, space separated")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger, options{
		addr:       *addr,
		issuer:     *issuer,
		valkeyAddr: *valkeyAddr,
		jwtKeyPath: *jwtKeyPath,
		dev:        *dev,
		telemetry:  *telemetry,
		scopes:     strings.Fields(*scopes),
	}); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type options struct {
	addr       string
	issuer     string
	valkeyAddr string
	jwtKeyPath string
	dev        bool
	telemetry  bool
	scopes     []string
}

func run(logger *slog.Logger, opts options) error {
	if opts.issuer == "" {
		if !opts.dev {
			return errors.New("-issuer is required outside -dev mode")
		}
		opts.issuer = "http://localhost" + opts.addr
	}

	store, cleanup, err := openStore(logger, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := server.DefaultConfig(opts.issuer)
	cfg.SupportedScopes = opts.scopes
	cfg.AllowInsecureHTTP = opts.dev

	engine, err := server.New(server.Stores{
		Clients:     store,
		Flows:       store,
		Tokens:      store,
		Families:    store,
		Revocations: store,
		DenyList:    store,
	}, cfg, logger)
	if err != nil {
		return fmt.Errorf("create grant engine: %w", err)
	}

	engine.SetAuditor(security.NewAuditor(logger, true))
	engine.RateLimiter = security.NewRateLimiter(10, 20, logger)
	defer engine.RateLimiter.Stop()
	engine.OwnerRateLimiter = security.NewRateLimiter(5, 10, logger)
	defer engine.OwnerRateLimiter.Stop()
	engine.SecurityEventRateLimiter = security.NewRateLimiter(1, 5, logger)
	defer engine.SecurityEventRateLimiter.Stop()

	if opts.jwtKeyPath != "" {
		key, err := loadRSAKey(opts.jwtKeyPath)
		if err != nil {
			return fmt.Errorf("load JWT signing key: %w", err)
		}
		signer, err := tokens.NewSigner(opts.issuer, key, cfg.AccessTokenTTL)
		if err != nil {
			return fmt.Errorf("create signer: %w", err)
		}
		if err := engine.SetSigner(signer); err != nil {
			return err
		}
		logger.Info("JWT access tokens enabled")
	}

	handler := oauth.NewHandler(engine, logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "gallerio-authd",
		Enabled:     opts.telemetry,
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("instrumentation shutdown", "error", err)
		}
	}()
	engine.SetInstrumentation(inst)
	handler.SetInstrumentation(inst)

	if opts.dev {
		if err := seedDemo(engine, logger); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", opts.addr, "issuer", opts.issuer)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// storeBackend is the union of every storage interface the engine needs.
type storeBackend interface {
	storage.ClientStore
	storage.FlowStore
	storage.TokenStore
	storage.RefreshTokenFamilyStore
	storage.RevocationStore
	storage.DenyList
}

func openStore(logger *slog.Logger, opts options) (storeBackend, func(), error) {
	if opts.valkeyAddr == "" {
		store := memory.NewWithInterval(time.Minute)
		logger.Info("using memory storage")
		return store, store.Stop, nil
	}

	store, err := valkey.New(valkey.Config{
		Address:  opts.valkeyAddr,
		Password: os.Getenv("GALLERIO_VALKEY_PASSWORD"),
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to valkey: %w", err)
	}

	if encoded := os.Getenv("GALLERIO_ENCRYPTION_KEY"); encoded != "" {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("decode encryption key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("create encryptor: %w", err)
		}
		store.SetEncryptor(enc)
		logger.Info("token encryption at rest enabled")
	}

	logger.Info("using valkey storage", "addr", opts.valkeyAddr)
	return store, store.Close, nil
}

// seedDemo registers a demo client and owner so a fresh dev instance can run
// the full flow: print/print-secret against owner ana/gallery.
func seedDemo(engine *server.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := engine.RegisterClient(ctx, &storage.Client{
		ClientID:      "print",
		Type:          storage.ClientTypeConfidential,
		RedirectURIs:  []string{"http://photoprint:3000/callback"},
		Scopes:        []string{"view_gallery", "download_photo"},
		GrantTypes:    []string{"authorization_code", "refresh_token", "password"},
		ResponseTypes: []string{"code"},
		Name:          "Photo Print Service",
	}, "print-secret")
	if err != nil {
		return fmt.Errorf("seed demo client: %w", err)
	}

	verifier := static.New()
	if err := verifier.AddUser("ana", "gallery", "owner-ana"); err != nil {
		return fmt.Errorf("seed demo owner: %w", err)
	}
	engine.SetIdentityVerifier(verifier)

	logger.Info("demo client seeded", "client_id", "print")
	return nil
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not RSA")
	}
	return key, nil
}
