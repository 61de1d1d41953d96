// Package app assembles the auth service: storage, domain managers, the
// HTTP surface, and the background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lockhaven/lockhaven/internal/platform/config"

	"github.com/lockhaven/lockhaven/internal/auth/account"
	"github.com/lockhaven/lockhaven/internal/auth/api/httpapi"
	"github.com/lockhaven/lockhaven/internal/auth/credential"
	"github.com/lockhaven/lockhaven/internal/auth/mail"
	"github.com/lockhaven/lockhaven/internal/auth/passkey"
	"github.com/lockhaven/lockhaven/internal/auth/secondfactor"
	"github.com/lockhaven/lockhaven/internal/auth/session"
	"github.com/lockhaven/lockhaven/internal/auth/storage/sqlite"
	"github.com/lockhaven/lockhaven/internal/auth/verification"
)

const totpIssuer = "Lockhaven"

// Config controls service startup.
type Config struct {
	HTTPAddr           string        `env:"HTTP_ADDR" envDefault:"localhost:8080"`
	DBPath             string        `env:"DB_PATH" envDefault:"data/lockhaven.db"`
	SessionSecret      string        `env:"SESSION_SECRET"`
	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SessionRememberTTL time.Duration `env:"SESSION_REMEMBER_TTL" envDefault:"720h"`
	Providers          []string      `env:"PROVIDERS" envSeparator:","`
	TrustedProviders   []string      `env:"TRUSTED_PROVIDERS" envSeparator:","`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
}

// LoadConfigFromEnv reads LOCKHAVEN_* startup settings.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnvPrefixed(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse app config: %w", err)
	}
	return cfg, nil
}

// Server hosts the assembled auth service.
type Server struct {
	cfg        Config
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store

	sessions   *session.Manager
	tokens     *verification.Manager
	passkeys   *passkey.Registry
	dispatcher *mail.Dispatcher
}

// New opens storage, wires the domain, and binds the HTTP listener.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	credentials := credential.NewManager(store, store, store)
	sessions := session.NewManager(store, cfg.SessionTTL, cfg.SessionRememberTTL)
	pending, err := session.NewPendingIssuer([]byte(cfg.SessionSecret))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure pending issuer: %w", err)
	}
	tokens := verification.NewManager(store)
	secondFactor := secondfactor.NewEngine(store, credentials, totpIssuer)

	passkeyConfig, err := passkey.LoadConfigFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	registry, err := passkey.NewRegistry(store, store, credentials, passkeyConfig)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure passkey registry: %w", err)
	}

	providers, err := account.LoadProvidersFromEnv(cfg.Providers)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	accounts := account.NewCoordinator(store, store, credentials, store, providers, cfg.TrustedProviders)

	mailer, err := buildMailer()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dispatcher := mail.NewDispatcher(store, mailer, mail.DispatcherConfig{})

	httpConfig, err := httpapi.LoadConfigFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	api := httpapi.NewServer(httpConfig, httpapi.Deps{
		Users:        store,
		Credentials:  credentials,
		Sessions:     sessions,
		Pending:      pending,
		Tokens:       tokens,
		SecondFactor: secondFactor,
		Passkeys:     registry,
		Accounts:     accounts,
		Outbox:       mail.NewOutbox(store),
	})

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	return &Server{
		cfg:        cfg,
		listener:   listener,
		httpServer: &http.Server{Handler: api.Handler()},
		store:      store,
		sessions:   sessions,
		tokens:     tokens,
		passkeys:   registry,
		dispatcher: dispatcher,
	}, nil
}

// Addr returns the bound HTTP address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP server and background loops, blocking until the
// context ends or serving fails.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	go s.runCleanup(serverCtx)
	go func() {
		if err := s.dispatcher.Run(serverCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("mail dispatcher stopped: %v", err)
		}
	}()

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	shutdown := func() error {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		if err := shutdown(); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	}
}

// runCleanup periodically prunes expired sessions, verification tokens, and
// passkey challenge sessions.
func (s *Server) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.sessions.DeleteExpired(ctx); err != nil && ctx.Err() == nil {
			log.Printf("delete expired sessions: %v", err)
		}
		if err := s.tokens.DeleteExpired(ctx); err != nil && ctx.Err() == nil {
			log.Printf("delete expired verification tokens: %v", err)
		}
		if err := s.passkeys.DeleteExpiredSessions(ctx); err != nil && ctx.Err() == nil {
			log.Printf("delete expired passkey sessions: %v", err)
		}
	}
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

func openStore(path string) (*sqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "lockhaven.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

// buildMailer prefers the Resend client and falls back to logging when no
// API key is configured, so local development works without a provider.
func buildMailer() (mail.Mailer, error) {
	cfg, err := mail.LoadResendConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		log.Printf("no mail provider configured, outbound email will be logged")
		return logMailer{}, nil
	}
	return mail.NewResendMailer(cfg)
}

type logMailer struct{}

func (logMailer) Send(_ context.Context, to string, subject string, _ string) error {
	log.Printf("mail (dev): to=%s subject=%q", to, subject)
	return nil
}
