package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"authd/auth"
	"authd/server"
	"authd/session"
	"authd/state"
)

const cleanupInterval = 10 * time.Minute

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("AUTHD_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := auth.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.Enabled() {
		log.Fatal("oidc provider is not configured; set AUTHD_TENANT_ID, AUTHD_CLIENT_ID, AUTHD_REDIRECT_URI")
	}
	logger.Info("configuration loaded", "provider", cfg.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit := auth.NewLogAuditor(logger)
	stateTTL := cfg.State.TTL + cfg.State.ClockSkew

	var states state.Store
	var tokens session.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer pool.Close()

		pgStates := state.NewPostgresStore(pool, stateTTL, logger, audit)
		if err := pgStates.EnsureSchema(ctx); err != nil {
			log.Fatalf("state schema: %v", err)
		}
		pgTokens := session.NewPostgresStore(pool, logger)
		if err := pgTokens.EnsureSchema(ctx); err != nil {
			log.Fatalf("session schema: %v", err)
		}
		states = pgStates
		tokens = pgTokens
	} else {
		logger.Warn("no database configured; using in-process stores, which are unsafe beyond a single instance")
		states = state.NewMemoryStore(stateTTL, logger, audit)
		tokens = session.NewMemoryStore()
	}

	keys, err := session.NewSigningKeys(cfg.Tokens.JWKSPath, logger)
	if err != nil {
		log.Fatalf("signing keys: %v", err)
	}

	// Standalone runs grant a bare authenticated role. Deployments replace
	// this with the real authorization subsystem.
	users := staticUserProvider{}

	manager := session.NewManager(cfg.Tokens, keys, tokens, users, logger, audit)
	oidcClient := auth.NewClient(cfg.Provider, logger)

	app := &server.App{
		Config: cfg,
		Logger: logger,
		OIDC:   oidcClient,
		States: states,
		Tokens: manager,
		Keys:   keys,
	}

	go runCleanup(ctx, logger, states, manager)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           app.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("authd listening", "addr", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

func runCleanup(ctx context.Context, logger *slog.Logger, states state.Store, manager *session.Manager) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := states.CleanupExpired(ctx); err != nil {
				logger.Error("state cleanup", "error", err)
			} else if n > 0 {
				logger.Info("state cleanup", "removed", n)
			}
			if stats, err := manager.CleanupExpiredTokens(ctx); err != nil {
				logger.Error("token cleanup", "error", err)
			} else if stats.RefreshTokens > 0 || stats.Blacklist > 0 {
				logger.Info("token cleanup",
					"refresh_tokens", stats.RefreshTokens,
					"blacklist", stats.Blacklist)
			}
		case <-ctx.Done():
			return
		}
	}
}

type staticUserProvider struct{}

func (staticUserProvider) UserContext(ctx context.Context, userID string) (*session.UserContext, error) {
	if userID == "" {
		return nil, nil
	}
	return &session.UserContext{UserID: userID, Roles: []string{"user"}}, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, err
	}
	return l, nil
}
