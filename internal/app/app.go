// Package app assembles the agent's components from configuration. Both the
// server and the operator CLI build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/example/tunjiax-agent/internal/auth"
	"github.com/example/tunjiax-agent/internal/beneficiary"
	"github.com/example/tunjiax-agent/internal/biometric"
	"github.com/example/tunjiax-agent/internal/config"
	"github.com/example/tunjiax-agent/internal/crypto"
	"github.com/example/tunjiax-agent/internal/dialogue"
	"github.com/example/tunjiax-agent/internal/ledger"
	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/reasoning"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
	"github.com/example/tunjiax-agent/internal/vault"
	"github.com/example/tunjiax-agent/pkg/audit"
)

// App holds every wired component. Close releases pools and files.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.PrometheusCollector
	Registry *prometheus.Registry
	Trail    *audit.Trail

	Ledger       *ledger.Service
	LedgerStore  ledger.Store
	Directory    *beneficiary.Directory
	Users        auth.UserStore
	Sessions     session.Store
	Vault        *vault.Store
	KMS          *crypto.LocalKMS
	Gate         *biometric.Gate
	Orchestrator *dialogue.Orchestrator
	Redis        *redis.Client
	Issuer       *auth.TokenIssuer
	Validator    *auth.Validator

	accounts ledger.Provisioner
	resets   []func(ctx context.Context) error
	closers  []func()
}

// Build connects the stores named by cfg and wires the conversation stack on
// top of them. A failed Build releases whatever it already opened.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewPrometheusCollector("tunjiax")
	if err := a.Metrics.Register(a.Registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	sink, err := a.openAuditSink()
	if err != nil {
		return err
	}
	a.Trail = audit.NewTrail(sink)

	var vaultDB *sql.DB
	var placeholder vault.Placeholder
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		vaultDB, placeholder = stdlib.OpenDBFromPool(pool), vault.Dollar
		a.closers = append(a.closers, func() { _ = vaultDB.Close() })
	default:
		db, err := a.openSQLite(ctx)
		if err != nil {
			return err
		}
		vaultDB, placeholder = db, vault.Question
	}

	a.Ledger = ledger.NewService(a.LedgerStore,
		ledger.WithBankName(cfg.BankName),
		ledger.WithFrequencyRecorder(a.Directory),
		ledger.WithLogger(logger),
	)

	if err := a.openSessions(ctx); err != nil {
		return err
	}

	if cfg.KMSMasterKey != "" {
		master, err := crypto.ParseMasterKey(cfg.KMSMasterKey)
		if err != nil {
			return fmt.Errorf("failed to parse KMS_MASTER_KEY: %w", err)
		}
		kms, err := crypto.NewLocalKMS(cfg.KMSKeyID, master)
		if err != nil {
			return fmt.Errorf("failed to create kms: %w", err)
		}
		a.KMS = kms
		a.Vault = vault.NewStore(vaultDB, crypto.NewEnvelope(kms), placeholder)
		if err := a.Vault.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate vault: %w", err)
		}
	} else {
		logger.Warn("KMS_MASTER_KEY not set, reference enrollment and face checks are disabled")
	}

	gateCfg := biometric.GateConfig{
		Sessions: a.Sessions,
		Ledger:   a.Ledger,
		Audit:    a.Trail,
		Metrics:  a.Metrics,
		Logger:   logger,
	}
	if a.Vault != nil && cfg.VerifierURL != "" {
		gateCfg.Refs = a.Vault
		gateCfg.Verifier = biometric.NewHTTPVerifier(cfg.VerifierURL, cfg.VerifierTimeout, logger, a.Metrics)
	}
	a.Gate = biometric.NewGate(gateCfg)

	registry, err := tools.NewRegistry()
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}
	dispatcher := tools.NewDispatcher(tools.Config{
		Registry:  registry,
		Directory: a.Directory,
		Gate:      a.Gate,
		Banks:     a.Ledger,
		Precheck:  a.Ledger,
		Metrics:   a.Metrics,
		Logger:    logger,
	})

	a.Orchestrator = dialogue.New(dialogue.Config{
		Sessions:      a.Sessions,
		Dispatcher:    dispatcher,
		Decider:       reasoning.NewGuarded(a.decider(), cfg.LLMTimeout, logger, a.Metrics),
		SystemPrompt:  reasoning.SystemPrompt(a.Ledger.BankName()),
		MaxIterations: cfg.MaxIterations,
		HistoryWindow: cfg.HistoryWindow,
		Metrics:       a.Metrics,
		Logger:        logger,
	})

	if cfg.JWTSecret != "" {
		a.Issuer = &auth.TokenIssuer{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
		a.Validator = &auth.Validator{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	}

	if cfg.StoreDriver == "memory" {
		if err := a.Seed(ctx, DefaultDemoPassword); err != nil {
			return fmt.Errorf("failed to seed memory store: %w", err)
		}
		logger.Info("memory store seeded with demo users", "users", len(DemoUsers))
	}
	return nil
}

// Sweeper returns a sweeper for the session store reporting to the metrics
// collector.
func (a *App) Sweeper() *session.Sweeper {
	return &session.Sweeper{
		Store:    a.Sessions,
		Interval: a.Config.SweepInterval,
		Logger:   a.Logger,
		Observer: a.Metrics,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openAuditSink() (io.Writer, error) {
	if a.Config.AuditLogPath == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(a.Config.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a.closers = append(a.closers, func() { _ = f.Close() })
	return f, nil
}

func (a *App) openPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	for _, ddl := range []string{ledger.Schema, beneficiary.PostgresSchema, auth.UsersSchema} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	store := ledger.NewPostgresStore(pool)
	a.LedgerStore, a.accounts = store, store
	a.Directory = beneficiary.NewDirectory(beneficiary.NewPostgresStore(pool), a.Logger)
	a.Users = &auth.PostgresUserStore{Pool: pool}

	a.resets = append(a.resets, func(ctx context.Context) error {
		// Journal rows reject DELETE, so the ledger tables are recreated.
		for _, stmt := range []string{ledger.DropSchema, ledger.Schema, "DELETE FROM beneficiaries", "DELETE FROM users"} {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to reset postgres: %w", err)
			}
		}
		return nil
	})
	return pool, nil
}

func (a *App) openSQLite(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", a.Config.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	a.closers = append(a.closers, func() { _ = db.Close() })

	dirStore := beneficiary.NewSQLStore(db)
	if err := dirStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate beneficiaries: %w", err)
	}
	a.Directory = beneficiary.NewDirectory(dirStore, a.Logger)

	store := ledger.NewMemoryStore(500 * time.Millisecond)
	a.LedgerStore, a.accounts = store, store

	users := auth.NewMemoryUserStore()
	a.Users = users

	a.resets = append(a.resets, func(ctx context.Context) error {
		store.Reset()
		users.Reset()
		if _, err := db.ExecContext(ctx, "DELETE FROM beneficiaries"); err != nil {
			return fmt.Errorf("failed to reset beneficiaries: %w", err)
		}
		return nil
	})
	return db, nil
}

func (a *App) openSessions(ctx context.Context) error {
	cfg := a.Config
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	}

	if cfg.SessionBackend != "redis" {
		a.Sessions = session.NewMemoryStore(cfg.SessionTimeout)
		return nil
	}
	if a.Redis == nil {
		return errors.New("session backend redis needs REDIS_ADDR")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	a.Sessions = session.NewRedisStore(a.Redis, cfg.SessionTimeout)
	return nil
}

func (a *App) decider() reasoning.Decider {
	cfg := a.Config
	if cfg.LLMProvider == "anthropic" {
		return reasoning.NewAnthropic(cfg.LLMAPIKey, cfg.LLMModel)
	}
	return reasoning.NewOpenAI(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)
}
