package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/tunjiax-agent/internal/api"
	"github.com/example/tunjiax-agent/internal/app"
	"github.com/example/tunjiax-agent/internal/config"
	"github.com/example/tunjiax-agent/internal/security"
)

// Password attempts per client address per window.
const (
	loginAttempts = 10
	loginWindow   = 5 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	go a.Sweeper().Run(ctx)

	allowlist, err := security.ParseAllowlist(cfg.IPAllowlist)
	if err != nil {
		logger.Error("invalid API_IP_ALLOWLIST", "error", err)
		os.Exit(1)
	}

	var rateLimiter, loginLimiter *security.RedisTokenBucket
	if a.Redis != nil {
		loginLimiter = &security.RedisTokenBucket{
			Redis:      a.Redis,
			Prefix:     "tunjiax_login",
			Capacity:   loginAttempts,
			RefillRate: loginAttempts / loginWindow.Seconds(),
		}
	}
	if cfg.RateLimitCapacity > 0 {
		if a.Redis == nil {
			logger.Warn("API_RATE_LIMIT_CAPACITY set without REDIS_ADDR, rate limiting disabled")
		} else {
			rateLimiter = &security.RedisTokenBucket{
				Redis:      a.Redis,
				Prefix:     "tunjiax_api",
				Capacity:   cfg.RateLimitCapacity,
				RefillRate: cfg.RateLimitRefill,
			}
		}
	}

	deps := api.Dependencies{
		Logger:               logger,
		Metrics:              a.Metrics,
		Gatherer:             a.Registry,
		Users:                a.Users,
		Issuer:               a.Issuer,
		Validator:            a.Validator,
		Conversations:        a.Orchestrator,
		Accounts:             a.Ledger,
		Beneficiaries:        a.Directory,
		CompletionsSecret:    cfg.CustomLLMSecret,
		CompletionsAllowlist: allowlist,
		Auditor:              a.Trail,
		RateLimiter:          rateLimiter,
		LoginLimiter:         loginLimiter,
		MaxBodyBytes:         cfg.MaxBodyBytes,
	}
	if a.Vault != nil {
		deps.Faces = a.Gate
		deps.References = a.Vault
	}
	if a.Validator == nil {
		logger.Warn("JWT_SECRET not set, user endpoints will reject every request")
	}

	router, err := api.NewRouter(deps)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	tlsFiles := security.TLSConfig{
		CertFile: cfg.TLSCert,
		KeyFile:  cfg.TLSKey,
		CAFile:   cfg.TLSCA,
	}
	if tlsFiles.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(tlsFiles)
		if err != nil {
			logger.Error("failed to load TLS config", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("transfer agent listening",
		"addr", cfg.HTTPAddr,
		"tls", tlsFiles.Enabled(),
		"store", cfg.StoreDriver,
		"sessions", cfg.SessionBackend,
		"llm", cfg.LLMProvider,
	)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
