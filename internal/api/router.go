// Package api is the HTTP transport of the agent.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/tunjiax-agent/internal/auth"
	"github.com/example/tunjiax-agent/internal/beneficiary"
	"github.com/example/tunjiax-agent/internal/biometric"
	"github.com/example/tunjiax-agent/internal/dialogue"
	"github.com/example/tunjiax-agent/internal/ledger"
	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/security"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/vault"
	"github.com/example/tunjiax-agent/pkg/audit"
)

// Conversations is the dialogue orchestrator as seen by the transport.
type Conversations interface {
	HandleTurn(ctx context.Context, sessionID, userID, text string) (dialogue.Reply, error)
	ResolveBiometric(ctx context.Context, sessionID, userID string, verified bool) (dialogue.Reply, error)
	Reset(ctx context.Context, sessionID, userID string) error
	History(ctx context.Context, sessionID, userID string) (*session.Session, error)
}

type Accounts interface {
	Balance(ctx context.Context, userID string) (*ledger.Account, error)
	History(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error)
}

type Beneficiaries interface {
	List(ctx context.Context, userID string) ([]beneficiary.Beneficiary, error)
	Add(ctx context.Context, nb beneficiary.NewBeneficiary) (*beneficiary.Beneficiary, error)
}

// FaceVerifier compares a live capture with the user's enrolled reference.
type FaceVerifier interface {
	Verify(ctx context.Context, userID string, probe []byte) (biometric.Comparison, error)
}

type References interface {
	Enroll(ctx context.Context, userID string, image []byte) (*vault.Reference, error)
}

type Dependencies struct {
	Logger  *slog.Logger
	Metrics metrics.Collector
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	Users     auth.UserStore
	Issuer    *auth.TokenIssuer
	Validator *auth.Validator

	Conversations Conversations
	Accounts      Accounts
	Beneficiaries Beneficiaries
	Faces         FaceVerifier
	References    References

	// CompletionsSecret enables the OpenAI-compatible hook.
	CompletionsSecret    string
	CompletionsAllowlist security.Allowlist

	Auditor      audit.Recorder
	RateLimiter  *security.RedisTokenBucket
	// LoginLimiter is a separate, tighter budget for password attempts.
	LoginLimiter *security.RedisTokenBucket
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOp{}
	}

	chatV, err := security.NewJSONSchemaValidator(chatSchema)
	if err != nil {
		return nil, err
	}
	biometricV, err := security.NewJSONSchemaValidator(biometricSchema)
	if err != nil {
		return nil, err
	}
	beneficiaryV, err := security.NewJSONSchemaValidator(beneficiarySchema)
	if err != nil {
		return nil, err
	}
	enrollV, err := security.NewJSONSchemaValidator(enrollSchema)
	if err != nil {
		return nil, err
	}
	completionV, err := security.NewJSONSchemaValidator(completionSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := auth.ErrorWriter(security.WriteJSONError)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger, deps.Metrics))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByRemoteIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor, deps.Logger))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if deps.Users != nil && deps.Issuer != nil {
		r.With(security.RateLimitMiddleware(deps.LoginLimiter, security.KeyByRemoteIP)).
			Post("/auth/token", auth.LoginHandler(deps.Users, deps.Issuer, deps.Logger, onAuthError))
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.CompletionsSecret != "" && deps.Conversations != nil {
			r.With(
				security.IPAllowlist(deps.CompletionsAllowlist),
				auth.SharedSecret(deps.CompletionsSecret, onAuthError),
				completionV.Middleware,
			).Post("/chat/completions", handleChatCompletions(deps))
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate(deps.Validator, onAuthError))

			banking := r.With(auth.RequireScopes(onAuthError, auth.ScopeBanking))
			banking.With(chatV.Middleware).Post("/chat", handleChat(deps))
			banking.Get("/sessions/{id}", handleSessionHistory(deps))
			banking.Delete("/sessions/{id}", handleResetSession(deps))
			banking.Get("/account", handleAccount(deps))
			banking.Get("/transactions", handleTransactions(deps))
			banking.Get("/beneficiaries", handleListBeneficiaries(deps))
			banking.With(beneficiaryV.Middleware).Post("/beneficiaries", handleAddBeneficiary(deps))
			banking.With(enrollV.Middleware).Put("/biometric/reference", handleEnrollReference(deps))

			// Scopes are checked in the handler: images need banking,
			// precomputed verdicts need biometric:attest.
			r.With(biometricV.Middleware).Post("/sessions/{id}/biometric", handleBiometric(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
