// Package biometric holds the identity gate that stands between a staged
// transfer and the ledger.
package biometric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/tunjiax-agent/internal/ledger"
	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/vault"
	"github.com/example/tunjiax-agent/pkg/audit"
)

// Outcome codes of Resolve.
const (
	OutcomeExecuted           = "EXECUTED"
	OutcomeVerificationFailed = "VERIFICATION_FAILED"
	OutcomeNoPending          = "NO_PENDING_TRANSFER"
)

// Outcome is what Resolve did with the pending transfer.
type Outcome struct {
	Code    string
	Pending *session.PendingTransfer
	// Transfer is set when Code is OutcomeExecuted.
	Transfer *ledger.Result
}

// PendingStore is the part of the session store holding the pending slot.
type PendingStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	SetPending(ctx context.Context, id string, p session.PendingTransfer) error
	TakePending(ctx context.Context, id string) (*session.PendingTransfer, error)
}

// Ledger executes transfers.
type Ledger interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) ledger.Result
}

// ReferenceStore returns a user's enrolled reference image.
type ReferenceStore interface {
	Reference(ctx context.Context, userID string) ([]byte, error)
}

// ErrNotEnrolled reports that the user has no reference image to compare
// against.
var ErrNotEnrolled = errors.New("biometric: user has no enrolled reference")

// Gate holds at most one pending transfer per session and runs it through
// the ledger only after a positive verification.
type Gate struct {
	sessions PendingStore
	ledger   Ledger
	refs     ReferenceStore
	verifier Verifier
	audit    audit.Recorder
	metrics  metrics.Collector
	logger   *slog.Logger
}

// GateConfig wires a Gate. Refs and Verifier are only needed for Verify.
type GateConfig struct {
	Sessions PendingStore
	Ledger   Ledger
	Refs     ReferenceStore
	Verifier Verifier
	Audit    audit.Recorder
	Metrics  metrics.Collector
	Logger   *slog.Logger
}

func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		sessions: cfg.Sessions,
		ledger:   cfg.Ledger,
		refs:     cfg.Refs,
		verifier: cfg.Verifier,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if g.audit == nil {
		g.audit = audit.Nop{}
	}
	if g.metrics == nil {
		g.metrics = metrics.NoOp{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Trigger stages p for sessionID, replacing any earlier pending transfer.
func (g *Gate) Trigger(ctx context.Context, sessionID string, p session.PendingTransfer) error {
	if err := g.sessions.SetPending(ctx, sessionID, p); err != nil {
		return fmt.Errorf("failed to stage pending transfer: %w", err)
	}
	g.record(ctx, audit.Event{
		Type:      audit.EventChallengeIssued,
		Actor:     p.UserID,
		SessionID: sessionID,
		Attrs: map[string]any{
			"pending_id":     p.ID,
			"amount_kobo":    p.Amount,
			"account_number": p.AccountNumber,
		},
	})
	return nil
}

// Pending returns the staged transfer of sessionID, or nil.
func (g *Gate) Pending(ctx context.Context, sessionID string) (*session.PendingTransfer, error) {
	s, err := g.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Pending, nil
}

// Resolve consumes the pending transfer of sessionID. When verified it is
// executed with its id as idempotency key; otherwise it is discarded.
func (g *Gate) Resolve(ctx context.Context, sessionID string, verified bool) (Outcome, error) {
	p, err := g.sessions.TakePending(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return Outcome{}, fmt.Errorf("failed to take pending transfer: %w", err)
	}
	if p == nil {
		g.metrics.RecordBiometric(OutcomeNoPending)
		return Outcome{Code: OutcomeNoPending}, nil
	}

	g.record(ctx, audit.Event{
		Type:      audit.EventBiometricResolved,
		Actor:     p.UserID,
		SessionID: sessionID,
		Attrs:     map[string]any{"pending_id": p.ID, "verified": verified},
	})

	if !verified {
		g.metrics.RecordBiometric(OutcomeVerificationFailed)
		g.logger.InfoContext(ctx, "biometric verification failed, pending transfer discarded",
			"session_id", sessionID, "pending_id", p.ID)
		return Outcome{Code: OutcomeVerificationFailed, Pending: p}, nil
	}

	// The slot is already consumed, so the transfer must not be abandoned
	// halfway because the caller went away.
	res := g.ledger.Transfer(context.WithoutCancel(ctx), ledger.TransferRequest{
		UserID:          p.UserID,
		Amount:          p.Amount,
		BeneficiaryName: p.BeneficiaryName,
		BankName:        p.BankName,
		AccountNumber:   p.AccountNumber,
		IdempotencyKey:  p.ID,
	})

	g.metrics.RecordBiometric(OutcomeExecuted)
	g.metrics.RecordTransfer(string(res.Status), res.Reason)
	g.record(ctx, audit.Event{
		Type:      audit.EventTransferExecuted,
		Actor:     p.UserID,
		SessionID: sessionID,
		Attrs: map[string]any{
			"pending_id":     p.ID,
			"status":         string(res.Status),
			"reason":         res.Reason,
			"transaction_id": res.TransactionID,
			"reference_code": res.ReferenceCode,
			"amount_kobo":    p.Amount,
		},
	})
	return Outcome{Code: OutcomeExecuted, Pending: p, Transfer: &res}, nil
}

// Verify compares probe against the user's enrolled reference image.
func (g *Gate) Verify(ctx context.Context, userID string, probe []byte) (Comparison, error) {
	if g.refs == nil || g.verifier == nil {
		return Comparison{}, errors.New("biometric: verification is not configured")
	}
	ref, err := g.refs.Reference(ctx, userID)
	if errors.Is(err, vault.ErrNoReference) {
		return Comparison{}, ErrNotEnrolled
	}
	if err != nil {
		return Comparison{}, fmt.Errorf("failed to load reference: %w", err)
	}
	cmp, err := g.verifier.Compare(ctx, ref, probe)
	if err != nil {
		return Comparison{}, fmt.Errorf("failed to compare faces: %w", err)
	}
	g.logger.InfoContext(ctx, "face comparison completed",
		"user_id", userID, "verified", cmp.Verified, "distance", cmp.Distance)
	return cmp, nil
}

func (g *Gate) record(ctx context.Context, ev audit.Event) {
	if _, err := g.audit.Record(ctx, ev); err != nil {
		g.logger.WarnContext(ctx, "failed to record audit event", "type", ev.Type, "error", err)
	}
}
