package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/tunjiax-agent/internal/apperr"
	"github.com/example/tunjiax-agent/internal/beneficiary"
	"github.com/example/tunjiax-agent/internal/biometric"
	"github.com/example/tunjiax-agent/internal/ledger"
	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/money"
	"github.com/example/tunjiax-agent/internal/session"
)

// BiometricVerification names the result turn produced when a face check
// completes. It is not callable by the reasoning engine.
const BiometricVerification = "biometric_verification"

// Directory is the beneficiary lookup and persistence used by the tools.
type Directory interface {
	Lookup(ctx context.Context, userID, name string) (*beneficiary.Beneficiary, error)
	Add(ctx context.Context, nb beneficiary.NewBeneficiary) (*beneficiary.Beneficiary, error)
}

// Gate stages transfers behind the identity challenge.
type Gate interface {
	Trigger(ctx context.Context, sessionID string, p session.PendingTransfer) error
	Pending(ctx context.Context, sessionID string) (*session.PendingTransfer, error)
	Resolve(ctx context.Context, sessionID string, verified bool) (biometric.Outcome, error)
}

// BankPolicy tells which destination banks the ledger can settle.
type BankPolicy interface {
	IsInternalBank(name string) bool
	BankName() string
}

// Prechecker rejects a transfer that would fail for a reason known before
// the face check. It must not write or lock.
type Prechecker interface {
	Precheck(ctx context.Context, req ledger.TransferRequest) error
}

// Dispatcher runs decoded tool commands against the directory and the gate.
type Dispatcher struct {
	registry  *Registry
	directory Directory
	gate      Gate
	banks     BankPolicy
	precheck  Prechecker
	metrics   metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// Config wires a Dispatcher. Precheck is optional; without it
// execute_transfer stages every well-formed transfer to the served bank.
type Config struct {
	Registry  *Registry
	Directory Directory
	Gate      Gate
	Banks     BankPolicy
	Precheck  Prechecker
	Metrics   metrics.Collector
	Logger    *slog.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry:  cfg.Registry,
		directory: cfg.Directory,
		gate:      cfg.Gate,
		banks:     cfg.Banks,
		precheck:  cfg.Precheck,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if d.metrics == nil {
		d.metrics = metrics.NoOp{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Specs lists the tools offered to the reasoning engine.
func (d *Dispatcher) Specs() []Spec { return d.registry.Specs() }

// Dispatch validates and runs one tool call. It never returns an error:
// every failure becomes a result the reasoning engine can react to.
func (d *Dispatcher) Dispatch(ctx context.Context, env Env, call session.ToolCall) Result {
	res := d.dispatch(ctx, env, call)
	d.metrics.RecordToolCall(res.Tool, res.Code)
	d.logger.InfoContext(ctx, "tool call completed",
		"session_id", env.SessionID,
		"tool", res.Tool,
		"code", res.Code,
	)
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, env Env, call session.ToolCall) Result {
	cmd, err := d.registry.Decode(call.Name, call.Args)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			return result(call.Name, CodeValidationError, argErr.Field)
		}
		return result(call.Name, CodeValidationError, err.Error())
	}

	switch c := cmd.(type) {
	case LookupBeneficiaryCmd:
		return d.lookup(ctx, env, c)
	case TriggerBiometricAuthCmd:
		return d.trigger(ctx, env)
	case ExecuteTransferCmd:
		return d.execute(ctx, env, c)
	case AddBeneficiaryCmd:
		return d.add(ctx, env, c)
	default:
		return result(call.Name, CodeValidationError, "tool")
	}
}

func (d *Dispatcher) lookup(ctx context.Context, env Env, c LookupBeneficiaryCmd) Result {
	b, err := d.directory.Lookup(ctx, env.UserID, c.Name)
	switch {
	case errors.Is(err, beneficiary.ErrNotFound):
		return result(LookupBeneficiary, CodeNotFound,
			fmt.Sprintf("No beneficiary named '%s' in user's saved list.", c.Name))
	case apperr.KindOf(err) == apperr.KindValidation:
		return result(LookupBeneficiary, CodeValidationError, "name")
	case err != nil:
		return d.internal(ctx, LookupBeneficiary, err)
	}
	return result(LookupBeneficiary, CodeFound,
		fmt.Sprintf("%s at %s (Account: %s)", b.AccountName, b.BankName, b.AccountNumber))
}

func (d *Dispatcher) trigger(ctx context.Context, env Env) Result {
	p, err := d.gate.Pending(ctx, env.SessionID)
	if err != nil {
		return d.internal(ctx, TriggerBiometricAuth, err)
	}
	if p == nil {
		return result(TriggerBiometricAuth, CodeNoPendingTransfer,
			"No transfer is staged. Confirm the details with the user and call execute_transfer first.")
	}
	if err := d.gate.Trigger(ctx, env.SessionID, *p); err != nil {
		return d.internal(ctx, TriggerBiometricAuth, err)
	}
	res := result(TriggerBiometricAuth, CodeBiometricRequired, challengeText(p))
	res.Signal = SignalBiometricRequired
	return res
}

func (d *Dispatcher) execute(ctx context.Context, env Env, c ExecuteTransferCmd) Result {
	amount, err := parseAmount(c.Amount)
	if err != nil {
		return result(ExecuteTransfer, CodeValidationError, "amount")
	}
	if !d.banks.IsInternalBank(c.BankName) {
		return result(ExecuteTransfer, CodeFailed, fmt.Sprintf("%s: Transfers to %s are not supported yet. Only %s accounts can receive transfers.",
			ledger.ReasonUnsupportedBank, c.BankName, d.banks.BankName()))
	}

	p := session.PendingTransfer{
		ID:              uuid.NewString(),
		UserID:          env.UserID,
		SessionID:       env.SessionID,
		Amount:          amount,
		BeneficiaryName: strings.TrimSpace(c.BeneficiaryName),
		BankName:        d.banks.BankName(),
		AccountNumber:   c.AccountNumber,
		CreatedAt:       d.now().UTC(),
	}
	if res, ok := d.checkFunds(ctx, p); !ok {
		return res
	}
	if err := d.gate.Trigger(ctx, env.SessionID, p); err != nil {
		return d.internal(ctx, ExecuteTransfer, err)
	}
	res := result(ExecuteTransfer, CodeBiometricRequired, challengeText(&p))
	res.Signal = SignalBiometricRequired
	return res
}

// checkFunds runs the read-only precheck so the user hears about a missing
// account or a short balance before the face check. The ledger checks again
// when the transfer executes.
func (d *Dispatcher) checkFunds(ctx context.Context, p session.PendingTransfer) (Result, bool) {
	if d.precheck == nil {
		return Result{}, true
	}
	err := d.precheck.Precheck(ctx, ledger.TransferRequest{
		UserID:          p.UserID,
		Amount:          p.Amount,
		BeneficiaryName: p.BeneficiaryName,
		BankName:        p.BankName,
		AccountNumber:   p.AccountNumber,
	})
	if err == nil {
		return Result{}, true
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		return d.internal(ctx, ExecuteTransfer, err), false
	}
	if ae.Code == ledger.ReasonValidation {
		return result(ExecuteTransfer, CodeValidationError, ae.Message), false
	}
	return result(ExecuteTransfer, CodeFailed, fmt.Sprintf("%s: %s", ae.Code, ae.Message)), false
}

func (d *Dispatcher) add(ctx context.Context, env Env, c AddBeneficiaryCmd) Result {
	b, err := d.directory.Add(ctx, beneficiary.NewBeneficiary{
		UserID:        env.UserID,
		Alias:         c.Alias,
		AccountName:   c.AccountName,
		AccountNumber: c.AccountNumber,
		BankName:      c.BankName,
	})
	switch {
	case errors.Is(err, beneficiary.ErrDuplicate):
		return result(AddBeneficiary, CodeDuplicate,
			fmt.Sprintf("A beneficiary named '%s' is already saved.", c.Alias))
	case err != nil:
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind == apperr.KindValidation {
			return result(AddBeneficiary, CodeValidationError, ae.Message)
		}
		return d.internal(ctx, AddBeneficiary, err)
	}
	return result(AddBeneficiary, CodeSaved,
		fmt.Sprintf("Saved '%s' as %s at %s (Account: %s).", b.Alias, b.AccountName, b.BankName, b.AccountNumber))
}

// Resolve delivers the face check outcome for the session's staged transfer.
func (d *Dispatcher) Resolve(ctx context.Context, env Env, verified bool) Result {
	res := d.resolve(ctx, env, verified)
	d.metrics.RecordToolCall(res.Tool, res.Code)
	d.logger.InfoContext(ctx, "biometric outcome delivered",
		"session_id", env.SessionID,
		"verified", verified,
		"code", res.Code,
	)
	return res
}

func (d *Dispatcher) resolve(ctx context.Context, env Env, verified bool) Result {
	out, err := d.gate.Resolve(ctx, env.SessionID, verified)
	if err != nil {
		return d.internal(ctx, BiometricVerification, err)
	}

	switch out.Code {
	case biometric.OutcomeNoPending:
		return result(BiometricVerification, CodeNoPendingTransfer, "There is no transfer waiting for verification.")
	case biometric.OutcomeVerificationFailed:
		return result(BiometricVerification, CodeVerificationFailed, "Face verification failed. The transfer was cancelled and no money moved.")
	}

	t := out.Transfer
	if t == nil {
		return d.internal(ctx, BiometricVerification, errors.New("executed outcome without a transfer result"))
	}
	if !t.OK() {
		return result(BiometricVerification, CodeFailed, fmt.Sprintf("%s: %s", t.Reason, t.Message))
	}
	return result(BiometricVerification, CodeSuccess, fmt.Sprintf("Sent %s to %s. Reference: %s. New balance: %s",
		money.Format(t.Amount), out.Pending.BeneficiaryName, t.ReferenceCode, money.Format(t.NewBalance)))
}

func (d *Dispatcher) internal(ctx context.Context, tool string, err error) Result {
	d.logger.ErrorContext(ctx, "tool failed", "tool", tool, "error", err)
	return result(tool, CodeError, "Something went wrong on our side. Nothing was changed.")
}

func challengeText(p *session.PendingTransfer) string {
	return fmt.Sprintf("Transfer of %s to %s (%s %s) is staged. Ask the user to verify their face to complete it.",
		money.Format(p.Amount), p.BeneficiaryName, p.BankName, p.AccountNumber)
}

// parseAmount accepts a JSON number or string in naira.
func parseAmount(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return money.ParseNaira(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return money.ParseNaira(n.String())
}
