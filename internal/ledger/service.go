package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/tunjiax-agent/internal/apperr"
	"github.com/example/tunjiax-agent/internal/money"
)

// DefaultBankName is the bank served by this ledger.
const DefaultBankName = "TunjiaX"

// FrequencyRecorder is told about every successful transfer so saved
// beneficiaries can be ranked by use.
type FrequencyRecorder interface {
	RecordTransfer(ctx context.Context, userID, accountNumber string) error
}

// Service is the ledger engine. It owns balances and the journal and exposes
// an atomic Transfer.
type Service struct {
	store    Store
	bank     string
	freq     FrequencyRecorder
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
	backoff  time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithBankName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.bank = name
		}
	}
}

func WithFrequencyRecorder(r FrequencyRecorder) Option {
	return func(s *Service) { s.freq = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ledger engine on top of store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		bank:     DefaultBankName,
		logger:   slog.Default(),
		validate: newValidator(),
		now:      time.Now,
		backoff:  10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// BankName returns the name of the bank served by this ledger.
func (s *Service) BankName() string { return s.bank }

// IsInternalBank reports whether name refers to this ledger's bank.
// "TunjiaX", "tunjiax bank" and "TUNJIAX BANK PLC" all match.
func (s *Service) IsInternalBank(name string) bool {
	return normalizeBank(name) == normalizeBank(s.bank)
}

func normalizeBank(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, " plc")
	n = strings.TrimSuffix(n, " bank")
	return strings.ReplaceAll(n, " ", "")
}

// Transfer moves req.Amount kobo from the user's account to the destination
// account in a single atomic unit. A conflict is retried once.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) Result {
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)

	if err := s.validate.Struct(req); err != nil {
		return s.failure(ctx, req, Result{Amount: req.Amount},
			apperr.Wrap(err, apperr.KindValidation, ReasonValidation, validationMessage(err)))
	}
	if !s.IsInternalBank(req.BankName) {
		return s.failure(ctx, req, Result{Amount: req.Amount},
			apperr.New(apperr.KindUnsupported, ReasonUnsupportedBank,
				fmt.Sprintf("Only %s Bank transfers are supported.", s.bank)))
	}

	var (
		res Result
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		res, err = s.transferOnce(ctx, req)
		if !errors.Is(err, ErrConflict) || attempt == 1 {
			break
		}
		s.logger.Warn("ledger conflict, retrying transfer", "user_id", req.UserID, "error", err)
		if serr := sleepCtx(ctx, s.retryDelay(attempt)); serr != nil {
			err = serr
			break
		}
	}
	if err != nil {
		return s.failure(ctx, req, res, err)
	}

	if !res.Replayed {
		s.recordFrequency(ctx, req)
	}
	return res
}

func (s *Service) transferOnce(ctx context.Context, req TransferRequest) (Result, error) {
	res := Result{Amount: req.Amount}

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if req.IdempotencyKey != "" {
			prior, err := tx.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				sender, err := tx.LockAccountByUser(ctx, req.UserID)
				if err != nil {
					return classifyLookup(err)
				}
				res = Result{
					Status:        StatusSuccess,
					TransactionID: prior.ID,
					ReferenceCode: TransferCode(prior.ReferenceCode),
					Amount:        prior.Amount,
					NewBalance:    sender.Balance,
					Replayed:      true,
				}
				return nil
			}
		}

		sender, err := tx.LockAccountByUser(ctx, req.UserID)
		if err != nil {
			return classifyLookup(err)
		}
		res.NewBalance = sender.Balance

		if sender.AccountNumber == req.AccountNumber {
			return apperr.New(apperr.KindValidation, ReasonSameAccount, "You cannot send money to your own account.")
		}
		if sender.Balance < req.Amount {
			return apperr.New(apperr.KindInsufficientFunds, ReasonInsufficientFunds,
				fmt.Sprintf("Insufficient funds. Your balance is %s.", money.Format(sender.Balance)))
		}

		dest, err := tx.LockAccountByNumber(ctx, req.AccountNumber)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return apperr.Wrap(err, apperr.KindNotFound, ReasonAccountNotFound,
					fmt.Sprintf("No %s account with number %s.", s.bank, req.AccountNumber))
			}
			return err
		}

		now := s.now().UTC()
		code, err := NewReferenceCode(now)
		if err != nil {
			return err
		}
		debitID, err := NewTransactionID()
		if err != nil {
			return err
		}
		creditID, err := NewTransactionID()
		if err != nil {
			return err
		}

		newSenderBalance := sender.Balance - req.Amount
		if err := tx.SetBalance(ctx, sender.ID, newSenderBalance); err != nil {
			return fmt.Errorf("failed to debit sender: %w", err)
		}
		if err := tx.Append(ctx, &Transaction{
			ID:                  debitID,
			AccountID:           sender.ID,
			Direction:           Debit,
			Amount:              req.Amount,
			CounterpartyName:    req.BeneficiaryName,
			CounterpartyBank:    s.bank,
			CounterpartyAccount: dest.AccountNumber,
			Status:              StatusSuccess,
			ReferenceCode:       DebitReference(code),
			IdempotencyKey:      req.IdempotencyKey,
			CreatedAt:           now,
		}); err != nil {
			return fmt.Errorf("failed to append debit: %w", err)
		}

		if err := tx.SetBalance(ctx, dest.ID, dest.Balance+req.Amount); err != nil {
			return fmt.Errorf("failed to credit destination: %w", err)
		}
		if err := tx.Append(ctx, &Transaction{
			ID:                  creditID,
			AccountID:           dest.ID,
			Direction:           Credit,
			Amount:              req.Amount,
			CounterpartyName:    sender.HolderName,
			CounterpartyBank:    s.bank,
			CounterpartyAccount: sender.AccountNumber,
			Status:              StatusSuccess,
			ReferenceCode:       CreditReference(code),
			CreatedAt:           now,
		}); err != nil {
			return fmt.Errorf("failed to append credit: %w", err)
		}

		res.Status = StatusSuccess
		res.TransactionID = debitID
		res.ReferenceCode = code
		res.NewBalance = newSenderBalance
		return nil
	})

	return res, err
}

func classifyLookup(err error) error {
	if errors.Is(err, ErrNoAccount) {
		return apperr.Wrap(err, apperr.KindNotFound, ReasonNoAccount, "You don't have an active account.")
	}
	return err
}

func (s *Service) failure(ctx context.Context, req TransferRequest, res Result, err error) Result {
	res.Status = StatusFailed
	res.TransactionID = ""
	res.ReferenceCode = ""
	res.Replayed = false

	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		res.Reason = ae.Code
		res.Message = ae.Message
		res.Err = ae
	case errors.Is(err, ErrConflict):
		res.Reason = ReasonConflict
		res.Message = "The transfer could not be completed right now. Please try again."
		res.Err = apperr.Wrap(err, apperr.KindConflict, ReasonConflict, res.Message)
	default:
		s.logger.ErrorContext(ctx, "transfer failed",
			"user_id", req.UserID,
			"amount_kobo", req.Amount,
			"account_number", req.AccountNumber,
			"error", err,
		)
		res.Reason = ReasonInternal
		res.Message = "Something went wrong and the transfer was not completed."
		res.Err = apperr.Wrap(err, apperr.KindInternal, ReasonInternal, res.Message)
	}
	return res
}

func (s *Service) recordFrequency(ctx context.Context, req TransferRequest) {
	if s.freq == nil {
		return
	}
	if err := s.freq.RecordTransfer(ctx, req.UserID, req.AccountNumber); err != nil {
		s.logger.WarnContext(ctx, "failed to record beneficiary frequency",
			"user_id", req.UserID, "account_number", req.AccountNumber, "error", err)
	}
}

func (s *Service) retryDelay(attempt int) time.Duration {
	base := time.Duration(attempt+1) * s.backoff
	if s.backoff <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int64N(int64(s.backoff)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Precheck reports, without taking locks or writing, whether req would fail
// for a reason known before the face check: validation, an unsupported bank,
// no sender account, the sender's own account, insufficient funds or an
// unknown destination. It returns nil when the transfer may be staged; the
// balance can still change before Transfer runs.
func (s *Service) Precheck(ctx context.Context, req TransferRequest) error {
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	if err := s.validate.Struct(req); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, ReasonValidation, validationMessage(err))
	}
	if !s.IsInternalBank(req.BankName) {
		return apperr.New(apperr.KindUnsupported, ReasonUnsupportedBank,
			fmt.Sprintf("Only %s Bank transfers are supported.", s.bank))
	}

	sender, err := s.store.AccountByUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return classifyLookup(err)
		}
		return fmt.Errorf("failed to read sender account: %w", err)
	}
	if sender.AccountNumber == req.AccountNumber {
		return apperr.New(apperr.KindValidation, ReasonSameAccount, "You cannot send money to your own account.")
	}
	if sender.Balance < req.Amount {
		return apperr.New(apperr.KindInsufficientFunds, ReasonInsufficientFunds,
			fmt.Sprintf("Insufficient funds. Your balance is %s.", money.Format(sender.Balance)))
	}

	if _, err := s.store.AccountByNumber(ctx, req.AccountNumber); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return apperr.Wrap(err, apperr.KindNotFound, ReasonAccountNotFound,
				fmt.Sprintf("No %s account with number %s.", s.bank, req.AccountNumber))
		}
		return fmt.Errorf("failed to read destination account: %w", err)
	}
	return nil
}

// Balance returns the user's active account.
func (s *Service) Balance(ctx context.Context, userID string) (*Account, error) {
	acc, err := s.store.AccountByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return nil, classifyLookup(err)
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return acc, nil
}

// History returns the newest journal rows of the user's account.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	acc, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.Transactions(ctx, acc.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid transfer request"
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", e.Field(), e.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s digits", e.Field(), e.Param())
	case "numeric":
		return fmt.Sprintf("%s must contain only digits", e.Field())
	default:
		return fmt.Sprintf("%s is invalid", e.Field())
	}
}
