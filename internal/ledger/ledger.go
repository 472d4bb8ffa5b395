package ledger

import (
	"errors"
	"time"
)

// Direction is the side of a journal row relative to its account.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Status of a journal row or transfer outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonValidation        = "VALIDATION_ERROR"
	ReasonNoAccount         = "NO_ACCOUNT"
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonAccountNotFound   = "ACCOUNT_NOT_FOUND"
	ReasonUnsupportedBank   = "UNSUPPORTED_BANK"
	ReasonSameAccount       = "SAME_ACCOUNT"
	ReasonConflict          = "CONFLICT"
	ReasonInternal          = "INTERNAL"
)

var (
	// ErrConflict reports contention on an account that the store could not
	// serialize. The whole unit is safe to retry.
	ErrConflict = errors.New("ledger: concurrent update conflict")
	// ErrNoAccount reports that a user does not have exactly one active account.
	ErrNoAccount = errors.New("ledger: no active account for user")
	// ErrAccountNotFound reports that an account number does not resolve to an active account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrDuplicateAccount reports that an account number is already taken.
	ErrDuplicateAccount = errors.New("ledger: account number already exists")
)

// Account is a single-currency (kobo) ledger account.
type Account struct {
	ID            string    `json:"account_id"`
	UserID        string    `json:"user_id"`
	HolderName    string    `json:"holder_name"`
	AccountNumber string    `json:"account_number"`
	Balance       int64     `json:"balance_kobo"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transaction is one append-only journal row.
type Transaction struct {
	ID                  string    `json:"transaction_id"`
	AccountID           string    `json:"account_id"`
	Direction           Direction `json:"direction"`
	Amount              int64     `json:"amount_kobo"`
	CounterpartyName    string    `json:"counterparty_name"`
	CounterpartyBank    string    `json:"counterparty_bank"`
	CounterpartyAccount string    `json:"counterparty_account"`
	Status              Status    `json:"status"`
	ReferenceCode       string    `json:"reference_code"`
	IdempotencyKey      string    `json:"idempotency_key,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// TransferRequest moves Amount kobo from the user's account to AccountNumber.
type TransferRequest struct {
	UserID          string `json:"user_id" validate:"required"`
	Amount          int64  `json:"amount" validate:"gt=0"`
	BeneficiaryName string `json:"beneficiary_name" validate:"required,max=255"`
	BankName        string `json:"bank_name" validate:"required,max=100"`
	AccountNumber   string `json:"account_number" validate:"required,len=10,numeric"`
	IdempotencyKey  string `json:"idempotency_key,omitempty" validate:"omitempty,max=64"`
}

// Result is the outcome of a transfer. A failed Result never leaves a
// partial state change behind.
type Result struct {
	Status        Status `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	ReferenceCode string `json:"reference_code,omitempty"`
	Amount        int64  `json:"amount_kobo"`
	// NewBalance is the sender's balance after the operation; on failure it
	// is the unchanged balance when it is known.
	NewBalance int64  `json:"new_balance_kobo"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	// Replayed is set when the idempotency key matched an earlier transfer.
	Replayed bool  `json:"replayed,omitempty"`
	Err      error `json:"-"`
}

// OK reports whether the transfer succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }
