package ledger

import (
	"context"
	"fmt"
	"time"
)

// Validator checks ledger invariants over the whole store.
type Validator struct {
	store Store
}

// NewValidator creates a new validator instance
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	Reference      string         `json:"reference,omitempty"`
	AccountID      string         `json:"account_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// CheckNonNegative reports every account whose balance is below zero.
func (v *Validator) CheckNonNegative(ctx context.Context) ([]*ValidationResult, error) {
	accounts, err := v.store.AllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var out []*ValidationResult
	for _, acc := range accounts {
		if acc.Balance >= 0 {
			continue
		}
		out = append(out, &ValidationResult{
			IsValid:        false,
			ValidationType: "non_negative_balance",
			Message:        fmt.Sprintf("account %s has negative balance %d", acc.AccountNumber, acc.Balance),
			AccountID:      acc.ID,
			Timestamp:      time.Now(),
			Details:        map[string]any{"balance_kobo": acc.Balance},
		})
	}
	return out, nil
}

// CheckConservation verifies that every successful transfer has exactly one
// DEBIT and one CREDIT leg of equal amount under linked references.
func (v *Validator) CheckConservation(ctx context.Context) ([]*ValidationResult, error) {
	txns, err := v.store.AllTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	type legs struct {
		debits, credits []Transaction
	}
	byCode := make(map[string]*legs)
	var order []string
	for _, txn := range txns {
		if txn.Status != StatusSuccess {
			continue
		}
		code := TransferCode(txn.ReferenceCode)
		l, ok := byCode[code]
		if !ok {
			l = &legs{}
			byCode[code] = l
			order = append(order, code)
		}
		switch txn.Direction {
		case Debit:
			l.debits = append(l.debits, txn)
		case Credit:
			l.credits = append(l.credits, txn)
		}
	}

	var out []*ValidationResult
	for _, code := range order {
		l := byCode[code]
		switch {
		case len(l.debits) != 1 || len(l.credits) != 1:
			out = append(out, &ValidationResult{
				ValidationType: "double_entry",
				Message:        fmt.Sprintf("transfer %s has %d debit and %d credit legs", code, len(l.debits), len(l.credits)),
				Reference:      code,
				Timestamp:      time.Now(),
			})
		case l.debits[0].Amount != l.credits[0].Amount:
			out = append(out, &ValidationResult{
				ValidationType: "double_entry",
				Message:        fmt.Sprintf("transfer %s legs differ: debit %d, credit %d", code, l.debits[0].Amount, l.credits[0].Amount),
				Reference:      code,
				Timestamp:      time.Now(),
				Details: map[string]any{
					"debit_kobo":  l.debits[0].Amount,
					"credit_kobo": l.credits[0].Amount,
				},
			})
		}
	}
	return out, nil
}

// ComprehensiveValidation runs every check and returns all violations.
func (v *Validator) ComprehensiveValidation(ctx context.Context) ([]*ValidationResult, error) {
	neg, err := v.CheckNonNegative(ctx)
	if err != nil {
		return nil, err
	}
	cons, err := v.CheckConservation(ctx)
	if err != nil {
		return nil, err
	}
	return append(neg, cons...), nil
}
