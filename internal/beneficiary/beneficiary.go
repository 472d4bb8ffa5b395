// Package beneficiary keeps each user's saved transfer recipients and ranks
// them by how often they are paid.
package beneficiary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/tunjiax-agent/internal/apperr"
)

var (
	// ErrNotFound reports that no saved beneficiary matches.
	ErrNotFound = errors.New("beneficiary: not found")
	// ErrDuplicate reports that the user already has a beneficiary with this alias.
	ErrDuplicate = errors.New("beneficiary: alias already exists")
)

// Beneficiary is a saved recipient owned by one user.
type Beneficiary struct {
	ID             int64     `json:"beneficiary_id"`
	UserID         string    `json:"user_id"`
	Alias          string    `json:"alias"`
	AccountName    string    `json:"account_name"`
	AccountNumber  string    `json:"account_number"`
	BankName       string    `json:"bank_name"`
	FrequencyCount int64     `json:"frequency_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewBeneficiary is the input to Add.
type NewBeneficiary struct {
	UserID        string `json:"user_id" validate:"required"`
	Alias         string `json:"alias" validate:"required,max=100"`
	AccountName   string `json:"account_name" validate:"required,max=255"`
	AccountNumber string `json:"account_number" validate:"required,len=10,numeric"`
	BankName      string `json:"bank_name" validate:"required,max=100"`
}

// Store persists beneficiaries. Search returns candidates whose alias
// contains fragment (already lowercased), ordered by frequency descending and
// then alias ascending.
type Store interface {
	Insert(ctx context.Context, b NewBeneficiary) (*Beneficiary, error)
	Search(ctx context.Context, userID, fragment string) ([]Beneficiary, error)
	IncrementFrequency(ctx context.Context, userID, accountNumber string) (int64, error)
	List(ctx context.Context, userID string) ([]Beneficiary, error)
}

// Directory is the beneficiary service used by tools and the HTTP API.
type Directory struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewDirectory creates a directory backed by store.
func NewDirectory(store Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Directory{store: store, validate: v, logger: logger}
}

// Lookup returns the best saved match for name. Matching is a case-insensitive
// substring test on the alias; ties go to the most used beneficiary.
func (d *Directory) Lookup(ctx context.Context, userID, name string) (*Beneficiary, error) {
	fragment := strings.ToLower(strings.TrimSpace(name))
	if fragment == "" {
		return nil, apperr.New(apperr.KindValidation, "VALIDATION_ERROR", "name is required")
	}

	candidates, err := d.store.Search(ctx, userID, fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to search beneficiaries: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	best := candidates[0]
	return &best, nil
}

// Add saves a new beneficiary with a frequency of one.
func (d *Directory) Add(ctx context.Context, nb NewBeneficiary) (*Beneficiary, error) {
	nb.Alias = strings.TrimSpace(nb.Alias)
	nb.AccountName = strings.TrimSpace(nb.AccountName)
	nb.AccountNumber = strings.TrimSpace(nb.AccountNumber)
	nb.BankName = strings.TrimSpace(nb.BankName)

	if err := d.validate.Struct(nb); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "VALIDATION_ERROR", formatFieldError(err))
	}

	b, err := d.store.Insert(ctx, nb)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to add beneficiary: %w", err)
	}
	d.logger.InfoContext(ctx, "beneficiary added", "user_id", nb.UserID, "alias", nb.Alias)
	return b, nil
}

// RecordTransfer bumps the frequency of every saved beneficiary of userID
// pointing at accountNumber. Zero matches is not an error.
func (d *Directory) RecordTransfer(ctx context.Context, userID, accountNumber string) error {
	n, err := d.store.IncrementFrequency(ctx, userID, accountNumber)
	if err != nil {
		return fmt.Errorf("failed to record transfer frequency: %w", err)
	}
	d.logger.DebugContext(ctx, "beneficiary frequency recorded", "user_id", userID, "rows", n)
	return nil
}

// List returns the user's beneficiaries, most used first.
func (d *Directory) List(ctx context.Context, userID string) ([]Beneficiary, error) {
	out, err := d.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list beneficiaries: %w", err)
	}
	return out, nil
}

func formatFieldError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid beneficiary"
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "len":
		return fmt.Sprintf("%s must be exactly %s digits", e.Field(), e.Param())
	case "numeric":
		return fmt.Sprintf("%s must contain only digits", e.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", e.Field(), e.Param())
	default:
		return fmt.Sprintf("%s is invalid", e.Field())
	}
}
