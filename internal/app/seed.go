package app

import (
	"context"
	"fmt"

	"github.com/example/tunjiax-agent/internal/auth"
	"github.com/example/tunjiax-agent/internal/beneficiary"
	"github.com/example/tunjiax-agent/internal/ledger"
)

// DefaultDemoPassword is the login password of seeded demo users.
const DefaultDemoPassword = "tunjiax-demo"

// DemoUser is one seeded customer with a funded account.
type DemoUser struct {
	ID            string
	Email         string
	FullName      string
	AccountNumber string
	BalanceKobo   int64
}

var DemoUsers = []DemoUser{
	{ID: "user-akeem", Email: "akeem@tunjiax.com", FullName: "Akeem Oluwaseun", AccountNumber: "1234567890", BalanceKobo: 50_000_000},
	{ID: "user-tunde", Email: "tunde@tunjiax.com", FullName: "Tunde Bakare", AccountNumber: "0987654321", BalanceKobo: 30_000_000},
}

// Seed wipes accounts, the journal, beneficiaries and users, then creates the
// demo users. Each one gets the other as a saved beneficiary under their first
// name.
func (a *App) Seed(ctx context.Context, password string) error {
	for _, reset := range a.resets {
		if err := reset(ctx); err != nil {
			return err
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	for _, u := range DemoUsers {
		err := a.Users.CreateUser(ctx, auth.User{
			ID:           u.ID,
			Email:        u.Email,
			FullName:     u.FullName,
			PasswordHash: hash,
			Scopes:       []string{auth.ScopeBanking},
		})
		if err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.Email, err)
		}
		_, err = a.accounts.CreateAccount(ctx, ledger.Account{
			UserID:        u.ID,
			HolderName:    u.FullName,
			AccountNumber: u.AccountNumber,
			Balance:       u.BalanceKobo,
			IsActive:      true,
		})
		if err != nil {
			return fmt.Errorf("failed to seed account %s: %w", u.AccountNumber, err)
		}
	}

	for i, u := range DemoUsers {
		other := DemoUsers[(i+1)%len(DemoUsers)]
		_, err := a.Directory.Add(ctx, beneficiary.NewBeneficiary{
			UserID:        u.ID,
			Alias:         firstName(other.FullName),
			AccountName:   other.FullName,
			AccountNumber: other.AccountNumber,
			BankName:      a.Ledger.BankName(),
		})
		if err != nil {
			return fmt.Errorf("failed to seed beneficiary for %s: %w", u.Email, err)
		}
	}

	a.Logger.InfoContext(ctx, "demo data seeded", "users", len(DemoUsers))
	return nil
}

func firstName(full string) string {
	for i, r := range full {
		if r == ' ' {
			return full[:i]
		}
	}
	return full
}
