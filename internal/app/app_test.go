package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tunjiax-agent/internal/auth"
	"github.com/example/tunjiax-agent/internal/config"
	"github.com/example/tunjiax-agent/internal/ledger"
)

func memoryConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.SQLitePath = ":memory:"
	cfg.AuditLogPath = filepath.Join(t.TempDir(), "audit.log")
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func build(t *testing.T, cfg *config.Config) *App {
	a, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestBuildMemorySeedsDemoUsers(t *testing.T) {
	ctx := context.Background()
	a := build(t, memoryConfig(t))

	acc, err := a.Ledger.Balance(ctx, "user-akeem")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), acc.Balance)
	assert.Equal(t, "1234567890", acc.AccountNumber)

	acc, err = a.Ledger.Balance(ctx, "user-tunde")
	require.NoError(t, err)
	assert.Equal(t, int64(30_000_000), acc.Balance)

	u, err := a.Users.UserByEmail(ctx, "AKEEM@tunjiax.com")
	require.NoError(t, err)
	assert.True(t, auth.VerifyPassword(u.PasswordHash, DefaultDemoPassword))
	assert.Equal(t, []string{auth.ScopeBanking}, u.Scopes)

	b, err := a.Directory.Lookup(ctx, "user-akeem", "tunde")
	require.NoError(t, err)
	assert.Equal(t, "0987654321", b.AccountNumber)

	require.NotNil(t, a.Issuer)
	require.NotNil(t, a.Orchestrator)
	assert.Nil(t, a.Vault, "vault stays off without a master key")
}

func TestSeedResetsState(t *testing.T) {
	ctx := context.Background()
	a := build(t, memoryConfig(t))

	res := a.Ledger.Transfer(ctx, ledger.TransferRequest{
		UserID:          "user-akeem",
		Amount:          100_000,
		BeneficiaryName: "Tunde Bakare",
		BankName:        "TunjiaX",
		AccountNumber:   "0987654321",
		IdempotencyKey:  "seed-test",
	})
	require.Equal(t, ledger.StatusSuccess, res.Status)

	require.NoError(t, a.Seed(ctx, "another-pass"))

	acc, err := a.Ledger.Balance(ctx, "user-akeem")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), acc.Balance)

	txns, err := a.Ledger.History(ctx, "user-akeem", 10)
	require.NoError(t, err)
	assert.Empty(t, txns)

	u, err := a.Users.UserByEmail(ctx, "tunde@tunjiax.com")
	require.NoError(t, err)
	assert.True(t, auth.VerifyPassword(u.PasswordHash, "another-pass"))
}

func TestBuildWithVault(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.KMSMasterKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
	a := build(t, cfg)
	require.NotNil(t, a.Vault)
}

func TestBuildRejectsBadMasterKey(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.KMSMasterKey = "not-base64!"
	_, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestFirstName(t *testing.T) {
	assert.Equal(t, "Tunde", firstName("Tunde Bakare"))
	assert.Equal(t, "Akeem", firstName("Akeem"))
}
