package beneficiary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the beneficiaries table for PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS beneficiaries (
    beneficiary_id  BIGSERIAL PRIMARY KEY,
    user_id         TEXT NOT NULL,
    alias_name      TEXT NOT NULL,
    account_name    TEXT NOT NULL,
    account_number  CHAR(10) NOT NULL,
    bank_name       TEXT NOT NULL,
    frequency_count BIGINT NOT NULL DEFAULT 1 CHECK (frequency_count >= 0),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_beneficiaries_user_alias ON beneficiaries(user_id, lower(alias_name));
CREATE INDEX IF NOT EXISTS idx_beneficiaries_user_account ON beneficiaries(user_id, account_number);
`

// Querier is the subset of *pgxpool.Pool used by PostgresStore.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps beneficiaries in PostgreSQL.
type PostgresStore struct {
	Pool Querier
}

func NewPostgresStore(pool Querier) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

const pgColumns = `beneficiary_id, user_id, alias_name, account_name, account_number, bank_name, frequency_count, created_at`

func (ps *PostgresStore) Insert(ctx context.Context, nb NewBeneficiary) (*Beneficiary, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := ps.Pool.QueryRow(queryCtx, `
		INSERT INTO beneficiaries (user_id, alias_name, account_name, account_number, bank_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+pgColumns,
		nb.UserID, nb.Alias, nb.AccountName, nb.AccountNumber, nb.BankName)

	var b Beneficiary
	if err := row.Scan(&b.ID, &b.UserID, &b.Alias, &b.AccountName, &b.AccountNumber,
		&b.BankName, &b.FrequencyCount, &b.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, nb.Alias)
		}
		return nil, fmt.Errorf("failed to insert beneficiary: %w", err)
	}
	return &b, nil
}

func (ps *PostgresStore) Search(ctx context.Context, userID, fragment string) ([]Beneficiary, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+pgColumns+`
		FROM beneficiaries
		WHERE user_id = $1 AND strpos(lower(alias_name), $2) > 0
		ORDER BY frequency_count DESC, lower(alias_name) ASC
	`, userID, fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to query beneficiaries: %w", err)
	}
	return collectBeneficiaries(rows)
}

func (ps *PostgresStore) IncrementFrequency(ctx context.Context, userID, accountNumber string) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := ps.Pool.Exec(queryCtx, `
		UPDATE beneficiaries SET frequency_count = frequency_count + 1
		WHERE user_id = $1 AND account_number = $2
	`, userID, accountNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to increment frequency: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (ps *PostgresStore) List(ctx context.Context, userID string) ([]Beneficiary, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+pgColumns+`
		FROM beneficiaries
		WHERE user_id = $1
		ORDER BY frequency_count DESC, lower(alias_name) ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query beneficiaries: %w", err)
	}
	return collectBeneficiaries(rows)
}

func collectBeneficiaries(rows pgx.Rows) ([]Beneficiary, error) {
	defer rows.Close()

	var out []Beneficiary
	for rows.Next() {
		var b Beneficiary
		if err := rows.Scan(&b.ID, &b.UserID, &b.Alias, &b.AccountName, &b.AccountNumber,
			&b.BankName, &b.FrequencyCount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan beneficiary: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
