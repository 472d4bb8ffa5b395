package beneficiary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteSchema creates the beneficiaries table for SQLStore. Alias uniqueness
// is enforced per user on the lowercased alias.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS beneficiaries (
	beneficiary_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id         TEXT NOT NULL,
	alias_name      TEXT NOT NULL,
	account_name    TEXT NOT NULL,
	account_number  TEXT NOT NULL,
	bank_name       TEXT NOT NULL,
	frequency_count INTEGER NOT NULL DEFAULT 1 CHECK (frequency_count >= 0),
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_beneficiaries_user_alias ON beneficiaries(user_id, lower(alias_name));
CREATE INDEX IF NOT EXISTS idx_beneficiaries_user_account ON beneficiaries(user_id, account_number);
`

// SQLStore keeps beneficiaries in a database/sql database using SQLite
// placeholder syntax.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db. Call Migrate before first use on a fresh database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies SQLiteSchema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("failed to migrate beneficiaries: %w", err)
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, nb NewBeneficiary) (*Beneficiary, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO beneficiaries (user_id, alias_name, account_name, account_number, bank_name, frequency_count, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, nb.UserID, nb.Alias, nb.AccountName, nb.AccountNumber, nb.BankName, now)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, nb.Alias)
		}
		return nil, fmt.Errorf("database insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read beneficiary id: %w", err)
	}
	return &Beneficiary{
		ID:             id,
		UserID:         nb.UserID,
		Alias:          nb.Alias,
		AccountName:    nb.AccountName,
		AccountNumber:  nb.AccountNumber,
		BankName:       nb.BankName,
		FrequencyCount: 1,
		CreatedAt:      now,
	}, nil
}

func (s *SQLStore) Search(ctx context.Context, userID, fragment string) ([]Beneficiary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT beneficiary_id, user_id, alias_name, account_name, account_number, bank_name, frequency_count, created_at
		FROM beneficiaries
		WHERE user_id = ? AND instr(lower(alias_name), ?) > 0
		ORDER BY frequency_count DESC, lower(alias_name) ASC
	`, userID, fragment)
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return scanRows(rows)
}

func (s *SQLStore) IncrementFrequency(ctx context.Context, userID, accountNumber string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE beneficiaries SET frequency_count = frequency_count + 1
		WHERE user_id = ? AND account_number = ?
	`, userID, accountNumber)
	if err != nil {
		return 0, fmt.Errorf("database update failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) List(ctx context.Context, userID string) ([]Beneficiary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT beneficiary_id, user_id, alias_name, account_name, account_number, bank_name, frequency_count, created_at
		FROM beneficiaries
		WHERE user_id = ?
		ORDER BY frequency_count DESC, lower(alias_name) ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Beneficiary, error) {
	defer rows.Close()

	var out []Beneficiary
	for rows.Next() {
		var b Beneficiary
		if err := rows.Scan(&b.ID, &b.UserID, &b.Alias, &b.AccountName, &b.AccountNumber,
			&b.BankName, &b.FrequencyCount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
