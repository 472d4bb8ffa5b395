package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the subset of *pgxpool.Pool used by PostgresStore.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps accounts and the journal in PostgreSQL. Every unit runs
// SERIALIZABLE and locks the rows it mutates with SELECT ... FOR UPDATE.
type PostgresStore struct {
	Pool         Pool
	QueryTimeout time.Duration
}

// NewPostgresStore creates a store on top of a pgx pool.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, QueryTimeout: 5 * time.Second}
}

const accountColumns = `account_id, user_id, holder_name, account_number, balance_kobo, is_active, created_at`

const transactionColumns = `transaction_id, account_id, direction, amount_kobo, counterparty_name,
	counterparty_bank, counterparty_account, status, reference_code, COALESCE(idempotency_key, ''), created_at`

func (ps *PostgresStore) timeout() time.Duration {
	if ps.QueryTimeout <= 0 {
		return 5 * time.Second
	}
	return ps.QueryTimeout
}

func (ps *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, ps.timeout())
	defer cancel()

	tx, err := ps.Pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, &pgTx{tx: tx}); err != nil {
		return asConflict(err)
	}
	if err := tx.Commit(queryCtx); err != nil {
		return asConflict(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// asConflict tags serialization failures, deadlocks and idempotency-key races
// with ErrConflict so the caller retries the whole unit.
func asConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23505":
			if pgErr.ConstraintName == "transactions_idempotency_key_key" {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
		}
	}
	return err
}

func (ps *PostgresStore) CreateAccount(ctx context.Context, acc Account) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, ps.timeout())
	defer cancel()

	row := ps.Pool.QueryRow(queryCtx, `
		INSERT INTO accounts (user_id, holder_name, account_number, balance_kobo, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+accountColumns,
		acc.UserID, acc.HolderName, acc.AccountNumber, acc.Balance, acc.IsActive)
	out, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, acc.AccountNumber)
		}
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	return out, nil
}

func (ps *PostgresStore) AccountByUser(ctx context.Context, userID string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, ps.timeout())
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND is_active
		LIMIT 2
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return singleAccount(rows, userID)
}

func (ps *PostgresStore) AccountByNumber(ctx context.Context, accountNumber string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, ps.timeout())
	defer cancel()

	row := ps.Pool.QueryRow(queryCtx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_number = $1 AND is_active
	`, accountNumber)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return acc, nil
}

func (ps *PostgresStore) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, ps.timeout())
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, transaction_id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (ps *PostgresStore) AllAccounts(ctx context.Context) ([]Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) AllTransactions(ctx context.Context) ([]Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `SELECT `+transactionColumns+` FROM transactions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collectTransactions(rows)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccountByUser(ctx context.Context, userID string) (*Account, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND is_active
		LIMIT 2
		FOR UPDATE
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock sender account: %w", err)
	}
	return singleAccount(rows, userID)
}

func (t *pgTx) LockAccountByNumber(ctx context.Context, accountNumber string) (*Account, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_number = $1 AND is_active
		FOR UPDATE
	`, accountNumber)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock destination account: %w", err)
	}
	return acc, nil
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE idempotency_key = $1
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency key: %w", err)
	}
	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, nil
	}
	return &txns[0], nil
}

func (t *pgTx) SetBalance(ctx context.Context, accountID string, balance int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance_kobo = $2 WHERE account_id = $1`, accountID, balance)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("account %s not found", accountID)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, txn *Transaction) error {
	var idem any
	if txn.IdempotencyKey != "" {
		idem = txn.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (
			transaction_id, account_id, direction, amount_kobo, counterparty_name,
			counterparty_bank, counterparty_account, status, reference_code, idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, txn.ID, txn.AccountID, string(txn.Direction), txn.Amount, txn.CounterpartyName,
		txn.CounterpartyBank, txn.CounterpartyAccount, string(txn.Status), txn.ReferenceCode, idem, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var acc Account
	if err := row.Scan(
		&acc.ID,
		&acc.UserID,
		&acc.HolderName,
		&acc.AccountNumber,
		&acc.Balance,
		&acc.IsActive,
		&acc.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &acc, nil
}

func singleAccount(rows pgx.Rows, userID string) (*Account, error) {
	defer rows.Close()

	var found []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		found = append(found, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, ErrNoAccount
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: user %s has more than one active account", ErrNoAccount, userID)
	}
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			txn       Transaction
			direction string
			status    string
		)
		if err := rows.Scan(
			&txn.ID,
			&txn.AccountID,
			&direction,
			&txn.Amount,
			&txn.CounterpartyName,
			&txn.CounterpartyBank,
			&txn.CounterpartyAccount,
			&status,
			&txn.ReferenceCode,
			&txn.IdempotencyKey,
			&txn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.Direction = Direction(direction)
		txn.Status = Status(status)
		out = append(out, txn)
	}
	return out, rows.Err()
}
