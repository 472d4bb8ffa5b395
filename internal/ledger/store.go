package ledger

import "context"

// Store persists accounts and the journal.
type Store interface {
	// RunInTx executes fn as one atomic unit. Any error returned by fn, or by
	// the commit, discards every write made through tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	AccountByUser(ctx context.Context, userID string) (*Account, error)
	// AccountByNumber returns the active account with the number, or
	// ErrAccountNotFound. It takes no lock.
	AccountByNumber(ctx context.Context, accountNumber string) (*Account, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	AllAccounts(ctx context.Context) ([]Account, error)
	AllTransactions(ctx context.Context) ([]Transaction, error)
}

// Tx is the view of the store inside an atomic unit. Lock* methods serialize
// concurrent units touching the same account until the unit ends.
type Tx interface {
	LockAccountByUser(ctx context.Context, userID string) (*Account, error)
	LockAccountByNumber(ctx context.Context, accountNumber string) (*Account, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	SetBalance(ctx context.Context, accountID string, balance int64) error
	Append(ctx context.Context, txn *Transaction) error
}

// Provisioner creates accounts. Used by seeding and tests; transfers never
// create accounts.
type Provisioner interface {
	CreateAccount(ctx context.Context, acc Account) (*Account, error)
}
