package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Each account has its own lock, so
// transfers touching different accounts run in parallel. Writes made inside a
// unit are buffered and applied together on commit.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byNumber map[string]string
	journal  []Transaction
	idemKeys map[string]int

	locks    *accountLocks
	lockWait time.Duration
}

// NewMemoryStore creates an empty store. lockWait bounds how long a unit
// waits for an account lock before reporting ErrConflict.
func NewMemoryStore(lockWait time.Duration) *MemoryStore {
	if lockWait <= 0 {
		lockWait = 500 * time.Millisecond
	}
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byNumber: make(map[string]string),
		idemKeys: make(map[string]int),
		locks:    newAccountLocks(),
		lockWait: lockWait,
	}
}

// CreateAccount adds an account. ID and CreatedAt are filled when empty.
func (m *MemoryStore) CreateAccount(ctx context.Context, acc Account) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byNumber[acc.AccountNumber]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, acc.AccountNumber)
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	stored := acc
	m.accounts[acc.ID] = &stored
	m.byNumber[acc.AccountNumber] = acc.ID
	out := stored
	return &out, nil
}

func (m *MemoryStore) AccountByUser(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, err := m.activeForUserLocked(userID)
	if err != nil {
		return nil, err
	}
	out := *acc
	return &out, nil
}

func (m *MemoryStore) AccountByNumber(ctx context.Context, accountNumber string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byNumber[accountNumber]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acc := m.accounts[id]
	if acc == nil || !acc.IsActive {
		return nil, ErrAccountNotFound
	}
	out := *acc
	return &out, nil
}

func (m *MemoryStore) activeForUserLocked(userID string) (*Account, error) {
	var found *Account
	for _, acc := range m.accounts {
		if acc.UserID != userID || !acc.IsActive {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: user %s has more than one active account", ErrNoAccount, userID)
		}
		found = acc
	}
	if found == nil {
		return nil, ErrNoAccount
	}
	return found, nil
}

func (m *MemoryStore) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	for i := len(m.journal) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.journal[i].AccountID == accountID {
			out = append(out, m.journal[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) AllAccounts(ctx context.Context) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNumber < out[j].AccountNumber })
	return out, nil
}

func (m *MemoryStore) AllTransactions(ctx context.Context) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transaction(nil), m.journal...), nil
}

// Reset removes every account and journal row.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[string]*Account)
	m.byNumber = make(map[string]string)
	m.idemKeys = make(map[string]int)
	m.journal = nil
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:    m,
		balances: make(map[string]int64),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

type memoryTx struct {
	store    *MemoryStore
	held     []string
	balances map[string]int64
	appended []Transaction
}

func (t *memoryTx) lock(ctx context.Context, accountID string) error {
	for _, id := range t.held {
		if id == accountID {
			return nil
		}
	}
	if err := t.store.locks.acquire(ctx, accountID, t.store.lockWait); err != nil {
		return err
	}
	t.held = append(t.held, accountID)
	return nil
}

func (t *memoryTx) release() {
	for _, id := range t.held {
		t.store.locks.release(id)
	}
	t.held = nil
}

func (t *memoryTx) view(acc *Account) *Account {
	out := *acc
	if b, ok := t.balances[acc.ID]; ok {
		out.Balance = b
	}
	return &out
}

func (t *memoryTx) LockAccountByUser(ctx context.Context, userID string) (*Account, error) {
	t.store.mu.RLock()
	acc, err := t.store.activeForUserLocked(userID)
	t.store.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if err := t.lock(ctx, acc.ID); err != nil {
		return nil, err
	}
	return t.reload(acc.ID)
}

func (t *memoryTx) LockAccountByNumber(ctx context.Context, accountNumber string) (*Account, error) {
	t.store.mu.RLock()
	id, ok := t.store.byNumber[accountNumber]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	if err := t.lock(ctx, id); err != nil {
		return nil, err
	}
	acc, err := t.reload(id)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// reload reads the committed row after the lock is held, so the balance seen
// is never older than the last commit.
func (t *memoryTx) reload(accountID string) (*Account, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	acc, ok := t.store.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return t.view(acc), nil
}

func (t *memoryTx) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	for i := range t.appended {
		if t.appended[i].IdempotencyKey == key {
			out := t.appended[i]
			return &out, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	idx, ok := t.store.idemKeys[key]
	if !ok {
		return nil, nil
	}
	out := t.store.journal[idx]
	return &out, nil
}

func (t *memoryTx) SetBalance(ctx context.Context, accountID string, balance int64) error {
	held := false
	for _, id := range t.held {
		if id == accountID {
			held = true
			break
		}
	}
	if !held {
		return fmt.Errorf("account %s is not locked in this unit", accountID)
	}
	if balance < 0 {
		return fmt.Errorf("balance of account %s would become negative", accountID)
	}
	t.balances[accountID] = balance
	return nil
}

func (t *memoryTx) Append(ctx context.Context, txn *Transaction) error {
	if txn.Amount <= 0 {
		return fmt.Errorf("transaction amount must be positive")
	}
	t.appended = append(t.appended, *txn)
	return nil
}

func (t *memoryTx) commit() error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, txn := range t.appended {
		if txn.IdempotencyKey == "" {
			continue
		}
		if _, dup := m.idemKeys[txn.IdempotencyKey]; dup {
			return fmt.Errorf("%w: idempotency key %s already used", ErrConflict, txn.IdempotencyKey)
		}
	}

	for id, bal := range t.balances {
		m.accounts[id].Balance = bal
	}
	for _, txn := range t.appended {
		m.journal = append(m.journal, txn)
		if txn.IdempotencyKey != "" {
			m.idemKeys[txn.IdempotencyKey] = len(m.journal) - 1
		}
	}
	return nil
}

// accountLocks is a set of per-account binary semaphores. A buffered channel
// of size one is held while the account is locked.
type accountLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newAccountLocks() *accountLocks {
	return &accountLocks{slots: make(map[string]chan struct{})}
}

func (l *accountLocks) slot(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

func (l *accountLocks) acquire(ctx context.Context, id string, wait time.Duration) error {
	ch := l.slot(id)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: timed out waiting for account %s", ErrConflict, id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *accountLocks) release(id string) {
	ch := l.slot(id)
	select {
	case <-ch:
	default:
	}
}
