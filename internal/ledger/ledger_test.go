package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tunjiax-agent/internal/apperr"
)

type freqSpy struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *freqSpy) RecordTransfer(ctx context.Context, userID, accountNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+":"+accountNumber)
	return f.err
}

// failingStore wraps a store and fails the CREDIT append inside a unit.
type failingStore struct {
	*MemoryStore
}

func (f *failingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return f.MemoryStore.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &failingTx{Tx: tx})
	})
}

type failingTx struct {
	Tx
}

func (f *failingTx) Append(ctx context.Context, txn *Transaction) error {
	if txn.Direction == Credit {
		return errors.New("disk full")
	}
	return f.Tx.Append(ctx, txn)
}

// conflictStore reports ErrConflict for the first n units.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	remaining int
	attempts  int
}

func (c *conflictStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	c.mu.Lock()
	c.attempts++
	fail := c.remaining > 0
	if fail {
		c.remaining--
	}
	c.mu.Unlock()
	if fail {
		return ErrConflict
	}
	return c.MemoryStore.RunInTx(ctx, fn)
}

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(200 * time.Millisecond)
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, Account{ID: "acc-a", UserID: "1", HolderName: "Akeem Oluwaseun", AccountNumber: "1234567890", Balance: 500000, IsActive: true})
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, Account{ID: "acc-b", UserID: "2", HolderName: "Tunde Bakare", AccountNumber: "0987654321", Balance: 300000, IsActive: true})
	require.NoError(t, err)
	return store
}

func transferTo(amount int64, accountNumber string) TransferRequest {
	return TransferRequest{
		UserID:          "1",
		Amount:          amount,
		BeneficiaryName: "Tunde Bakare",
		BankName:        "TunjiaX",
		AccountNumber:   accountNumber,
	}
}

func balanceOf(t *testing.T, store Store, userID string) int64 {
	t.Helper()
	acc, err := store.AccountByUser(context.Background(), userID)
	require.NoError(t, err)
	return acc.Balance
}

func TestTransfer_FullBalanceScenario(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	freq := &freqSpy{}
	svc := NewService(store, WithFrequencyRecorder(freq))

	res := svc.Transfer(ctx, transferTo(500000, "0987654321"))
	require.True(t, res.OK(), "transfer failed: %s %s", res.Reason, res.Message)
	assert.Equal(t, int64(0), res.NewBalance)
	assert.NotEmpty(t, res.TransactionID)
	assert.NotEmpty(t, res.ReferenceCode)

	assert.Equal(t, int64(0), balanceOf(t, store, "1"))
	assert.Equal(t, int64(800000), balanceOf(t, store, "2"))

	txns, err := store.AllTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txns, 2)

	var debit, credit Transaction
	for _, txn := range txns {
		switch txn.Direction {
		case Debit:
			debit = txn
		case Credit:
			credit = txn
		}
	}
	assert.Equal(t, "acc-a", debit.AccountID)
	assert.Equal(t, "acc-b", credit.AccountID)
	assert.Equal(t, int64(500000), debit.Amount)
	assert.Equal(t, debit.Amount, credit.Amount)
	assert.True(t, Linked(debit.ReferenceCode, credit.ReferenceCode))
	assert.Equal(t, res.TransactionID, debit.ID)
	assert.NotEqual(t, debit.ID, credit.ID)
	assert.Equal(t, StatusSuccess, debit.Status)
	assert.Equal(t, "Akeem Oluwaseun", credit.CounterpartyName)

	assert.Equal(t, []string{"1:0987654321"}, freq.calls)
}

func TestTransfer_Conservation(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	svc := NewService(store)

	before := balanceOf(t, store, "1") + balanceOf(t, store, "2")
	for _, amount := range []int64{100, 2500, 99999} {
		res := svc.Transfer(ctx, transferTo(amount, "0987654321"))
		require.True(t, res.OK())
	}
	after := balanceOf(t, store, "1") + balanceOf(t, store, "2")
	assert.Equal(t, before, after)

	violations, err := NewValidator(store).ComprehensiveValidation(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestTransfer_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	freq := &freqSpy{}
	svc := NewService(store, WithFrequencyRecorder(freq))

	res := svc.Transfer(ctx, transferTo(500001, "0987654321"))
	assert.False(t, res.OK())
	assert.Equal(t, ReasonInsufficientFunds, res.Reason)
	assert.Equal(t, int64(500000), res.NewBalance)
	assert.Contains(t, res.Message, "₦5,000.00")
	assert.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(res.Err))

	assert.Equal(t, int64(500000), balanceOf(t, store, "1"))
	assert.Equal(t, int64(300000), balanceOf(t, store, "2"))
	txns, err := store.AllTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Empty(t, freq.calls)
}

func TestTransfer_ConcurrentOverdraw(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	svc := NewService(store)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = svc.Transfer(ctx, transferTo(300000, "0987654321"))
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, r := range results {
		switch {
		case r.OK():
			ok++
		case r.Reason == ReasonInsufficientFunds:
			insufficient++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(200000), balanceOf(t, store, "1"))
	assert.Equal(t, int64(600000), balanceOf(t, store, "2"))
}

func TestTransfer_ParallelDifferentAccounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Second)
	for i, n := range []string{"1111111111", "2222222222", "3333333333", "4444444444"} {
		_, err := store.CreateAccount(ctx, Account{UserID: string(rune('a' + i)), HolderName: n, AccountNumber: n, Balance: 10000, IsActive: true})
		require.NoError(t, err)
	}
	svc := NewService(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r := svc.Transfer(ctx, TransferRequest{UserID: "a", Amount: 10, BeneficiaryName: "b", BankName: "TunjiaX", AccountNumber: "2222222222"})
			assert.True(t, r.OK(), r.Message)
		}()
		go func() {
			defer wg.Done()
			r := svc.Transfer(ctx, TransferRequest{UserID: "c", Amount: 10, BeneficiaryName: "d", BankName: "TunjiaX", AccountNumber: "4444444444"})
			assert.True(t, r.OK(), r.Message)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(9800), balanceOf(t, store, "a"))
	assert.Equal(t, int64(10200), balanceOf(t, store, "b"))
	assert.Equal(t, int64(9800), balanceOf(t, store, "c"))
	assert.Equal(t, int64(10200), balanceOf(t, store, "d"))
}

func TestTransfer_PartialFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	mem := seedStore(t)
	svc := NewService(&failingStore{MemoryStore: mem})

	res := svc.Transfer(ctx, transferTo(1000, "0987654321"))
	assert.False(t, res.OK())
	assert.Equal(t, ReasonInternal, res.Reason)
	assert.NotContains(t, res.Message, "disk full")

	assert.Equal(t, int64(500000), balanceOf(t, mem, "1"))
	assert.Equal(t, int64(300000), balanceOf(t, mem, "2"))
	txns, err := mem.AllTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestTransfer_Failures(t *testing.T) {
	ctx := context.Background()
	svc := NewService(seedStore(t))

	cases := []struct {
		name   string
		req    TransferRequest
		reason string
	}{
		{"zero amount", transferTo(0, "0987654321"), ReasonValidation},
		{"short account number", transferTo(100, "12345"), ReasonValidation},
		{"other bank", TransferRequest{UserID: "1", Amount: 100, BeneficiaryName: "Bisola", BankName: "GTBank", AccountNumber: "0123456789"}, ReasonUnsupportedBank},
		{"unknown account", transferTo(100, "5555555555"), ReasonAccountNotFound},
		{"own account", transferTo(100, "1234567890"), ReasonSameAccount},
		{"no sender account", TransferRequest{UserID: "99", Amount: 100, BeneficiaryName: "x", BankName: "TunjiaX", AccountNumber: "0987654321"}, ReasonNoAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := svc.Transfer(ctx, tc.req)
			assert.False(t, res.OK())
			assert.Equal(t, tc.reason, res.Reason)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestPrecheck(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	svc := NewService(store)

	require.NoError(t, svc.Precheck(ctx, transferTo(500000, "0987654321")))

	cases := []struct {
		name   string
		req    TransferRequest
		reason string
	}{
		{"insufficient funds", transferTo(500001, "0987654321"), ReasonInsufficientFunds},
		{"unknown account", transferTo(100, "5555555555"), ReasonAccountNotFound},
		{"own account", transferTo(100, "1234567890"), ReasonSameAccount},
		{"other bank", TransferRequest{UserID: "1", Amount: 100, BeneficiaryName: "Bisola", BankName: "GTBank", AccountNumber: "0123456789"}, ReasonUnsupportedBank},
		{"no sender account", TransferRequest{UserID: "99", Amount: 100, BeneficiaryName: "x", BankName: "TunjiaX", AccountNumber: "0987654321"}, ReasonNoAccount},
		{"zero amount", transferTo(0, "0987654321"), ReasonValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Precheck(ctx, tc.req)
			var ae *apperr.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tc.reason, ae.Code)
			assert.NotEmpty(t, ae.Message)
		})
	}

	// nothing was written or locked
	assert.Equal(t, int64(500000), balanceOf(t, store, "1"))
	assert.Equal(t, int64(300000), balanceOf(t, store, "2"))
	txns, err := store.AllTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txns)
	res := svc.Transfer(ctx, transferTo(100, "0987654321"))
	assert.True(t, res.OK())
}

func TestMemoryStoreAccountByNumber(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	_, err := store.CreateAccount(ctx, Account{ID: "acc-c", UserID: "3", HolderName: "Closed", AccountNumber: "1111111111", IsActive: false})
	require.NoError(t, err)

	acc, err := store.AccountByNumber(ctx, "0987654321")
	require.NoError(t, err)
	assert.Equal(t, "acc-b", acc.ID)

	_, err = store.AccountByNumber(ctx, "1111111111")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = store.AccountByNumber(ctx, "5555555555")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTransfer_BankNameVariants(t *testing.T) {
	svc := NewService(NewMemoryStore(0))
	assert.True(t, svc.IsInternalBank("TunjiaX"))
	assert.True(t, svc.IsInternalBank("tunjiax bank"))
	assert.True(t, svc.IsInternalBank(" TUNJIAX BANK PLC "))
	assert.False(t, svc.IsInternalBank("Opay"))
}

func TestTransfer_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	freq := &freqSpy{}
	svc := NewService(store, WithFrequencyRecorder(freq))

	req := transferTo(1000, "0987654321")
	req.IdempotencyKey = "pending-123"

	first := svc.Transfer(ctx, req)
	require.True(t, first.OK())
	second := svc.Transfer(ctx, req)
	require.True(t, second.OK())

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.ReferenceCode, second.ReferenceCode)
	assert.Equal(t, int64(499000), balanceOf(t, store, "1"))
	assert.Len(t, freq.calls, 1)

	txns, err := store.AllTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestTransfer_ConflictRetriedOnce(t *testing.T) {
	ctx := context.Background()

	cs := &conflictStore{MemoryStore: seedStore(t), remaining: 1}
	res := NewService(cs).Transfer(ctx, transferTo(1000, "0987654321"))
	assert.True(t, res.OK())
	assert.Equal(t, 2, cs.attempts)

	cs = &conflictStore{MemoryStore: seedStore(t), remaining: 2}
	res = NewService(cs).Transfer(ctx, transferTo(1000, "0987654321"))
	assert.False(t, res.OK())
	assert.Equal(t, ReasonConflict, res.Reason)
	assert.Equal(t, 2, cs.attempts)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(res.Err))
}

func TestTransfer_FrequencyFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	svc := NewService(store, WithFrequencyRecorder(&freqSpy{err: errors.New("directory down")}))

	res := svc.Transfer(ctx, transferTo(1000, "0987654321"))
	assert.True(t, res.OK())
	assert.Equal(t, int64(301000), balanceOf(t, store, "2"))
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	svc := NewService(store)

	require.True(t, svc.Transfer(ctx, transferTo(100, "0987654321")).OK())
	require.True(t, svc.Transfer(ctx, transferTo(200, "0987654321")).OK())

	hist, err := svc.History(ctx, "1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(200), hist[0].Amount)

	recv, err := svc.History(ctx, "2", 10)
	require.NoError(t, err)
	require.Len(t, recv, 2)
	assert.Equal(t, Credit, recv[0].Direction)

	_, err = svc.History(ctx, "99", 10)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestReferenceCodes(t *testing.T) {
	now := time.Date(2026, 10, 16, 15, 4, 5, 0, time.UTC)
	code, err := NewReferenceCode(now)
	require.NoError(t, err)
	assert.Regexp(t, `^TJX20261016150405-[0-9A-F]{6}$`, code)

	dr, cr := DebitReference(code), CreditReference(code)
	assert.True(t, Linked(dr, cr))
	assert.False(t, Linked(dr, dr))
	assert.Equal(t, code, TransferCode(cr))

	other, err := NewReferenceCode(now)
	require.NoError(t, err)
	assert.False(t, Linked(DebitReference(other), cr))
}

func TestValidatorDetectsBrokenPair(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	err := store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Append(ctx, &Transaction{ID: "t1", AccountID: "acc-a", Direction: Debit, Amount: 10, Status: StatusSuccess, ReferenceCode: "TJX1-AAAAAA-DR"})
	})
	require.NoError(t, err)

	violations, err := NewValidator(store).CheckConservation(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "double_entry", violations[0].ValidationType)
}
