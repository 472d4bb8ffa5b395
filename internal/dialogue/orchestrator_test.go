package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tunjiax-agent/internal/apperr"
	"github.com/example/tunjiax-agent/internal/beneficiary"
	"github.com/example/tunjiax-agent/internal/biometric"
	"github.com/example/tunjiax-agent/internal/ledger"
	"github.com/example/tunjiax-agent/internal/reasoning"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

// scripted answers with a fixed sequence of decisions and records what it
// was shown.
type scripted struct {
	mu        sync.Mutex
	decisions []reasoning.Decision
	errs      []error
	seen      []reasoning.Request
	block     chan struct{}
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Decide(ctx context.Context, req reasoning.Request) (reasoning.Decision, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return reasoning.Decision{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	i := len(s.seen) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return reasoning.Decision{}, s.errs[i]
	}
	if i >= len(s.decisions) {
		return reasoning.Decision{Text: "ok"}, nil
	}
	return s.decisions[i], nil
}

func toolCall(id, name, args string) session.ToolCall {
	return session.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

type memDirectory struct{}

func (memDirectory) Lookup(ctx context.Context, userID, name string) (*beneficiary.Beneficiary, error) {
	if name == "Tunde" && userID == "1" {
		return &beneficiary.Beneficiary{UserID: "1", Alias: "Tunde", AccountName: "Tunde Bakare", AccountNumber: "0987654321", BankName: "TunjiaX"}, nil
	}
	return nil, beneficiary.ErrNotFound
}

func (memDirectory) Add(ctx context.Context, nb beneficiary.NewBeneficiary) (*beneficiary.Beneficiary, error) {
	return &beneficiary.Beneficiary{UserID: nb.UserID, Alias: nb.Alias, AccountName: nb.AccountName, AccountNumber: nb.AccountNumber, BankName: nb.BankName}, nil
}

type fixture struct {
	orch     *Orchestrator
	decider  *scripted
	sessions *session.MemoryStore
	ledger   *ledger.MemoryStore
	clock    *time.Time
}

func setup(t *testing.T, decisions ...reasoning.Decision) *fixture {
	t.Helper()
	ctx := context.Background()

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	clock := &now
	sessions := session.NewMemoryStore(5*time.Minute, session.WithClock(func() time.Time { return *clock }))

	store := ledger.NewMemoryStore(200 * time.Millisecond)
	_, err := store.CreateAccount(ctx, ledger.Account{ID: "acc-a", UserID: "1", HolderName: "Akeem Oluwaseun", AccountNumber: "1234567890", Balance: 50_000_000, IsActive: true})
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, ledger.Account{ID: "acc-b", UserID: "2", HolderName: "Tunde Bakare", AccountNumber: "0987654321", Balance: 30_000_000, IsActive: true})
	require.NoError(t, err)
	svc := ledger.NewService(store)

	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	dispatcher := tools.NewDispatcher(tools.Config{
		Registry:  registry,
		Directory: memDirectory{},
		Gate:      biometric.NewGate(biometric.GateConfig{Sessions: sessions, Ledger: svc}),
		Banks:     svc,
	})

	decider := &scripted{decisions: decisions}
	orch := New(Config{
		Sessions:     sessions,
		Dispatcher:   dispatcher,
		Decider:      decider,
		SystemPrompt: reasoning.SystemPrompt("TunjiaX"),
	})
	return &fixture{orch: orch, decider: decider, sessions: sessions, ledger: store, clock: clock}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	acc, err := f.ledger.AccountByUser(context.Background(), userID)
	require.NoError(t, err)
	return acc.Balance
}

const transferArgs = `{"amount":5000,"beneficiary_name":"Tunde Bakare","bank_name":"TunjiaX","account_number":"0987654321"}`

func TestFullTransferConversation(t *testing.T) {
	ctx := context.Background()
	f := setup(t,
		reasoning.Decision{ToolCalls: []session.ToolCall{toolCall("c1", tools.LookupBeneficiary, `{"name":"Tunde"}`)}},
		reasoning.Decision{Text: "I found Tunde Bakare (TunjiaX: 0987654321). Send ₦5,000?"},
		reasoning.Decision{ToolCalls: []session.ToolCall{toolCall("c2", tools.ExecuteTransfer, transferArgs)}},
		reasoning.Decision{Text: "Done! ₦5,000 sent to Tunde Bakare."},
	)

	r, err := f.orch.HandleTurn(ctx, "s1", "1", "Send 5k to Tunde")
	require.NoError(t, err)
	assert.Equal(t, "I found Tunde Bakare (TunjiaX: 0987654321). Send ₦5,000?", r.Text)
	assert.Equal(t, session.StateAwaitingConfirmation, r.State)
	assert.Empty(t, r.Signal)

	// the tool result reached the engine, but not the user
	second := f.decider.seen[1].History
	last := second[len(second)-1]
	assert.Equal(t, session.RoleToolResult, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "FOUND: Tunde Bakare")
	assert.NotContains(t, r.Text, "FOUND")

	r, err = f.orch.HandleTurn(ctx, "s1", "1", "yes")
	require.NoError(t, err)
	assert.Equal(t, tools.SignalBiometricRequired, r.Signal)
	assert.Equal(t, session.StateAwaitingBiometric, r.State)
	assert.Equal(t, BiometricPromptText, r.Text)
	assert.Equal(t, int64(50_000_000), f.balance(t, "1"), "no money moves before verification")

	r, err = f.orch.ResolveBiometric(ctx, "s1", "1", true)
	require.NoError(t, err)
	assert.Equal(t, tools.CodeSuccess, r.Code)
	assert.Equal(t, session.StateDone, r.State)
	assert.Equal(t, "Done! ₦5,000 sent to Tunde Bakare.", r.Text)
	assert.Equal(t, int64(49_500_000), f.balance(t, "1"))
	assert.Equal(t, int64(30_500_000), f.balance(t, "2"))

	// replaying the completion does not move money again
	r, err = f.orch.ResolveBiometric(ctx, "s1", "1", true)
	require.NoError(t, err)
	assert.Equal(t, tools.CodeNoPendingTransfer, r.Code)
	assert.Equal(t, int64(49_500_000), f.balance(t, "1"))

	s, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	roles := make([]session.Role, len(s.Turns))
	for i, turn := range s.Turns {
		roles[i] = turn.Role
	}
	assert.Equal(t, []session.Role{
		session.RoleUser, session.RoleAssistant, session.RoleToolResult, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant, session.RoleToolResult,
		session.RoleToolResult, session.RoleAssistant,
		session.RoleToolResult, session.RoleAssistant,
	}, roles)
}

func TestVerificationFailedClearsPending(t *testing.T) {
	ctx := context.Background()
	f := setup(t,
		reasoning.Decision{ToolCalls: []session.ToolCall{toolCall("c1", tools.ExecuteTransfer, transferArgs)}},
	)
	f.decider.errs = []error{nil, errors.New("provider down")}

	r, err := f.orch.HandleTurn(ctx, "s1", "1", "send 5000 to 0987654321 on TunjiaX, Tunde Bakare")
	require.NoError(t, err)
	require.Equal(t, tools.SignalBiometricRequired, r.Signal)

	r, err = f.orch.ResolveBiometric(ctx, "s1", "1", false)
	require.NoError(t, err)
	assert.Equal(t, tools.CodeVerificationFailed, r.Code)
	assert.Equal(t, session.StateCollecting, r.State)
	assert.Contains(t, r.Text, "No money was moved", "canned text when the engine fails")

	r, err = f.orch.ResolveBiometric(ctx, "s1", "1", true)
	require.NoError(t, err)
	assert.Equal(t, tools.CodeNoPendingTransfer, r.Code)
	assert.Equal(t, int64(50_000_000), f.balance(t, "1"))
}

func TestIterationLimit(t *testing.T) {
	var loop []reasoning.Decision
	for i := 0; i < 10; i++ {
		loop = append(loop, reasoning.Decision{ToolCalls: []session.ToolCall{toolCall("c", tools.LookupBeneficiary, `{"name":"Nobody"}`)}})
	}
	f := setup(t, loop...)

	r, err := f.orch.HandleTurn(context.Background(), "s1", "1", "hi")
	require.NoError(t, err)
	assert.Equal(t, StillProcessingText, r.Text)
	assert.Len(t, f.decider.seen, DefaultMaxIterations)
}

func TestInvalidToolArgumentsContinueConversation(t *testing.T) {
	f := setup(t,
		reasoning.Decision{ToolCalls: []session.ToolCall{toolCall("c1", tools.ExecuteTransfer, `{"amount":5000}`)}},
		reasoning.Decision{Text: "What is the account number?"},
	)

	r, err := f.orch.HandleTurn(context.Background(), "s1", "1", "send 5000")
	require.NoError(t, err)
	assert.Equal(t, "What is the account number?", r.Text)

	h := f.decider.seen[1].History
	assert.Equal(t, "VALIDATION_ERROR: beneficiary_name", h[len(h)-1].Content)
}

func TestReasoningFailure(t *testing.T) {
	f := setup(t)
	f.decider.errs = []error{errors.New("boom")}

	r, err := f.orch.HandleTurn(context.Background(), "s1", "1", "hi")
	require.NoError(t, err)
	assert.Equal(t, UnavailableText, r.Text)

	s, err := f.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, s.Turns, 1, "the user turn is kept")
}

func TestLostPendingNotice(t *testing.T) {
	ctx := context.Background()
	f := setup(t,
		reasoning.Decision{ToolCalls: []session.ToolCall{toolCall("c1", tools.ExecuteTransfer, transferArgs)}},
		reasoning.Decision{Text: "Hello again!"},
	)

	_, err := f.orch.HandleTurn(ctx, "s1", "1", "send it")
	require.NoError(t, err)

	*f.clock = f.clock.Add(6 * time.Minute)

	r, err := f.orch.HandleTurn(ctx, "s1", "1", "hello?")
	require.NoError(t, err)
	assert.Equal(t, LostPendingNotice+" Hello again!", r.Text)
	assert.Equal(t, session.StateCollecting, r.State)

	out, err := f.orch.ResolveBiometric(ctx, "s1", "1", true)
	require.NoError(t, err)
	assert.Equal(t, tools.CodeNoPendingTransfer, out.Code)
	assert.Equal(t, int64(50_000_000), f.balance(t, "1"))
}

func TestConcurrentTurnIsBusy(t *testing.T) {
	f := setup(t)
	f.decider.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.HandleTurn(context.Background(), "s1", "1", "first")
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, err := f.sessions.Get(context.Background(), "s1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err := f.orch.HandleTurn(context.Background(), "s1", "1", "second")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	close(f.decider.block)
	require.NoError(t, <-done)
}

func TestCancelledTurnKeepsCommittedHistory(t *testing.T) {
	f := setup(t,
		reasoning.Decision{ToolCalls: []session.ToolCall{
			toolCall("c1", tools.LookupBeneficiary, `{"name":"Tunde"}`),
			toolCall("c2", tools.LookupBeneficiary, `{"name":"Bola"}`),
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	f.orch.dispatcher = &cancelAfterFirst{Dispatcher: f.orch.dispatcher, cancel: cancel}

	_, err := f.orch.HandleTurn(ctx, "s1", "1", "look them up")
	assert.ErrorIs(t, err, context.Canceled)

	s, err := f.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, s.Turns, 3)
	assert.Equal(t, "c1", s.Turns[2].ToolCallID)
	assert.Equal(t, session.StateAwaitingConfirmation, s.State)
}

type cancelAfterFirst struct {
	Dispatcher
	cancel context.CancelFunc
}

func (c *cancelAfterFirst) Dispatch(ctx context.Context, env tools.Env, call session.ToolCall) tools.Result {
	res := c.Dispatcher.Dispatch(ctx, env, call)
	c.cancel()
	return res
}

func TestSessionOwnership(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.orch.HandleTurn(ctx, "s1", "1", "hi")
	require.NoError(t, err)

	_, err = f.orch.HandleTurn(ctx, "s1", "2", "hi")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.orch.ResolveBiometric(ctx, "s1", "2", true)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	assert.Error(t, f.orch.Reset(ctx, "s1", "2"))
	require.NoError(t, f.orch.Reset(ctx, "s1", "1"))

	_, err = f.orch.ResolveBiometric(ctx, "s1", "1", true)
	assert.Equal(t, apperr.KindSessionExpired, apperr.KindOf(err))
}

func TestWindowStartsAtUserTurn(t *testing.T) {
	turns := []session.Turn{
		{Role: session.RoleUser},
		{Role: session.RoleAssistant},
		{Role: session.RoleToolResult},
		{Role: session.RoleAssistant},
		{Role: session.RoleUser},
		{Role: session.RoleAssistant},
	}
	got := Window(turns, 4)
	require.Len(t, got, 2)
	assert.Equal(t, session.RoleUser, got[0].Role)

	assert.Len(t, Window(turns, 10), 6)
}
