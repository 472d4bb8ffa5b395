// Package session holds per-conversation state: the turn history, the dialogue
// state and the staged transfer waiting for a biometric check.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTimeout is how long a session may stay idle before it is discarded.
const DefaultTimeout = 5 * time.Minute

// lostPendingTTL bounds how long a "transfer was lost" notice is kept for a
// session id that nobody revisits.
const lostPendingTTL = 24 * time.Hour

var (
	// ErrNotFound reports that the session no longer exists. Callers treat it
	// as "start over".
	ErrNotFound = errors.New("session: not found")
	// ErrBusy reports that another turn for the session is still in flight.
	ErrBusy = errors.New("session: turn already in progress")
	// ErrNotOwner reports that the session id belongs to a different user.
	ErrNotOwner = errors.New("session: owned by another user")
)

// Role of a turn in the conversation.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// State is the dialogue position of a session.
type State string

const (
	StateCollecting           State = "COLLECTING"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateAwaitingBiometric    State = "AWAITING_BIOMETRIC"
	StateExecuting            State = "EXECUTING"
	StateDone                 State = "DONE"
)

// ToolCall is a tool invocation requested by the reasoning engine.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Turn is one immutable entry of the history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and ToolName are set on tool_result turns.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	At         time.Time `json:"at"`
}

// PendingTransfer is a transfer staged until the user passes the biometric
// check. ID doubles as the ledger idempotency key.
type PendingTransfer struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	SessionID       string    `json:"session_id"`
	Amount          int64     `json:"amount_kobo"`
	BeneficiaryName string    `json:"beneficiary_name"`
	BankName        string    `json:"bank_name"`
	AccountNumber   string    `json:"account_number"`
	CreatedAt       time.Time `json:"created_at"`
}

// Session is one conversation.
type Session struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Turns        []Turn           `json:"turns"`
	State        State            `json:"state"`
	Pending      *PendingTransfer `json:"pending_transfer,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	return &out
}

// Append adds turns to the history.
func (s *Session) Append(turns ...Turn) {
	s.Turns = append(s.Turns, turns...)
}

func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) > timeout
}

func newSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		State:        StateCollecting,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Lookup is the result of GetOrCreate.
type Lookup struct {
	Session *Session
	// Created is set when a new session was started.
	Created bool
	// Expired is set when a stale session was discarded to make room.
	Expired bool
	// LostPending is set when a discarded session still held a staged
	// transfer that never ran.
	LostPending bool
}

// Store is the session keyed store. All methods are safe for concurrent use;
// no store lock is held across calls.
type Store interface {
	// GetOrCreate returns the live session for id, touching its activity
	// time, or starts a fresh one owned by userID.
	GetOrCreate(ctx context.Context, id, userID string) (Lookup, error)
	// Get returns a copy of the live session without touching it.
	Get(ctx context.Context, id string) (*Session, error)
	// Update applies mutate to the session and touches its activity time.
	// If mutate returns an error nothing is written. An expired session is
	// discarded and reported as ErrNotFound.
	Update(ctx context.Context, id string, mutate func(*Session) error) error
	// SetPending stages p, replacing any earlier pending transfer.
	SetPending(ctx context.Context, id string, p PendingTransfer) error
	// TakePending removes and returns the pending transfer, or nil when
	// there is none. At most one caller receives a given transfer.
	TakePending(ctx context.Context, id string) (*PendingTransfer, error)
	Clear(ctx context.Context, id string) error
	// Sweep removes sessions idle longer than the timeout.
	Sweep(ctx context.Context) (int, error)
	// Active counts live sessions.
	Active(ctx context.Context) (int, error)
	// Acquire takes the per-session turn lease. It never blocks: ErrBusy is
	// returned while another holder has it.
	Acquire(ctx context.Context, id string) (release func(), err error)
}
