package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/tunjiax-agent/internal/apperr"
	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/reasoning"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

const (
	// DefaultMaxIterations bounds reasoning rounds per user turn.
	DefaultMaxIterations = 6
	// DefaultHistoryWindow is how many recent turns the reasoning engine sees.
	DefaultHistoryWindow = 40
)

// User-facing texts.
const (
	StillProcessingText = "I'm still processing your request."
	UnavailableText     = "I'm having trouble thinking right now. Please try again in a moment."
	BiometricPromptText = "Please verify your face to complete the transfer."
	LostPendingNotice   = "Your earlier transfer was not completed because the conversation timed out. No money was moved."
)

// Dispatcher runs tools on behalf of a session.
type Dispatcher interface {
	Specs() []tools.Spec
	Dispatch(ctx context.Context, env tools.Env, call session.ToolCall) tools.Result
	Resolve(ctx context.Context, env tools.Env, verified bool) tools.Result
}

// Reply is what the user gets back for a turn.
type Reply struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Signal    string        `json:"signal,omitempty"`
	State     session.State `json:"state"`
	// Code is the outcome code of a biometric resolution.
	Code string `json:"code,omitempty"`
}

// Config wires an Orchestrator.
type Config struct {
	Sessions      session.Store
	Dispatcher    Dispatcher
	Decider       reasoning.Decider
	SystemPrompt  string
	MaxIterations int
	HistoryWindow int
	Metrics       metrics.Collector
	Logger        *slog.Logger
}

// Orchestrator runs conversation turns. It is safe for concurrent use; turns
// of the same session are serialized by the session lease.
type Orchestrator struct {
	sessions   session.Store
	dispatcher Dispatcher
	decider    reasoning.Decider
	system     string
	maxIter    int
	window     int
	metrics    metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		decider:    cfg.Decider,
		system:     cfg.SystemPrompt,
		maxIter:    cfg.MaxIterations,
		window:     cfg.HistoryWindow,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if o.maxIter <= 0 {
		o.maxIter = DefaultMaxIterations
	}
	if o.window <= 0 {
		o.window = DefaultHistoryWindow
	}
	if o.metrics == nil {
		o.metrics = metrics.NoOp{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// HandleTurn processes one user utterance.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userID, text string) (Reply, error) {
	start := time.Now()
	reply, outcome, err := o.handleTurn(ctx, sessionID, userID, text)
	if err != nil {
		outcome = "error"
	}
	o.metrics.RecordTurn(outcome, time.Since(start))
	return reply, err
}

func (o *Orchestrator) handleTurn(ctx context.Context, sessionID, userID, text string) (Reply, string, error) {
	release, err := o.acquire(ctx, sessionID)
	if err != nil {
		return Reply{}, "", err
	}
	defer release()

	lk, err := o.sessions.GetOrCreate(ctx, sessionID, userID)
	if err != nil {
		return Reply{}, "", mapSessionErr(err)
	}
	if lk.Created {
		o.logger.InfoContext(ctx, "session started", "session_id", sessionID, "user_id", userID, "replaced_expired", lk.Expired)
	}

	state, err := o.commit(ctx, sessionID, func(s *session.Session) {
		if s.State == session.StateDone {
			s.State = session.StateCollecting
		}
		s.Append(session.Turn{Role: session.RoleUser, Content: text, At: o.now()})
	})
	if err != nil {
		return Reply{}, "", err
	}

	reply, outcome, err := o.loop(ctx, sessionID, userID, state)
	if err != nil {
		return Reply{}, "", err
	}
	if lk.LostPending {
		reply.Text = LostPendingNotice + " " + reply.Text
	}
	return reply, outcome, nil
}

func (o *Orchestrator) loop(ctx context.Context, sessionID, userID string, state session.State) (Reply, string, error) {
	env := tools.Env{SessionID: sessionID, UserID: userID}
	specs := o.dispatcher.Specs()

	for i := 0; i < o.maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return Reply{}, "", err
		}

		s, err := o.sessions.Get(ctx, sessionID)
		if err != nil {
			return Reply{}, "", mapSessionErr(err)
		}

		decision, err := o.decider.Decide(ctx, reasoning.Request{
			System:  o.system,
			History: Window(s.Turns, o.window),
			Tools:   specs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Reply{}, "", ctx.Err()
			}
			o.logger.ErrorContext(ctx, "reasoning failed", "session_id", sessionID, "iteration", i, "error", err)
			return Reply{SessionID: sessionID, Text: UnavailableText, State: s.State}, "reasoning_error", nil
		}

		if len(decision.ToolCalls) == 0 {
			state, err := o.commit(ctx, sessionID, func(s *session.Session) {
				s.Append(session.Turn{Role: session.RoleAssistant, Content: decision.Text, At: o.now()})
			})
			if err != nil {
				return Reply{}, "", err
			}
			return Reply{SessionID: sessionID, Text: decision.Text, State: state}, "reply", nil
		}

		if _, err := o.commit(ctx, sessionID, func(s *session.Session) {
			s.Append(session.Turn{
				Role:      session.RoleAssistant,
				Content:   decision.Text,
				ToolCalls: decision.ToolCalls,
				At:        o.now(),
			})
		}); err != nil {
			return Reply{}, "", err
		}

		for _, call := range decision.ToolCalls {
			res := o.dispatcher.Dispatch(ctx, env, call)
			state, err = o.commit(ctx, sessionID, func(s *session.Session) {
				s.Append(res.Turn(call.ID, o.now()))
				s.State = next(s.State, res)
			})
			if err != nil {
				return Reply{}, "", err
			}

			if res.Signal != "" {
				text := decision.Text
				if text == "" {
					text = BiometricPromptText
				}
				return Reply{SessionID: sessionID, Text: text, Signal: res.Signal, State: state}, "signal", nil
			}
			if err := ctx.Err(); err != nil {
				return Reply{}, "", err
			}
		}
	}

	o.logger.WarnContext(ctx, "iteration limit reached", "session_id", sessionID, "limit", o.maxIter)
	state, err := o.commit(ctx, sessionID, func(s *session.Session) {
		s.Append(session.Turn{Role: session.RoleAssistant, Content: StillProcessingText, At: o.now()})
	})
	if err != nil {
		return Reply{}, "", err
	}
	return Reply{SessionID: sessionID, Text: StillProcessingText, State: state}, "max_iterations", nil
}

// ResolveBiometric delivers the face check outcome for the session's staged
// transfer and phrases the result for the user.
func (o *Orchestrator) ResolveBiometric(ctx context.Context, sessionID, userID string, verified bool) (Reply, error) {
	release, err := o.acquire(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer release()

	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return Reply{}, mapSessionErr(err)
	}
	if s.UserID != userID {
		return Reply{}, mapSessionErr(session.ErrNotOwner)
	}

	if verified && s.Pending != nil {
		if _, err := o.commit(ctx, sessionID, func(s *session.Session) { s.State = session.StateExecuting }); err != nil {
			return Reply{}, err
		}
	}

	res := o.dispatcher.Resolve(ctx, tools.Env{SessionID: sessionID, UserID: userID}, verified)
	if _, err := o.commit(ctx, sessionID, func(s *session.Session) {
		s.Append(res.Turn("", o.now()))
		s.State = next(s.State, res)
	}); err != nil {
		return Reply{}, err
	}

	s, err = o.sessions.Get(ctx, sessionID)
	if err != nil {
		return Reply{}, mapSessionErr(err)
	}

	text := cannedOutcome(res.Code)
	decision, err := o.decider.Decide(ctx, reasoning.Request{
		System:  o.system,
		History: Window(s.Turns, o.window),
	})
	switch {
	case err != nil:
		o.logger.WarnContext(ctx, "reasoning failed, using canned outcome", "session_id", sessionID, "error", err)
	case decision.Text != "":
		text = decision.Text
	}

	state, err := o.commit(ctx, sessionID, func(s *session.Session) {
		s.Append(session.Turn{Role: session.RoleAssistant, Content: text, At: o.now()})
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{SessionID: sessionID, Text: text, State: state, Code: res.Code}, nil
}

// Reset ends the conversation and discards any staged transfer.
func (o *Orchestrator) Reset(ctx context.Context, sessionID, userID string) error {
	s, err := o.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s.UserID != userID {
		return mapSessionErr(session.ErrNotOwner)
	}
	if err := o.sessions.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	o.logger.InfoContext(ctx, "session cleared", "session_id", sessionID)
	return nil
}

// History returns the turns of a session owned by userID.
func (o *Orchestrator) History(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	if s.UserID != userID {
		return nil, mapSessionErr(session.ErrNotOwner)
	}
	return s, nil
}

func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (func(), error) {
	release, err := o.sessions.Acquire(ctx, sessionID)
	if errors.Is(err, session.ErrBusy) {
		return nil, apperr.Wrap(err, apperr.KindConflict, "SESSION_BUSY", "A previous message is still being processed.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	return release, nil
}

// commit writes a history change with a context that outlives the caller, so
// a cancelled request still leaves a resumable session behind.
func (o *Orchestrator) commit(ctx context.Context, sessionID string, mutate func(*session.Session)) (session.State, error) {
	var state session.State
	err := o.sessions.Update(context.WithoutCancel(ctx), sessionID, func(s *session.Session) error {
		mutate(s)
		state = s.State
		return nil
	})
	if err != nil {
		return "", mapSessionErr(err)
	}
	return state, nil
}

// Window returns the last n turns, starting at a user turn so that no tool
// result is separated from its call.
func Window(turns []session.Turn, n int) []session.Turn {
	if len(turns) <= n {
		return turns
	}
	i := len(turns) - n
	for i < len(turns) && turns[i].Role != session.RoleUser {
		i++
	}
	if i == len(turns) {
		return turns[len(turns)-n:]
	}
	return turns[i:]
}

func cannedOutcome(code string) string {
	switch code {
	case tools.CodeSuccess:
		return "Your transfer was successful."
	case tools.CodeVerificationFailed:
		return "I couldn't verify your identity, so the transfer was cancelled. No money was moved."
	case tools.CodeNoPendingTransfer:
		return "There's no transfer waiting for verification. What would you like to do?"
	case tools.CodeFailed:
		return "The transfer could not be completed. No money was moved."
	default:
		return "Something went wrong while completing the transfer. No money was moved."
	}
}

func mapSessionErr(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return apperr.Wrap(err, apperr.KindSessionExpired, "SESSION_EXPIRED", "This conversation has expired. Please start again.")
	case errors.Is(err, session.ErrNotOwner):
		return apperr.Wrap(err, apperr.KindNotFound, "SESSION_NOT_FOUND", "Conversation not found.")
	case errors.Is(err, session.ErrBusy):
		return apperr.Wrap(err, apperr.KindConflict, "SESSION_BUSY", "A previous message is still being processed.")
	default:
		return err
	}
}
