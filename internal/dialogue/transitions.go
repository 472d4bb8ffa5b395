// Package dialogue drives a transfer conversation: it feeds the history to
// the reasoning engine, runs the tools it asks for and tracks where the
// conversation stands.
package dialogue

import (
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

type event struct {
	tool string
	code string
}

// transitions maps a tool outcome to the state it moves the session to.
// Outcomes not listed leave the state unchanged. The table records progress;
// it never blocks a tool call.
var transitions = map[event]session.State{
	{tools.LookupBeneficiary, tools.CodeFound}:    session.StateAwaitingConfirmation,
	{tools.LookupBeneficiary, tools.CodeNotFound}: session.StateCollecting,

	{tools.ExecuteTransfer, tools.CodeBiometricRequired}: session.StateAwaitingBiometric,
	{tools.ExecuteTransfer, tools.CodeFailed}:            session.StateCollecting,
	{tools.ExecuteTransfer, tools.CodeValidationError}:   session.StateCollecting,

	{tools.TriggerBiometricAuth, tools.CodeBiometricRequired}: session.StateAwaitingBiometric,
	{tools.TriggerBiometricAuth, tools.CodeNoPendingTransfer}: session.StateCollecting,

	{tools.BiometricVerification, tools.CodeSuccess}:            session.StateDone,
	{tools.BiometricVerification, tools.CodeFailed}:             session.StateCollecting,
	{tools.BiometricVerification, tools.CodeVerificationFailed}: session.StateCollecting,
	{tools.BiometricVerification, tools.CodeNoPendingTransfer}:  session.StateCollecting,
	{tools.BiometricVerification, tools.CodeError}:              session.StateCollecting,
}

// next returns the state after res, given the current state.
func next(current session.State, res tools.Result) session.State {
	if s, ok := transitions[event{res.Tool, res.Code}]; ok {
		return s
	}
	return current
}
