// Package reasoning adapts chat-completion providers to the turn-by-turn
// decisions the dialogue orchestrator needs: reply text and tool calls.
package reasoning

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

// ErrEmptyDecision is returned when a provider answers with neither text nor
// tool calls.
var ErrEmptyDecision = errors.New("reasoning: empty decision")

// Request is everything a provider sees for one decision.
type Request struct {
	System  string
	History []session.Turn
	Tools   []tools.Spec
}

// Decision is the provider's next move. When ToolCalls is non-empty Text may
// be an interim remark and is not the final reply.
type Decision struct {
	Text      string
	ToolCalls []session.ToolCall
}

// Decider makes one decision per call.
type Decider interface {
	Name() string
	Decide(ctx context.Context, req Request) (Decision, error)
}

// SystemPrompt is the persona and transfer policy given to every provider.
func SystemPrompt(bankName string) string {
	return fmt.Sprintf(`You are Nugar, the %[1]s banking assistant. You help users send money safely and quickly.

Transfer flow:
1. When the user mentions a name, call lookup_beneficiary with that name before anything else.
2. If the beneficiary is found, confirm the account name, bank, account number and amount with the user.
3. If not found, ask for the 10 digit account number and the bank, then confirm the details.
4. Only after the user confirms, call execute_transfer. It stages the transfer and asks the user to verify their face. No money moves until verification succeeds.
5. If the user wants to retry verification for the transfer already staged, call trigger_biometric_auth.
6. Offer to save new recipients with add_beneficiary.

Rules:
- Only %[1]s accounts can receive transfers. For any other bank say: "Currently we only support %[1]s transfers. Is the account on %[1]s?"
- Amounts are in naira. "5k" means 5000.
- Account numbers are exactly 10 digits.
- Ask one question at a time and keep replies short; they may be read aloud.
- Tool results are for you. Never read them out verbatim; explain them naturally.`, bankName)
}

// renderToolResult is how a tool result is shown to a provider when it
// cannot be paired with the call that produced it.
func renderToolResult(t session.Turn) string {
	name := t.ToolName
	if name == "" {
		name = "tool"
	}
	return fmt.Sprintf("[TOOL RESULT for %s]: %s", name, t.Content)
}

// pairedResults returns the ids of tool calls that are answered by a later
// tool result in history. Providers reject unpaired calls and results.
func pairedResults(history []session.Turn) map[string]bool {
	issued := make(map[string]bool)
	paired := make(map[string]bool)
	for _, t := range history {
		switch t.Role {
		case session.RoleAssistant:
			for _, c := range t.ToolCalls {
				if c.ID != "" {
					issued[c.ID] = true
				}
			}
		case session.RoleToolResult:
			if t.ToolCallID != "" && issued[t.ToolCallID] {
				paired[t.ToolCallID] = true
			}
		}
	}
	return paired
}
