// Package tools is the closed set of actions the reasoning engine may request
// during a transfer conversation, with schema-checked arguments.
package tools

import (
	"encoding/json"
	"time"

	"github.com/example/tunjiax-agent/internal/session"
)

// Tool names as exposed to the reasoning engine.
const (
	LookupBeneficiary    = "lookup_beneficiary"
	TriggerBiometricAuth = "trigger_biometric_auth"
	ExecuteTransfer      = "execute_transfer"
	AddBeneficiary       = "add_beneficiary"
)

// SignalBiometricRequired ends the turn and asks the client to run the face
// check.
const SignalBiometricRequired = "biometric_required"

// Result codes. A tool result's content always starts with its code.
const (
	CodeFound              = "FOUND"
	CodeNotFound           = "NOT_FOUND"
	CodeSaved              = "SAVED"
	CodeDuplicate          = "DUPLICATE"
	CodeBiometricRequired  = "BIOMETRIC_REQUIRED"
	CodeNoPendingTransfer  = "NO_PENDING_TRANSFER"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeSuccess            = "SUCCESS"
	CodeFailed             = "FAILED"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeError              = "ERROR"
)

// Command is a decoded tool invocation. The set of implementations is closed.
type Command interface {
	ToolName() string
}

type LookupBeneficiaryCmd struct {
	Name string `json:"name"`
}

type TriggerBiometricAuthCmd struct{}

// ExecuteTransferCmd carries the amount as the engine sent it: a JSON number
// or a string such as "5k", in naira.
type ExecuteTransferCmd struct {
	Amount          json.RawMessage `json:"amount"`
	BeneficiaryName string          `json:"beneficiary_name"`
	BankName        string          `json:"bank_name"`
	AccountNumber   string          `json:"account_number"`
}

type AddBeneficiaryCmd struct {
	Alias         string `json:"alias"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

func (LookupBeneficiaryCmd) ToolName() string    { return LookupBeneficiary }
func (TriggerBiometricAuthCmd) ToolName() string { return TriggerBiometricAuth }
func (ExecuteTransferCmd) ToolName() string      { return ExecuteTransfer }
func (AddBeneficiaryCmd) ToolName() string       { return AddBeneficiary }

// Env identifies the conversation a tool runs in.
type Env struct {
	SessionID string
	UserID    string
}

// Result is the outcome of one tool call. Content is fed back to the
// reasoning engine, never shown to the user verbatim.
type Result struct {
	Tool    string
	Code    string
	Content string
	Signal  string
}

// Turn converts r into a tool_result turn answering callID.
func (r Result) Turn(callID string, at time.Time) session.Turn {
	return session.Turn{
		Role:       session.RoleToolResult,
		Content:    r.Content,
		ToolCallID: callID,
		ToolName:   r.Tool,
		At:         at,
	}
}

func result(tool, code, detail string) Result {
	content := code
	if detail != "" {
		content += ": " + detail
	}
	return Result{Tool: tool, Code: code, Content: content}
}
