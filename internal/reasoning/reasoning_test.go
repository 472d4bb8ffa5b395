package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tunjiax-agent/internal/resilience"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

func history() []session.Turn {
	return []session.Turn{
		{Role: session.RoleUser, Content: "Send 5k to Tunde"},
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "call-1", Name: tools.LookupBeneficiary, Args: json.RawMessage(`{"name":"Tunde"}`)},
		}},
		{Role: session.RoleToolResult, ToolCallID: "call-1", ToolName: tools.LookupBeneficiary, Content: "FOUND: Tunde Bakare at TunjiaX (Account: 0987654321)"},
		{Role: session.RoleAssistant, Content: "Confirm ₦5,000 to Tunde Bakare?"},
		{Role: session.RoleUser, Content: "yes"},
		// answered by the face check, not by a call
		{Role: session.RoleToolResult, ToolName: tools.BiometricVerification, Content: "SUCCESS: Sent ₦5,000.00"},
	}
}

func TestPairedResults(t *testing.T) {
	h := append(history(), session.Turn{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "call-orphan", Name: tools.TriggerBiometricAuth}}})
	paired := pairedResults(h)
	assert.True(t, paired["call-1"])
	assert.False(t, paired["call-orphan"])
	assert.Len(t, paired, 1)
}

func TestRenderToolResult(t *testing.T) {
	got := renderToolResult(session.Turn{ToolName: tools.BiometricVerification, Content: "SUCCESS: ok"})
	assert.Equal(t, "[TOOL RESULT for biometric_verification]: SUCCESS: ok", got)
}

func TestSystemPromptNamesBank(t *testing.T) {
	p := SystemPrompt("TunjiaX")
	assert.Contains(t, p, "You are Nugar, the TunjiaX banking assistant")
	assert.Contains(t, p, "execute_transfer")
}

func TestOpenAIMessages(t *testing.T) {
	msgs := openAIMessages(Request{System: "sys", History: history()})
	require.Len(t, msgs, 7)

	raw, err := json.Marshal(msgs)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	roles := make([]string, len(decoded))
	for i, m := range decoded {
		roles[i], _ = m["role"].(string)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "assistant", "user", "user"}, roles)
	assert.Equal(t, "call-1", decoded[3]["tool_call_id"])
	assert.Equal(t, "[TOOL RESULT for biometric_verification]: SUCCESS: Sent ₦5,000.00", decoded[6]["content"])
}

func TestAnthropicMessagesAlternate(t *testing.T) {
	msgs := anthropicMessages(history())
	require.Len(t, msgs, 5)

	want := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
	}
	for i, m := range msgs {
		assert.Equal(t, want[i], m.Role, "message %d", i)
	}
	// "yes" and the unpaired face check result are merged into one user message
	assert.Len(t, msgs[4].Content, 2)
}

func TestOpenAIDecide(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1760627045,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call-9",
						"type": "function",
						"function": {"name": "lookup_beneficiary", "arguments": "{\"name\":\"Tunde\"}"}
					}]
				}
			}]
		}`)
	}))
	defer srv.Close()

	registry, err := tools.NewRegistry()
	require.NoError(t, err)

	p := NewOpenAI("test-key", srv.URL, "")
	d, err := p.Decide(context.Background(), Request{
		System:  SystemPrompt("TunjiaX"),
		History: []session.Turn{{Role: session.RoleUser, Content: "Send 5k to Tunde"}},
		Tools:   registry.Specs(),
	})
	require.NoError(t, err)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "call-9", d.ToolCalls[0].ID)
	assert.Equal(t, tools.LookupBeneficiary, d.ToolCalls[0].Name)
	assert.JSONEq(t, `{"name":"Tunde"}`, string(d.ToolCalls[0].Args))

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Len(t, body["tools"], 4)
}

type stubDecider struct {
	calls int
	err   error
	delay time.Duration
}

func (s *stubDecider) Name() string { return "stub" }

func (s *stubDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Decision{}, s.err
	}
	return Decision{Text: "hello"}, nil
}

func TestGuardedOpensAfterFailures(t *testing.T) {
	stub := &stubDecider{err: errors.New("upstream 500")}
	g := NewGuarded(stub, time.Second, nil, nil)

	for i := 0; i < 5; i++ {
		_, err := g.Decide(context.Background(), Request{})
		require.Error(t, err)
	}
	_, err := g.Decide(context.Background(), Request{})
	assert.ErrorIs(t, err, resilience.ErrUnavailable)
	assert.Equal(t, 5, stub.calls)
}

func TestGuardedTimeout(t *testing.T) {
	stub := &stubDecider{delay: time.Second}
	g := NewGuarded(stub, 20*time.Millisecond, nil, nil)

	_, err := g.Decide(context.Background(), Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stub.delay = 0
	d, err := g.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello", d.Text)
}
