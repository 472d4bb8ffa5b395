package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/tunjiax-agent/internal/dialogue"
	"github.com/example/tunjiax-agent/internal/security"
	"github.com/example/tunjiax-agent/internal/tools"
)

// BiometricClientTool is the client-side tool a voice platform is told to
// run when a transfer needs a face check.
const BiometricClientTool = "triggerBiometric"

// SessionIDHeader lets a voice platform pin the conversation id.
const SessionIDHeader = "X-Session-ID"

const defaultCompletionModel = "tunjiax-agent"

type completionMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	User     string              `json:"user"`
	Extra    struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	} `json:"elevenlabs_extra_body"`
}

type completionFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type completionToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function completionFunction `json:"function"`
}

type completionReplyMessage struct {
	Role      string               `json:"role,omitempty"`
	Content   *string              `json:"content,omitempty"`
	ToolCalls []completionToolCall `json:"tool_calls,omitempty"`
}

type completionChoice struct {
	Index        int                     `json:"index"`
	Message      *completionReplyMessage `json:"message,omitempty"`
	Delta        *completionReplyMessage `json:"delta,omitempty"`
	FinishReason *string                 `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

// messageText flattens string content and arrays of text parts.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func lastUserText(msgs []completionMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return strings.TrimSpace(messageText(msgs[i].Content))
		}
	}
	return ""
}

func biometricToolCall(index *int) completionToolCall {
	return completionToolCall{
		Index:    index,
		ID:       "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Type:     "function",
		Function: completionFunction{Name: BiometricClientTool, Arguments: "{}"},
	}
}

// handleChatCompletions serves the custom LLM hook of a voice platform. The
// platform keeps its own transcript; only the newest user message is fed to
// the orchestrator, which owns the real history.
func handleChatCompletions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		userID := req.Extra.UserID
		if userID == "" {
			userID = req.User
		}
		if userID == "" {
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "user is required")
			return
		}
		sessionID := r.Header.Get(SessionIDHeader)
		if sessionID == "" {
			sessionID = req.Extra.SessionID
		}
		if sessionID == "" {
			sessionID = "voice-" + userID
		}

		text := lastUserText(req.Messages)
		if text == "" {
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "no user message")
			return
		}

		reply, err := deps.Conversations.HandleTurn(r.Context(), sessionID, userID, text)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}

		model := req.Model
		if model == "" {
			model = defaultCompletionModel
		}
		base := completionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Created: time.Now().Unix(),
			Model:   model,
		}

		if req.Stream {
			streamCompletion(w, r, base, reply)
			return
		}

		finish := "stop"
		msg := &completionReplyMessage{Role: "assistant", Content: &reply.Text}
		if reply.Signal == tools.SignalBiometricRequired {
			msg.ToolCalls = []completionToolCall{biometricToolCall(nil)}
			finish = "tool_calls"
		}
		base.Object = "chat.completion"
		base.Choices = []completionChoice{{Message: msg, FinishReason: &finish}}
		writeJSON(w, r, http.StatusOK, base)
	}
}

// streamCompletion writes the reply as server-sent chunks: the role, the
// text word by word, the biometric tool call when signalled, and the finish
// reason.
func streamCompletion(w http.ResponseWriter, r *http.Request, base completionResponse, reply dialogue.Reply) {
	base.Object = "chat.completion.chunk"
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(delta *completionReplyMessage, finish *string) bool {
		chunk := base
		chunk.Choices = []completionChoice{{Delta: delta, FinishReason: finish}}
		payload, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		_ = rc.Flush()
		return r.Context().Err() == nil
	}

	if !send(&completionReplyMessage{Role: "assistant"}, nil) {
		return
	}
	for _, word := range strings.Fields(reply.Text) {
		piece := word + " "
		if !send(&completionReplyMessage{Content: &piece}, nil) {
			return
		}
	}

	finish := "stop"
	if reply.Signal == tools.SignalBiometricRequired {
		zero := 0
		if !send(&completionReplyMessage{ToolCalls: []completionToolCall{biometricToolCall(&zero)}}, nil) {
			return
		}
		finish = "tool_calls"
	}
	if !send(&completionReplyMessage{}, &finish) {
		return
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	_ = rc.Flush()
}
