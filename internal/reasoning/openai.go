package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

// OpenAI decides with any OpenAI-compatible chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Decide(ctx context.Context, req Request) (Decision, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: openAIMessages(req),
	}
	if t := openAITools(req.Tools); len(t) > 0 {
		params.Tools = t
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Decision{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, ErrEmptyDecision
	}

	msg := resp.Choices[0].Message
	d := Decision{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		d.ToolCalls = append(d.ToolCalls, session.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		})
	}
	if d.Text == "" && len(d.ToolCalls) == 0 {
		return Decision{}, ErrEmptyDecision
	}
	return d, nil
}

func openAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var params []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		params = append(params, openai.SystemMessage(req.System))
	}

	paired := pairedResults(req.History)
	for _, t := range req.History {
		switch t.Role {
		case session.RoleUser:
			params = append(params, openai.UserMessage(t.Content))

		case session.RoleAssistant:
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, c := range t.ToolCalls {
				if !paired[c.ID] {
					continue
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   c.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: string(c.Args),
					},
				})
			}
			if t.Content == "" && len(calls) == 0 {
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(t.Content)},
				ToolCalls: calls,
			}
			params = append(params, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case session.RoleToolResult:
			if paired[t.ToolCallID] {
				params = append(params, openai.ToolMessage(t.Content, t.ToolCallID))
			} else {
				params = append(params, openai.UserMessage(renderToolResult(t)))
			}
		}
	}
	return params
}

func openAITools(specs []tools.Spec) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, s := range specs {
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        s.Name,
				Description: openai.String(s.Description),
				Parameters:  shared.FunctionParameters(s.Parameters),
			},
		})
	}
	return out
}
