package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

// Anthropic decides with the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		client:    anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 1024,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Decide(ctx context.Context, req Request) (Decision, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  anthropicMessages(req.History),
		MaxTokens: p.maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if t := anthropicTools(req.Tools); len(t) > 0 {
		params.Tools = t
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Decision{}, fmt.Errorf("anthropic message failed: %w", err)
	}

	var d Decision
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			args := json.RawMessage(use.Input)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			d.ToolCalls = append(d.ToolCalls, session.ToolCall{ID: use.ID, Name: use.Name, Args: args})
		}
	}
	d.Text = strings.TrimSpace(text.String())
	if d.Text == "" && len(d.ToolCalls) == 0 {
		return Decision{}, ErrEmptyDecision
	}
	return d, nil
}

// anthropicMessages folds history into alternating user and assistant
// messages; tool results travel as user content.
func anthropicMessages(history []session.Turn) []anthropic.MessageParam {
	type pending struct {
		user   bool
		blocks []anthropic.ContentBlockParamUnion
	}
	var out []anthropic.MessageParam
	var cur *pending

	flush := func() {
		if cur == nil || len(cur.blocks) == 0 {
			return
		}
		if cur.user {
			out = append(out, anthropic.NewUserMessage(cur.blocks...))
		} else {
			out = append(out, anthropic.NewAssistantMessage(cur.blocks...))
		}
		cur = nil
	}
	push := func(user bool, b anthropic.ContentBlockParamUnion) {
		if cur != nil && cur.user != user {
			flush()
		}
		if cur == nil {
			cur = &pending{user: user}
		}
		cur.blocks = append(cur.blocks, b)
	}

	paired := pairedResults(history)
	for _, t := range history {
		switch t.Role {
		case session.RoleUser:
			push(true, anthropic.NewTextBlock(t.Content))

		case session.RoleAssistant:
			if t.Content != "" {
				push(false, anthropic.NewTextBlock(t.Content))
			}
			for _, c := range t.ToolCalls {
				if !paired[c.ID] {
					continue
				}
				var input any
				if len(c.Args) > 0 {
					_ = json.Unmarshal(c.Args, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				push(false, anthropic.NewToolUseBlock(c.ID, input, c.Name))
			}

		case session.RoleToolResult:
			if paired[t.ToolCallID] {
				isErr := strings.HasPrefix(t.Content, tools.CodeError) || strings.HasPrefix(t.Content, tools.CodeValidationError)
				push(true, anthropic.NewToolResultBlock(t.ToolCallID, t.Content, isErr))
			} else {
				push(true, anthropic.NewTextBlock(renderToolResult(t)))
			}
		}
	}
	flush()
	return out
}

func anthropicTools(specs []tools.Spec) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, s := range specs {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        s.Name,
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: s.Parameters["properties"],
				},
			},
		})
	}
	return out
}
