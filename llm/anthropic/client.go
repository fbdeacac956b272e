// Package anthropic implements llm.Client on top of the Anthropic Claude
// Messages API, adapted from the pack's richer Anthropic adapter down to the
// engine's trimmed Request/Response contract: no streaming, no thinking
// blocks, no tool-name sanitization (tool names here are already
// provider-safe identifiers drawn from functioncall specs).
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/runforge/execengine/llm"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService so tests can substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements llm.Client on top of Anthropic Claude Messages.
type Client struct {
	msg         MessagesClient
	temperature float64
}

// New builds an Anthropic-backed client from an existing Messages client.
func New(msg MessagesClient) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	return &Client{msg: msg}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// reading ANTHROPIC_API_KEY conventions via the SDK's own option handling.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages)
}

// Complete issues a non-streaming Messages.New request and translates the
// response into the engine's provider-neutral Response shape.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return llm.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return llm.Response{}, mapError(err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req llm.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	if req.Model == "" {
		return sdk.MessageNewParams{}, errors.New("anthropic: model is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max_tokens must be resolved to a positive value before calling Complete")
	}

	// The whole conversation, system text included, is flattened into one
	// Human:/Assistant: transcript and sent as the content of a single user turn.
	transcript := llm.FlattenTranscript(req.Messages)
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(transcript))},
		Model:     sdk.Model(req.Model),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(msgs []*llm.Message) ([]sdk.MessageParam, string, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system string

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == llm.RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(llm.TextPart); ok && v.Text != "" {
					if system != "" {
						system += "\n\n"
					}
					system += v.Text
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case llm.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case llm.ToolUsePart:
				if v.Name == "" {
					return nil, "", errors.New("anthropic: tool_use part missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case llm.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, "", fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(v llm.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []llm.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}, nil
}

func mapError(err error) error {
	if isRateLimited(err) {
		return llm.NewProviderError("anthropic", "messages.new", llm.KindRateLimit, 429, err.Error(), true, err)
	}
	if isOverloaded(err) {
		return llm.NewProviderError("anthropic", "messages.new", llm.KindOverloaded, 529, err.Error(), true, err)
	}
	return llm.NewProviderError("anthropic", "messages.new", llm.KindProvider, 0, err.Error(), false, err)
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func isOverloaded(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 529
}

// sdk.Error is github.com/anthropics/anthropic-sdk-go's *Error type, which
// carries the HTTP StatusCode the Anthropic API responded with.

func translateResponse(msg *sdk.Message) (llm.Response, error) {
	if msg == nil {
		return llm.Response{}, errors.New("anthropic: response message is nil")
	}
	var resp llm.Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Parts = append(resp.Parts, llm.TextPart{Text: block.Text})
		case "tool_use":
			use := llm.ToolUsePart{ID: block.ID, Name: block.Name, Input: toMap(block.Input)}
			resp.Parts = append(resp.Parts, use)
			resp.ToolCalls = append(resp.ToolCalls, use)
		}
	}
	resp.Usage = llm.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
