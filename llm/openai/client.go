// Package openai implements llm.Client on top of the OpenAI Chat Completions
// API via github.com/openai/openai-go, adapted from the shape of the pack's
// Anthropic adapter (same request/translate/error-map structure) since the
// teacher's own OpenAI adapter targets a different SDK than the one pinned
// in its go.mod.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/runforge/execengine/llm"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, satisfied by the real client's Chat.Completions service.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Client implements llm.Client via the OpenAI Chat Completions API.
type Client struct {
	chat ChatClient
}

// New builds an OpenAI-backed client from an existing chat-completions
// client.
func New(chat ChatClient) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(c.Chat.Completions)
}

// NewCompatible constructs a client pointed at an OpenAI-compatible HTTP
// endpoint, for the compat package's configurable-base-URL wrapper.
func NewCompatible(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("openai: base url is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	return New(c.Chat.Completions)
}

// Complete renders a chat completion using the configured client.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("openai: messages are required")
	}
	if req.Model == "" {
		return llm.Response{}, errors.New("openai: model is required")
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return llm.Response{}, err
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return llm.Response{}, mapError(err)
	}
	return translateResponse(resp), nil
}

func encodeMessages(msgs []*llm.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		text := textOf(m.Parts)
		switch m.Role {
		case llm.RoleSystem:
			if text != "" {
				out = append(out, sdk.SystemMessage(text))
			}
		case llm.RoleUser:
			for _, p := range m.Parts {
				if v, ok := p.(llm.ToolResultPart); ok {
					out = append(out, sdk.ToolMessage(contentString(v.Content), v.ToolUseID))
				}
			}
			if text != "" {
				out = append(out, sdk.UserMessage(text))
			}
		case llm.RoleAssistant:
			assistant := sdk.AssistantMessage(text)
			for _, p := range m.Parts {
				if v, ok := p.(llm.ToolUsePart); ok {
					args, err := json.Marshal(v.Input)
					if err != nil {
						return nil, fmt.Errorf("openai: marshal tool_use args: %w", err)
					}
					if assistant.OfAssistant != nil {
						assistant.OfAssistant.ToolCalls = append(assistant.OfAssistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
							ID: v.ID,
							Function: sdk.ChatCompletionMessageToolCallFunctionParam{
								Name:      v.Name,
								Arguments: string(args),
							},
						})
					}
				}
			}
			out = append(out, assistant)
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func textOf(parts []llm.Part) string {
	for _, p := range parts {
		if v, ok := p.(llm.TextPart); ok {
			return v.Text
		}
	}
	return ""
}

func contentString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func encodeTools(defs []llm.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	tools := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			Parameters:  sdk.FunctionParameters(def.InputSchema),
		}))
	}
	return tools
}

func mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return llm.NewProviderError("openai", "chat.completions.new", llm.KindRateLimit, 429, err.Error(), true, err)
		case 503:
			return llm.NewProviderError("openai", "chat.completions.new", llm.KindOverloaded, 503, err.Error(), true, err)
		}
		return llm.NewProviderError("openai", "chat.completions.new", llm.KindProvider, apiErr.StatusCode, err.Error(), false, err)
	}
	return llm.NewProviderError("openai", "chat.completions.new", llm.KindProvider, 0, err.Error(), false, err)
}

func translateResponse(resp *sdk.ChatCompletion) llm.Response {
	var out llm.Response
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Parts = append(out.Parts, llm.TextPart{Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		use := llm.ToolUsePart{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: parseArguments(call.Function.Arguments),
		}
		out.Parts = append(out.Parts, use)
		out.ToolCalls = append(out.ToolCalls, use)
	}
	out.StopReason = string(choice.FinishReason)
	out.Usage = llm.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return out
}

func parseArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"raw": raw}
	}
	return m
}
