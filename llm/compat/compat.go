// Package compat implements llm.Client against any OpenAI-compatible chat
// completions endpoint (vLLM, Ollama, local gateways) by pointing the
// openai-go client at a configurable base URL, matching the engine's
// provider dispatch rule that routes non-claude, non-gpt model names here.
package compat

import (
	"context"
	"errors"

	"github.com/runforge/execengine/llm/openai"
	"github.com/runforge/execengine/llm"
)

// Client wraps an OpenAI-compatible endpoint behind llm.Client.
type Client struct {
	inner *openai.Client
}

// New builds a compat client against baseURL. apiKey may be empty for
// endpoints that do not require authentication.
func New(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("compat: base url is required")
	}
	inner, err := openai.NewCompatible(baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return c.inner.Complete(ctx, req)
}
