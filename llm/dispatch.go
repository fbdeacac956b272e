package llm

import (
	"context"
	"fmt"
	"strings"
)

// Dispatcher selects a backing Client by the Request's model-name prefix:
// "claude" routes to the Claude-shaped adapter, "gpt" to the OpenAI-shaped
// adapter, anything else to the OpenAI-compatible adapter. Exactly one of
// each is registered by the cmd/executord wiring.
type Dispatcher struct {
	claude  Client
	gpt     Client
	compat  Client
}

// NewDispatcher builds a Dispatcher. Any of the three may be nil if that
// provider family is not configured; Complete returns an error for requests
// that would route to a nil client.
func NewDispatcher(claude, gpt, compat Client) *Dispatcher {
	return &Dispatcher{claude: claude, gpt: gpt, compat: compat}
}

func (d *Dispatcher) Complete(ctx context.Context, req Request) (Response, error) {
	client, label := d.route(req.Model)
	if client == nil {
		return Response{}, fmt.Errorf("llm: no client configured for model %q (%s)", req.Model, label)
	}
	return client.Complete(ctx, req)
}

func (d *Dispatcher) route(model string) (Client, string) {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return d.claude, "claude"
	case strings.HasPrefix(lower, "gpt"):
		return d.gpt, "gpt"
	default:
		return d.compat, "compat"
	}
}
