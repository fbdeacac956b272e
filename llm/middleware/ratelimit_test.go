package middleware_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/llm/middleware"
	"github.com/runforge/execengine/llm"
)

type stubClient struct {
	err  error
	resp llm.Response
}

func (s *stubClient) Complete(context.Context, llm.Request) (llm.Response, error) {
	return s.resp, s.err
}

func TestMiddlewareForwardsSuccessfulCall(t *testing.T) {
	lim := middleware.NewAdaptiveRateLimiter(60000, 60000)
	wrapped := lim.Middleware()(&stubClient{resp: llm.Response{StopReason: "stop"}})

	resp, err := wrapped.Complete(context.Background(), llm.Request{
		Messages: []*llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hi"}}}},
	})
	require.NoError(t, err)
	require.Equal(t, "stop", resp.StopReason)
}

func TestMiddlewareReturnsRateLimitError(t *testing.T) {
	lim := middleware.NewAdaptiveRateLimiter(1000, 1000)
	wrapped := lim.Middleware()(&stubClient{err: fmt.Errorf("boom: %w", llm.ErrRateLimited)})

	_, err := wrapped.Complete(context.Background(), llm.Request{
		Messages: []*llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hi"}}}},
	})
	require.Error(t, err)
}

func TestMiddlewareNilNextReturnsNil(t *testing.T) {
	lim := middleware.NewAdaptiveRateLimiter(1000, 1000)
	require.Nil(t, lim.Middleware()(nil))
}
