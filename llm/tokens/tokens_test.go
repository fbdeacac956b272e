package tokens_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/llm/tokens"
	"github.com/runforge/execengine/llm"
)

func TestEstimateStringCountsWordsAndPunctuation(t *testing.T) {
	require.Equal(t, 0, tokens.EstimateString(""))
	require.Equal(t, 2, tokens.EstimateString("hello world"))
	require.Equal(t, 3, tokens.EstimateString("hello, world"))
}

func TestEstimateMessagesSumsTextAndToolResults(t *testing.T) {
	msgs := []*llm.Message{
		{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hello world"}}},
		{Role: llm.RoleUser, Parts: []llm.Part{llm.ToolResultPart{Content: "sunny skies"}}},
	}
	require.Equal(t, 4, tokens.EstimateMessages(msgs))
}

func TestAutoBudgetPassesThroughExplicitMaxTokens(t *testing.T) {
	req := llm.Request{MaxTokens: 256}
	require.Equal(t, 256, tokens.AutoBudget(req, 16))
}

func TestAutoBudgetComputesRemainder(t *testing.T) {
	req := llm.Request{
		MaxTokens:   -1,
		ContextSize: 100,
		Messages:    []*llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "hi"}}}},
	}
	got := tokens.AutoBudget(req, 16)
	require.Equal(t, 99, got)
}

func TestAutoBudgetFloorsAtMinimum(t *testing.T) {
	req := llm.Request{
		MaxTokens:   -1,
		ContextSize: 10,
		Messages: []*llm.Message{
			{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: "a very long prompt that exceeds context"}}},
		},
	}
	require.Equal(t, 16, tokens.AutoBudget(req, 16))
}
