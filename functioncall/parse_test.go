package functioncall_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/functioncall"
	"github.com/runforge/execengine/llm"
)

func weatherSpec() functioncall.Spec {
	return functioncall.Spec{
		Name:        "get_weather",
		Description: "Get the current weather for a city.",
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"city": map[string]any{"type": "string"}},
			"required":             []any{"city"},
			"additionalProperties": false,
		},
	}
}

func TestParseFencedBlock(t *testing.T) {
	f := functioncall.NewFormatter([]functioncall.Spec{weatherSpec()})
	text := "Sure, let me check.\n```function_call\n{\"name\": \"get_weather\", \"arguments\": {\"city\": \"Tokyo\"}}\n```\n"

	calls, err := f.Parse(text, nil)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "get_weather", calls[0].Name)
	require.Equal(t, "Tokyo", calls[0].Arguments["city"])
}

func TestParseProviderNativeToolCalls(t *testing.T) {
	f := functioncall.NewFormatter([]functioncall.Spec{weatherSpec()})
	native := []llm.ToolUsePart{{ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "Paris"}}}

	calls, err := f.Parse("", native)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "call_1", calls[0].ID)
	require.Equal(t, "Paris", calls[0].Arguments["city"])
}

func TestParseUnknownFunction(t *testing.T) {
	f := functioncall.NewFormatter([]functioncall.Spec{weatherSpec()})
	text := "```function_call\n{\"name\": \"nonexistent\", \"arguments\": {}}\n```"

	_, err := f.Parse(text, nil)
	fe, ok := functioncall.AsFunctionCallError(err)
	require.True(t, ok)
	require.Equal(t, functioncall.KindUnknownFunction, fe.Kind)
}

func TestParseInvalidArguments(t *testing.T) {
	f := functioncall.NewFormatter([]functioncall.Spec{weatherSpec()})
	text := "```function_call\n{\"name\": \"get_weather\", \"arguments\": {}}\n```"

	_, err := f.Parse(text, nil)
	fe, ok := functioncall.AsFunctionCallError(err)
	require.True(t, ok)
	require.Equal(t, functioncall.KindInvalidArguments, fe.Kind)
	require.NotEmpty(t, fe.Path)
}

func TestParseMalformedJSON(t *testing.T) {
	f := functioncall.NewFormatter([]functioncall.Spec{weatherSpec()})
	text := "```function_call\n{not json}\n```"

	_, err := f.Parse(text, nil)
	fe, ok := functioncall.AsFunctionCallError(err)
	require.True(t, ok)
	require.Equal(t, functioncall.KindParseError, fe.Kind)
}

func TestFormatRenderParseRoundTrip(t *testing.T) {
	spec := weatherSpec()
	f := functioncall.NewFormatter([]functioncall.Spec{spec})
	rendered := f.Render()
	require.Contains(t, rendered, spec.Name)
	require.Contains(t, rendered, spec.Description)

	call := functioncall.Call{Name: "get_weather", Arguments: map[string]any{"city": "Tokyo"}}
	block := "```function_call\n{\"name\": \"get_weather\", \"arguments\": {\"city\": \"Tokyo\"}}\n```"
	calls, err := f.Parse(block, nil)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, call.Name, calls[0].Name)
	require.Equal(t, call.Arguments["city"], calls[0].Arguments["city"])
}

func TestRenderEmptyWhenNoFunctions(t *testing.T) {
	f := functioncall.NewFormatter(nil)
	require.Empty(t, f.Render())
}
