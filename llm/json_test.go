package llm_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/llm"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := llm.Message{
		Role: llm.RoleAssistant,
		Parts: []llm.Part{
			llm.TextPart{Text: "hello"},
			llm.ToolUsePart{ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "Tokyo"}},
			llm.ToolResultPart{ToolUseID: "call_1", Content: "sunny", IsError: false},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded llm.Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, msg.Role, decoded.Role)
	require.Len(t, decoded.Parts, 3)
	require.Equal(t, llm.TextPart{Text: "hello"}, decoded.Parts[0])
	require.Equal(t, llm.ToolUsePart{ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "Tokyo"}}, decoded.Parts[1])
	require.Equal(t, llm.ToolResultPart{ToolUseID: "call_1", Content: "sunny"}, decoded.Parts[2])
}

func TestMessageJSONEmptyParts(t *testing.T) {
	msg := llm.Message{Role: llm.RoleUser}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded llm.Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Nil(t, decoded.Parts)
}

func TestDecodePartUnknownKind(t *testing.T) {
	var msg llm.Message
	err := json.Unmarshal([]byte(`{"Role":"user","Parts":[{"Kind":"mystery"}]}`), &msg)
	require.Error(t, err)
}

func TestDecodePartMissingKind(t *testing.T) {
	var msg llm.Message
	err := json.Unmarshal([]byte(`{"Role":"user","Parts":[{"Text":"hi"}]}`), &msg)
	require.Error(t, err)
}
