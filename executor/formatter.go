package executor

import (
	"encoding/json"
	"sort"

	"github.com/runforge/execengine/entity"
	"github.com/runforge/execengine/functioncall"
	"github.com/runforge/execengine/llm"
)

// Builtin tool names. A parsed functioncall.Call with one of these names
// is dispatched synchronously by the executor (component E or C); any
// other name is an external function call requiring API-submitted output.
const (
	toolCodeInterpreter = "code_interpreter"
	toolRetrieval       = "retrieval"
)

var codeInterpreterSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"language": map[string]any{"type": "string"},
		"source":   map[string]any{"type": "string"},
	},
	"required": []any{"source"},
}

var retrievalSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{"type": "string"},
	},
	"required": []any{"query"},
}

// buildFormatter translates a run's snapshotted tool specs into a
// functioncall.Formatter, adding builtin specs for any declared
// code_interpreter/retrieval tools so the formatter's single parse+validate
// pipeline (component D) covers all three ToolCall types uniformly.
func buildFormatter(tools []entity.ToolSpec) *functioncall.Formatter {
	var specs []functioncall.Spec
	for _, t := range tools {
		switch t.Kind {
		case entity.ToolSpecFunction:
			if t.Function != nil {
				specs = append(specs, functioncall.Spec{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					Parameters:  t.Function.Parameters,
				})
			}
		case entity.ToolSpecCodeInterpreter:
			specs = append(specs, functioncall.Spec{
				Name:        toolCodeInterpreter,
				Description: "Execute a code snippet in a sandboxed interpreter.",
				Parameters:  codeInterpreterSchema,
			})
		case entity.ToolSpecRetrieval:
			specs = append(specs, functioncall.Spec{
				Name:        toolRetrieval,
				Description: "Search uploaded files for context relevant to a query.",
				Parameters:  retrievalSchema,
			})
		}
	}
	return functioncall.NewFormatter(specs)
}

// buildToolDefinitions mirrors buildFormatter's spec set as
// llm.ToolDefinitions, so providers with native tool-use support (the
// Anthropic and OpenAI adapters) see the same catalog as the fenced-block
// prompt appendix.
func buildToolDefinitions(tools []entity.ToolSpec) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, t := range tools {
		switch t.Kind {
		case entity.ToolSpecFunction:
			if t.Function != nil {
				defs = append(defs, llm.ToolDefinition{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					InputSchema: t.Function.Parameters,
				})
			}
		case entity.ToolSpecCodeInterpreter:
			defs = append(defs, llm.ToolDefinition{
				Name:        toolCodeInterpreter,
				Description: "Execute a code snippet in a sandboxed interpreter.",
				InputSchema: codeInterpreterSchema,
			})
		case entity.ToolSpecRetrieval:
			defs = append(defs, llm.ToolDefinition{
				Name:        toolRetrieval,
				Description: "Search uploaded files for context relevant to a query.",
				InputSchema: retrievalSchema,
			})
		}
	}
	return defs
}

// callSignature canonicalizes a function call's name+arguments so repeat
// calls within a run can be recognized regardless of key ordering, per
// SPEC_FULL.md's "idempotent function-call dispatch" supplemented feature.
func callSignature(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	data, _ := json.Marshal(struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}{Name: name, Args: ordered})
	return string(data)
}
