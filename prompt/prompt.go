// Package prompt implements the Prompt Assembler (component I): a
// deterministic function of (assistant, run, thread messages, retrieved
// chunks, tool catalog) to an ordered llm.Message list, per SPEC_FULL.md
// §4.9. Assemble never performs I/O itself — callers gather its inputs
// (loading the thread, querying retrieval) before calling in.
package prompt

import (
	"strings"

	"github.com/runforge/execengine/entity"
	"github.com/runforge/execengine/llm"
)

// Input bundles everything Assemble needs. Chunks and FunctionCatalog are
// optional (both render to "" / are omitted when empty), matching spec
// §4.9's "omit sections that are empty" rule.
type Input struct {
	// AssistantInstructions is the assistant's system prompt.
	AssistantInstructions string
	// RunInstructions is the run's extra instructions (run.Instructions,
	// snapshotted from the assistant at enqueue time plus any caller
	// override).
	RunInstructions string
	// FunctionCatalog is component D's forward rendering of the assistant's
	// function tools, or "" when the assistant declares none.
	FunctionCatalog string
	// Chunks are retrieval's top-K results for the current turn, already
	// in final display order. Nil/empty omits the Context: message.
	Chunks []string
	// Messages is the thread's messages in canonical (insertion) order.
	Messages []entity.Message
}

// Assemble builds the ordered message list per spec §4.9:
//  1. one system message: assistant instructions + run instructions +
//     function catalog, blank-line joined, empty sections omitted;
//  2. one system message labelled "Context:" with the retrieved chunks,
//     newline-joined, omitted if there are no chunks;
//  3. the thread's messages in stored order, each message's content parts
//     flattened into a single string joined by "\n".
//
// Assemble is a pure function: identical Input values produce
// byte-identical output (spec §8's idempotence property).
func Assemble(in Input) []*llm.Message {
	var out []*llm.Message

	if sys := joinNonEmpty("\n\n", in.AssistantInstructions, in.RunInstructions, in.FunctionCatalog); sys != "" {
		out = append(out, &llm.Message{Role: llm.RoleSystem, Parts: []llm.Part{llm.TextPart{Text: sys}}})
	}

	if len(in.Chunks) > 0 {
		ctx := "Context:\n" + strings.Join(in.Chunks, "\n")
		out = append(out, &llm.Message{Role: llm.RoleSystem, Parts: []llm.Part{llm.TextPart{Text: ctx}}})
	}

	for _, m := range in.Messages {
		out = append(out, &llm.Message{
			Role:  mapRole(m.Role),
			Parts: []llm.Part{llm.TextPart{Text: flattenContent(m.Content)}},
		})
	}

	return out
}

func mapRole(r entity.MessageRole) llm.ConversationRole {
	if r == entity.RoleAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}

// flattenContent concatenates a message's text parts, separated by "\n",
// per spec §4.9 step 3. File-reference parts carry no inline text and are
// skipped — the executor is responsible for resolving file ids into
// retrieval context ahead of time.
func flattenContent(parts []entity.ContentPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Kind == entity.ContentText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func joinNonEmpty(sep string, parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, sep)
}
