// Package tokens approximates token counts for budgeting purposes. No BPE
// tokenizer library appears anywhere in the grounding corpus, so this is a
// whitespace/punctuation heuristic rather than a real byte-pair encoder; see
// DESIGN.md for why the standard library stands in here.
package tokens

import (
	"unicode"

	"github.com/runforge/execengine/llm"
)

// EstimateString approximates the token count of s by counting
// whitespace-delimited words and standalone punctuation runs, which tracks
// common BPE tokenizers' behavior closely enough for budget decisions
// without requiring an exact model-specific vocabulary.
func EstimateString(s string) int {
	if s == "" {
		return 0
	}
	count := 0
	inWord := false
	inPunct := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			inWord, inPunct = false, false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				count++
			}
			inWord, inPunct = true, false
		default:
			if !inPunct {
				count++
			}
			inWord, inPunct = false, true
		}
	}
	return count
}

// EstimateMessages sums EstimateString over every text and string
// tool-result part in messages.
func EstimateMessages(messages []*llm.Message) int {
	total := 0
	for _, m := range messages {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch v := p.(type) {
			case llm.TextPart:
				total += EstimateString(v.Text)
			case llm.ToolResultPart:
				if s, ok := v.Content.(string); ok {
					total += EstimateString(s)
				}
			}
		}
	}
	return total
}

// AutoBudget resolves Request.MaxTokens == -1 into a concrete completion
// budget: the remainder of ContextSize after subtracting the estimated
// prompt size, floored at minCompletion.
func AutoBudget(req llm.Request, minCompletion int) int {
	if req.MaxTokens != -1 {
		return req.MaxTokens
	}
	contextSize := req.ContextSize
	if contextSize <= 0 {
		contextSize = llm.DefaultContextSize
	}
	remaining := contextSize - EstimateMessages(req.Messages)
	if remaining < minCompletion {
		return minCompletion
	}
	return remaining
}
