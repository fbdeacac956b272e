package llm

import "strings"

// FlattenTranscript renders messages as a single Human:/Assistant: transcript,
// the shape Claude-prefixed models expect per the engine's provider dispatch
// rule. System messages are emitted as a leading unlabeled block; tool
// results are folded into the Human: turn that follows them, since the
// transcript format has no separate tool-result lane.
func FlattenTranscript(messages []*Message) string {
	var b strings.Builder
	for _, m := range messages {
		text := renderParts(m.Parts)
		if text == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			b.WriteString(text)
			b.WriteString("\n\n")
		case RoleUser:
			b.WriteString("Human: ")
			b.WriteString(text)
			b.WriteString("\n\n")
		case RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}

func renderParts(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			b.WriteString(v.Text)
		case ToolUsePart:
			b.WriteString("[called ")
			b.WriteString(v.Name)
			b.WriteString("]")
		case ToolResultPart:
			if s, ok := v.Content.(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}
