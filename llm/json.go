package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes a Message while preserving the concrete Part types
// stored in Parts via an explicit Kind discriminator, grounded on the same
// pattern used for the richer provider-neutral Part set this package trims
// down from.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role  ConversationRole `json:"Role"`
		Parts []any            `json:"Parts"`
	}
	if len(m.Parts) == 0 {
		return json.Marshal(alias{Role: m.Role})
	}
	parts := make([]any, 0, len(m.Parts))
	for i, p := range m.Parts {
		enc, err := encodePart(p)
		if err != nil {
			return nil, fmt.Errorf("encode parts[%d]: %w", i, err)
		}
		parts = append(parts, enc)
	}
	return json.Marshal(alias{Role: m.Role, Parts: parts})
}

// UnmarshalJSON decodes a Message while materializing concrete Part
// implementations stored in the Parts slice.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  ConversationRole  `json:"Role"`
		Parts []json.RawMessage `json:"Parts"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := decodePart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

func encodePart(p Part) (any, error) {
	switch v := p.(type) {
	case TextPart:
		return struct {
			Kind string `json:"Kind"`
			TextPart
		}{Kind: "text", TextPart: v}, nil
	case ToolUsePart:
		return struct {
			Kind string `json:"Kind"`
			ToolUsePart
		}{Kind: "tool_use", ToolUsePart: v}, nil
	case ToolResultPart:
		return struct {
			Kind string `json:"Kind"`
			ToolResultPart
		}{Kind: "tool_result", ToolResultPart: v}, nil
	default:
		return nil, fmt.Errorf("llm: unknown part type %T", p)
	}
}

func decodePart(raw json.RawMessage) (Part, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("llm: decode part object: %w", err)
	}
	kindRaw, ok := obj["Kind"]
	if !ok {
		return nil, errors.New("llm: part missing Kind discriminator")
	}
	var kind string
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, fmt.Errorf("llm: decode Kind: %w", err)
	}
	switch kind {
	case "text":
		var text TextPart
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("llm: decode TextPart: %w", err)
		}
		return text, nil
	case "tool_use":
		var use ToolUsePart
		if err := json.Unmarshal(raw, &use); err != nil {
			return nil, fmt.Errorf("llm: decode ToolUsePart: %w", err)
		}
		return use, nil
	case "tool_result":
		var result ToolResultPart
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("llm: decode ToolResultPart: %w", err)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("llm: unknown part kind %q", kind)
	}
}
