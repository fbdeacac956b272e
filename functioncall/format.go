package functioncall

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Formatter renders a Spec set to a system-prompt appendix and parses
// completions back into Calls, validating arguments against each Spec's
// JSON schema.
type Formatter struct {
	specs map[string]Spec
	order []string
}

// NewFormatter builds a Formatter over the given specs. Later specs with a
// duplicate name overwrite earlier ones.
func NewFormatter(specs []Spec) *Formatter {
	f := &Formatter{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if _, exists := f.specs[s.Name]; !exists {
			f.order = append(f.order, s.Name)
		}
		f.specs[s.Name] = s
	}
	return f
}

// Render produces the forward rendering: a system-prompt appendix naming
// each function, its description, and its parameter schema, plus the wire
// instructions for how to call one. Returns "" when there are no functions.
func (f *Formatter) Render() string {
	if len(f.order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You may call the following functions. To call one, emit a fenced block:\n")
	b.WriteString("```function_call\n{\"name\": \"<fn>\", \"arguments\": { ... }}\n```\n\n")
	b.WriteString("Available functions:\n")
	for _, name := range f.order {
		s := f.specs[name]
		b.WriteString(fmt.Sprintf("- %s: %s\n", s.Name, s.Description))
		if len(s.Parameters) > 0 {
			schema, err := json.Marshal(s.Parameters)
			if err == nil {
				b.WriteString("  parameters: ")
				b.Write(schema)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
