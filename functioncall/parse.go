package functioncall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/runforge/execengine/llm"
)

var fencedBlockRE = regexp.MustCompile("(?s)```function_call\\s*\\n(.*?)\\n?```")

// rawCall is the wire shape of a fenced function_call block.
type rawCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Parse extracts zero or more Calls from a completion. text is the model's
// raw text (searched for fenced blocks); nativeCalls carries any
// provider-native tool-calls array the adapter already decoded. Each
// extracted call's arguments are validated against the matching Spec's JSON
// schema; the first failure aborts parsing with a *Error.
func (f *Formatter) Parse(text string, nativeCalls []llm.ToolUsePart) ([]Call, error) {
	var calls []Call

	for _, m := range fencedBlockRE.FindAllStringSubmatch(text, -1) {
		var raw rawCall
		if err := json.Unmarshal([]byte(m[1]), &raw); err != nil {
			return nil, &Error{Kind: KindParseError, Message: err.Error(), Cause: err}
		}
		c := Call{Name: raw.Name, Arguments: raw.Arguments}
		if err := f.validate(c); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}

	for _, nc := range nativeCalls {
		c := Call{ID: nc.ID, Name: nc.Name, Arguments: nc.Input}
		if err := f.validate(c); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}

	return calls, nil
}

func (f *Formatter) validate(c Call) error {
	spec, ok := f.specs[c.Name]
	if !ok {
		return &Error{Kind: KindUnknownFunction, Message: fmt.Sprintf("no such function %q", c.Name)}
	}
	if len(spec.Parameters) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	const resourceURL = "function_call_schema.json"
	if err := compiler.AddResource(resourceURL, spec.Parameters); err != nil {
		return &Error{Kind: KindInvalidArguments, Message: fmt.Sprintf("bad schema for %q: %s", c.Name, err)}
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return &Error{Kind: KindInvalidArguments, Message: fmt.Sprintf("bad schema for %q: %s", c.Name, err)}
	}
	args := map[string]any(c.Arguments)
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(args); err != nil {
		path := validationPath(err)
		return &Error{Kind: KindInvalidArguments, Path: path, Message: err.Error(), Cause: err}
	}
	return nil
}

func validationPath(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok || ve == nil {
		return ""
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if len(loc) == 0 {
		return "/"
	}
	return "/" + strings.Join(loc, "/")
}
