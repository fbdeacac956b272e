// Package functioncall implements the function-call formatter (component D):
// rendering a function tool-spec set into an LLM-visible schema appendix,
// and parsing an LLM completion back into structured calls. Both the fenced
// ```function_call``` block and a provider-native tool-calls array are
// accepted, per spec §4.4.
package functioncall

import (
	"errors"
	"fmt"
)

// Spec is a single function tool definition, translated 1:1 from
// entity.FunctionDef.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Call is one parsed, structured function invocation.
type Call struct {
	ID        string // provider-native tool-call id, empty for fenced-block calls
	Name      string
	Arguments map[string]any
}

// ErrorKind tags the variant of an Error, mapped by the executor
// onto run.LastError.Code per spec §7.
type ErrorKind string

const (
	KindUnknownFunction  ErrorKind = "tool_unknown_function"
	KindInvalidArguments ErrorKind = "tool_invalid_arguments"
	KindParseError       ErrorKind = "tool_parse_error"
)

// Error is a structured function-call dispatch failure.
type Error struct {
	Kind ErrorKind
	// Path is the JSON-schema validator's failing path, set only for
	// KindInvalidArguments.
	Path    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsFunctionCallError unwraps err looking for a *Error.
func AsFunctionCallError(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
