// Package sandbox declares the code-execution contract (component E):
// running an untrusted snippet in an isolated environment and capturing its
// output. A single execution must never observe or modify another
// execution's filesystem or network state (spec §4.5).
package sandbox

import (
	"context"
	"time"
)

// Result is the outcome of one Execute call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner is the sandbox contract.
type Runner interface {
	// Execute runs source in the given language with the given wall-clock
	// timeout. On timeout, Execute returns a Result{Stderr: "timeout",
	// ExitCode: -1} and a nil error — per spec §4.5 this is not itself a
	// run failure; the LLM sees the output and may retry.
	Execute(ctx context.Context, language, source string, timeout time.Duration) (Result, error)
}

// TimeoutResult is the sentinel output produced when a sandbox execution
// exceeds its wall-clock timeout.
var TimeoutResult = Result{Stderr: "timeout", ExitCode: -1}
