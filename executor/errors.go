package executor

// Error codes surfaced on run.LastError.Code, per SPEC_FULL.md §7.
const (
	CodeProviderRateLimit = "provider_rate_limit"
	CodeProviderAuth      = "provider_auth"
	CodeProviderInvalid   = "provider_invalid"
	CodeToolParseError    = "tool_parse_error"
	CodeToolUnknownFunc   = "tool_unknown_function"
	CodeToolInvalidArgs   = "tool_invalid_arguments"
	CodeToolLoopExhausted = "tool_loop_exhausted"
	CodeSandboxTimeout    = "sandbox_timeout"
	CodeStoreConflict     = "store_conflict"
	CodeExpired           = "expired"
	CodeInternal          = "internal"
)

// MaxToolLoopIterations bounds the internal (code/retrieval) tool-dispatch
// cycle per run, per spec §4.8 step 6 and §7's tool_loop_exhausted code.
const MaxToolLoopIterations = 10
