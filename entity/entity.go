// Package entity declares the logical data model of the execution engine —
// Assistant, Thread, Message, Run, RunStep, ToolCall, FunctionDef, File, and
// Chunk — and the Store contract every backend (in-memory, Postgres) must
// satisfy. Types here are persistence-agnostic; JSON tags exist because both
// backends serialize the variant-shaped fields (Message.Content, Run.Tools,
// RunStep.Payload) as JSON columns/values.
package entity

import "time"

type (
	// Metadata is the free-form string-to-string bag every top-level entity
	// carries.
	Metadata map[string]string

	// ToolSpecKind tags the variant of a ToolSpec.
	ToolSpecKind string

	// ToolSpec is one entry of an Assistant's tool list. Exactly the fields
	// matching Kind are meaningful; the others are zero.
	ToolSpec struct {
		Kind     ToolSpecKind `json:"kind"`
		Function *FunctionDef `json:"function,omitempty"`
	}

	// FunctionDef is a function tool's schema, as declared by an Assistant
	// and rendered to the LLM by the functioncall package.
	FunctionDef struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}

	// Assistant is a reusable LLM configuration.
	Assistant struct {
		ID           string     `json:"id"`
		OwnerUserID  string     `json:"owner_user_id"`
		Model        string     `json:"model"`
		Name         string     `json:"name,omitempty"`
		Description  string     `json:"description,omitempty"`
		Instructions string     `json:"instructions,omitempty"`
		Tools        []ToolSpec `json:"tools,omitempty"`
		FileIDs      []string   `json:"file_ids,omitempty"`
		CreatedAt    time.Time  `json:"created_at"`
		Metadata     Metadata   `json:"metadata,omitempty"`
	}

	// Thread is a conversation container scoped to one user.
	Thread struct {
		ID        string    `json:"id"`
		UserID    string    `json:"user_id"`
		CreatedAt time.Time `json:"created_at"`
		FileIDs   []string  `json:"file_ids,omitempty"`
		Metadata  Metadata  `json:"metadata,omitempty"`
	}

	// MessageRole tags the speaker of a Message.
	MessageRole string

	// ContentPartKind tags the variant of a ContentPart.
	ContentPartKind string

	// Annotation marks a sub-range of a text part (e.g. a citation produced
	// by retrieval). The engine does not interpret annotations itself; it
	// carries them through for the HTTP surface to render.
	Annotation struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		Start int    `json:"start"`
		End   int    `json:"end"`
	}

	// ContentPart is one element of a Message's heterogeneous content
	// sequence: either Text (with optional Annotations) or a FileID
	// reference.
	ContentPart struct {
		Kind        ContentPartKind `json:"kind"`
		Text        string          `json:"text,omitempty"`
		Annotations []Annotation    `json:"annotations,omitempty"`
		FileID      string          `json:"file_id,omitempty"`
	}

	// Message is one turn in a thread.
	Message struct {
		ID        string        `json:"id"`
		ThreadID  string        `json:"thread_id"`
		CreatedAt time.Time     `json:"created_at"`
		Role      MessageRole   `json:"role"`
		Content   []ContentPart `json:"content"`
		AssistantID string      `json:"assistant_id,omitempty"`
		RunID       string      `json:"run_id,omitempty"`
		FileIDs     []string    `json:"file_ids,omitempty"`
		Metadata    Metadata    `json:"metadata,omitempty"`
		UserID      string      `json:"user_id"`
	}

	// RunStatus is the run's position in the state graph of spec §4.8.
	RunStatus string

	// RequiredActionKind tags the variant of a RequiredAction. Only
	// "submit_tool_outputs" exists today but the field is kept tagged for
	// forward compatibility with future suspension reasons.
	RequiredActionKind string

	// RequiredAction describes why a run is suspended in requires_action.
	RequiredAction struct {
		Kind      RequiredActionKind `json:"kind"`
		ToolCalls []ToolCall         `json:"tool_calls"`
	}

	// LastError is the structured failure recorded on a terminal or
	// requires_action-adjacent run.
	LastError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// Run is one invocation of an assistant against a thread.
	Run struct {
		ID          string     `json:"id"`
		ThreadID    string     `json:"thread_id"`
		AssistantID string     `json:"assistant_id"`
		UserID      string     `json:"user_id"`
		CreatedAt   time.Time  `json:"created_at"`
		Status      RunStatus  `json:"status"`

		RequiredAction *RequiredAction `json:"required_action,omitempty"`
		LastError      *LastError      `json:"last_error,omitempty"`

		ExpiresAt   time.Time  `json:"expires_at"`
		StartedAt   *time.Time `json:"started_at,omitempty"`
		CancelledAt *time.Time `json:"cancelled_at,omitempty"`
		FailedAt    *time.Time `json:"failed_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`

		// Snapshotted from the Assistant at enqueue time (§4.9 "Assistant
		// snapshotting") so later assistant edits never retroactively alter
		// a run already in flight.
		Model        string     `json:"model"`
		Instructions string     `json:"instructions"`
		Tools        []ToolSpec `json:"tools"`
		FileIDs      []string   `json:"file_ids"`

		Metadata Metadata `json:"metadata,omitempty"`
	}

	// RunStepType tags the variant of a RunStep's payload.
	RunStepType string

	// RunStep is an auditable sub-event of a run.
	RunStep struct {
		ID        string      `json:"id"`
		RunID     string      `json:"run_id"`
		Type      RunStepType `json:"type"`
		CreatedAt time.Time   `json:"created_at"`

		// MessageID is set when Type == RunStepMessageCreation.
		MessageID string `json:"message_id,omitempty"`
		// ToolCalls is set when Type == RunStepToolCalls.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}

	// ToolCallType tags the variant of a ToolCall.
	ToolCallType string

	// ToolCall is an LLM-originated request surfaced during a run.
	ToolCall struct {
		ID    string       `json:"id"`
		RunID string       `json:"run_id"`
		Type  ToolCallType `json:"type"`

		// Function holds {name, arguments} when Type == ToolCallFunction.
		FunctionName string `json:"function_name,omitempty"`
		FunctionArgs string `json:"function_arguments,omitempty"`

		// CodeInput holds the source snippet when Type == ToolCallCode.
		CodeInput string `json:"code_input,omitempty"`

		// RetrievalQuery holds the query text when Type == ToolCallRetrieval.
		RetrievalQuery string `json:"retrieval_query,omitempty"`

		// Output is set once the call has been resolved, either internally
		// (code/retrieval) or externally via submit_tool_outputs.
		Output   string `json:"output,omitempty"`
		HasOutput bool  `json:"has_output"`
	}

	// FilePurpose tags what an uploaded File is used for.
	FilePurpose string

	// File is an opaque blob with id, size, and purpose metadata. Bytes
	// live in the object store; this record is the entity-store-side index.
	File struct {
		ID           string      `json:"id"`
		OwnerUserID  string      `json:"owner_user_id"`
		Size         int64       `json:"size"`
		Purpose      FilePurpose `json:"purpose"`
		LastModified time.Time   `json:"last_modified"`
	}
)

const (
	ToolSpecRetrieval      ToolSpecKind = "retrieval"
	ToolSpecCodeInterpreter ToolSpecKind = "code_interpreter"
	ToolSpecFunction       ToolSpecKind = "function"

	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"

	ContentText ContentPartKind = "text"
	ContentFile ContentPartKind = "file"

	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunExpired        RunStatus = "expired"

	RequiredActionSubmitToolOutputs RequiredActionKind = "submit_tool_outputs"

	RunStepMessageCreation RunStepType = "message_creation"
	RunStepToolCalls       RunStepType = "tool_calls"

	ToolCallFunction  ToolCallType = "function"
	ToolCallRetrieval ToolCallType = "retrieval"
	ToolCallCode      ToolCallType = "code_interpreter"

	FilePurposeAssistants FilePurpose = "assistants"
	FilePurposeText       FilePurpose = "text"
)

// Terminal reports whether s is one of the run's write-once terminal
// states (spec §3 invariant).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	default:
		return false
	}
}
