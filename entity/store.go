package entity

import (
	"context"
	"time"
)

// RunPatch carries the fields TransitionRun may update alongside the status
// change. A nil field is left untouched, except RequiredAction: it is
// cleared on every transition whose target is not requires_action. The
// timestamps are write-once in practice since the statuses they correspond
// to are terminal or set once.
type RunPatch struct {
	RequiredAction *RequiredAction
	LastError      *LastError
	StartedAt      *time.Time
	CancelledAt    *time.Time
	FailedAt       *time.Time
	CompletedAt    *time.Time
}

// Store is the entity-store contract (component A). All reads are scoped by
// UserID to prevent cross-tenant leakage, per spec §4.1.
type Store interface {
	CreateAssistant(ctx context.Context, a Assistant) (Assistant, error)
	GetAssistant(ctx context.Context, userID, id string) (Assistant, error)
	UpdateAssistant(ctx context.Context, a Assistant) (Assistant, error)
	DeleteAssistant(ctx context.Context, userID, id string) error
	ListAssistants(ctx context.Context, userID string) ([]Assistant, error)

	CreateThread(ctx context.Context, t Thread) (Thread, error)
	GetThread(ctx context.Context, userID, id string) (Thread, error)
	// DeleteThread removes the thread and cascades to its messages and runs
	// (spec §9 "cascade" resolution of the delete_run open question).
	DeleteThread(ctx context.Context, userID, id string) error

	CreateMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, userID, threadID, id string) (Message, error)
	// ListMessages returns a thread's messages in canonical (insertion)
	// order: created_at ascending, id ascending as a tiebreaker.
	ListMessages(ctx context.Context, userID, threadID string) ([]Message, error)
	UpdateMessageMetadata(ctx context.Context, userID, threadID, id string, md Metadata) (Message, error)

	CreateRun(ctx context.Context, r Run) (Run, error)
	GetRun(ctx context.Context, userID, threadID, id string) (Run, error)
	// LatestNonTerminalRun returns the most recently created non-terminal
	// run for a thread, if any, enforcing the per-thread serialization
	// invariant (spec §3, §4.8, §9).
	LatestNonTerminalRun(ctx context.Context, userID, threadID string) (Run, bool, error)

	// ClaimQueuedRun atomically transitions a run into "in_progress" from
	// either "queued" (first dequeue) or "requires_action" (the queue
	// payload pushed by submit_tool_outputs, per spec §4.8's
	// requires_action --submit--> in_progress edge), stamping StartedAt on
	// first claim only, and returns the claimed row. It returns
	// ErrNotFound (not ErrConflict) when the run is in neither state — the
	// caller treats this as "someone else already claimed it, or it was
	// cancelled/expired" and simply skips the iteration.
	ClaimQueuedRun(ctx context.Context, id string) (Run, error)

	// TransitionRun performs a conditional update guarding the current
	// status. It returns ErrConflict if the row's status is not `from`.
	TransitionRun(ctx context.Context, id string, from, to RunStatus, patch RunPatch) (Run, error)

	AppendRunStep(ctx context.Context, s RunStep) (RunStep, error)
	ListRunSteps(ctx context.Context, runID, cursor string, limit int) (steps []RunStep, nextCursor string, err error)

	PutToolCallOutput(ctx context.Context, runID, toolCallID, output string) error
	GetToolCalls(ctx context.Context, runID string, ids []string) ([]ToolCall, error)

	CreateFile(ctx context.Context, f File) (File, error)
	GetFile(ctx context.Context, ownerUserID, id string) (File, error)
	DeleteFile(ctx context.Context, ownerUserID, id string) error
	ListFiles(ctx context.Context, ownerUserID string) ([]File, error)
}
