// Package executor implements the Executor (component H): the run state
// machine and its main dequeue-drive-persist loop, per SPEC_FULL.md §4.8.
// It is the sole place where errors from the other components (entity,
// llm, functioncall, sandbox, retrieval) map onto run-state transitions.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/runforge/execengine/entity"
	"github.com/runforge/execengine/llm"
	"github.com/runforge/execengine/llm/tokens"
	"github.com/runforge/execengine/prompt"
	"github.com/runforge/execengine/queue"
	"github.com/runforge/execengine/retrieval"
	"github.com/runforge/execengine/sandbox"
	"github.com/runforge/execengine/telemetry"

	"github.com/google/uuid"
)

// Deps bundles every collaborator the executor depends on (spec §6's
// "Collaborator interfaces the core consumes", plus the Prompt Assembler
// and Function-Call Formatter it owns directly).
type Deps struct {
	Store     entity.Store
	Queue     queue.Queue
	LLM       llm.Client
	Retrieval retrieval.Index
	Sandbox   sandbox.Runner
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Tracer    telemetry.Tracer
}

// Worker drives runs popped from Deps.Queue through the state machine of
// spec §4.8 until they reach a terminal state or requires_action.
type Worker struct {
	deps Deps

	popTimeout     time.Duration
	concurrency    int
	sandboxTimeout time.Duration
	now            func() time.Time
}

// Option configures a Worker constructed by NewWorker.
type Option func(*Worker)

// WithPopTimeout overrides the BlockingPop wait per idle iteration.
func WithPopTimeout(d time.Duration) Option { return func(w *Worker) { w.popTimeout = d } }

// WithConcurrency overrides the per-process simultaneous-run cap (spec §5
// "A per-executor concurrency cap (default 8 simultaneous runs)").
func WithConcurrency(n int) Option { return func(w *Worker) { w.concurrency = n } }

// WithSandboxTimeout overrides the wall-clock budget for each
// code_interpreter dispatch (spec §5: 30 seconds).
func WithSandboxTimeout(d time.Duration) Option { return func(w *Worker) { w.sandboxTimeout = d } }

// withClock overrides the time source; tests use this to simulate expiry
// deterministically.
func withClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// NewWorker builds a Worker over deps. Missing Logger/Metrics/Tracer default
// to no-ops so callers may omit telemetry in tests.
func NewWorker(deps Deps, opts ...Option) *Worker {
	if deps.Logger == nil {
		deps.Logger = telemetry.NoopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoopMetrics{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NoopTracer{}
	}
	w := &Worker{
		deps:           deps,
		popTimeout:     2 * time.Second,
		concurrency:    8,
		sandboxTimeout: 30 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run pops run ids from the queue until ctx is cancelled, dispatching each
// to driveRun on a bounded worker pool (spec §5's concurrency cap). It
// returns ctx.Err() once every in-flight run has finished (graceful
// shutdown: drains in-flight claims before exit).
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		id, err := w.deps.Queue.BlockingPop(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			w.deps.Logger.Error(ctx, "queue blocking pop failed", "error", err)
			continue
		}
		if id == "" {
			continue // idle timeout, not a failure
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			defer func() { <-sem }()
			// A panicking iteration must not poison the queue (spec §7):
			// recover, log, and let the claimed run fall back to expiry.
			defer func() {
				if r := recover(); r != nil {
					w.deps.Logger.Error(ctx, "executor iteration panicked", "run_id", runID, "panic", r)
				}
			}()
			w.processRun(ctx, runID)
		}(id)
	}
}

// processRun claims runID and, if successful, drives it. A claim miss
// (already claimed, cancelled, or expired by another path) is a silent
// skip, per spec §4.8 step 1.
func (w *Worker) processRun(ctx context.Context, runID string) {
	run, err := w.deps.Store.ClaimQueuedRun(ctx, runID)
	if errors.Is(err, entity.ErrNotFound) {
		w.deps.Logger.Debug(ctx, "run not claimable, skipping", "run_id", runID)
		return
	}
	if err != nil {
		w.deps.Logger.Error(ctx, "claim failed", "run_id", runID, "error", err)
		return
	}
	w.deps.Metrics.IncCounter("executor.run.claimed", 1)
	w.drive(ctx, run)
}

// drive runs the per-claim loop of spec §4.8 steps 2-7: expiry/cancellation
// checks, prompt assembly, the LLM call with retry, tool-call parsing, and
// dispatch, looping internally (without changing run state) until either a
// terminal transition or a requires_action suspension occurs.
func (w *Worker) drive(ctx context.Context, run entity.Run) {
	baseMessages, chunkTexts, err := w.assembleBase(ctx, run)
	if err != nil {
		w.fail(ctx, run, CodeInternal, fmt.Sprintf("prompt assembly: %s", err))
		return
	}
	formatter := buildFormatter(run.Tools)
	catalog := formatter.Render()
	toolDefs := buildToolDefinitions(run.Tools)

	systemPrompt := prompt.Assemble(prompt.Input{
		AssistantInstructions: run.Instructions,
		FunctionCatalog:       catalog,
		Chunks:                chunkTexts,
		Messages:              baseMessages,
	})

	priorOutputs, err := w.loadPriorFunctionOutputs(ctx, run.ID)
	if err != nil {
		w.deps.Logger.Warn(ctx, "could not load prior tool outputs for idempotency", "run_id", run.ID, "error", err)
		priorOutputs = map[string]string{}
	}

	var extra []*llm.Message

	for iteration := 0; ; iteration++ {
		if !w.now().Before(run.ExpiresAt) {
			w.expire(ctx, run)
			return
		}
		if w.observedCancelling(ctx, run) {
			w.cancel(ctx, run)
			return
		}
		if iteration >= MaxToolLoopIterations {
			w.fail(ctx, run, CodeToolLoopExhausted, "tool dispatch cycle exceeded the maximum number of iterations")
			return
		}

		messages := make([]*llm.Message, 0, len(systemPrompt)+len(extra))
		messages = append(messages, systemPrompt...)
		messages = append(messages, extra...)

		req := llm.Request{
			Model:       run.Model,
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   -1,
			ContextSize: llm.DefaultContextSize,
		}
		req.MaxTokens = tokens.AutoBudget(req, 256)

		resp, err := w.completeWithRetry(ctx, req)
		if err != nil {
			w.failFromLLMError(ctx, run, err)
			return
		}

		// The LLM call was the one suspension point this iteration had no
		// cancellation check around; re-observe before writing anything.
		if w.observedCancelling(ctx, run) {
			w.cancel(ctx, run)
			return
		}

		calls, err := formatter.Parse(responseText(resp), resp.ToolCalls)
		if err != nil {
			w.failFromFunctionCallError(ctx, run, err)
			return
		}

		if len(calls) == 0 {
			w.complete(ctx, run, responseText(resp))
			return
		}

		results, pending, done := w.dispatchCalls(ctx, run, calls, priorOutputs)
		if done {
			return
		}

		if len(pending) > 0 {
			w.suspendForToolOutputs(ctx, run, pending)
			return
		}

		extra = append(extra,
			&llm.Message{Role: llm.RoleAssistant, Parts: toolUseParts(resp.ToolCalls).asParts()},
			&llm.Message{Role: llm.RoleUser, Parts: results},
		)
	}
}

// assembleBase loads the thread's messages in canonical order and, when the
// assistant declares retrieval and either the thread or the run has file
// ids, the top-K retrieved chunks for the last user message, queried over
// the union of the thread's and the run's file ids, per spec §4.8 step 3.
func (w *Worker) assembleBase(ctx context.Context, run entity.Run) ([]entity.Message, []string, error) {
	messages, err := w.deps.Store.ListMessages(ctx, run.UserID, run.ThreadID)
	if err != nil {
		return nil, nil, err
	}

	if !hasToolKind(run.Tools, entity.ToolSpecRetrieval) {
		return messages, nil, nil
	}

	thread, err := w.deps.Store.GetThread(ctx, run.UserID, run.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	fileIDs := unionFileIDs(thread.FileIDs, run.FileIDs)
	if len(fileIDs) == 0 {
		return messages, nil, nil
	}

	question := lastUserText(messages)
	if question == "" {
		return messages, nil, nil
	}
	result, err := w.deps.Retrieval.Query(ctx, question, fileIDs, retrieval.DefaultTopK)
	if err != nil {
		w.deps.Logger.Warn(ctx, "retrieval query failed, continuing without context", "run_id", run.ID, "error", err)
		return messages, nil, nil
	}
	texts := make([]string, 0, len(result.Chunks))
	for _, c := range result.Chunks {
		texts = append(texts, c.Text)
	}
	return messages, texts, nil
}

// unionFileIDs merges two file-id sets, deduplicating while preserving the
// first-seen order (thread ids before run ids).
func unionFileIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func hasToolKind(tools []entity.ToolSpec, kind entity.ToolSpecKind) bool {
	for _, t := range tools {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

func lastUserText(messages []entity.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != entity.RoleUser {
			continue
		}
		var parts []string
		for _, c := range messages[i].Content {
			if c.Kind == entity.ContentText {
				parts = append(parts, c.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func responseText(resp llm.Response) string {
	var b strings.Builder
	for _, p := range resp.Parts {
		if t, ok := p.(llm.TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

type toolUseParts []llm.ToolUsePart

func (t toolUseParts) asParts() []llm.Part {
	out := make([]llm.Part, len(t))
	for i, p := range t {
		out[i] = p
	}
	return out
}

func newToolCallID() string { return "call_" + uuid.NewString() }

// loadPriorFunctionOutputs scans the run's audit log for function tool
// calls that already carry an output, keyed by call signature, so a repeat
// function call within the same run reuses the prior result instead of
// re-suspending the run (SPEC_FULL.md's "idempotent function-call
// dispatch" supplemented feature).
func (w *Worker) loadPriorFunctionOutputs(ctx context.Context, runID string) (map[string]string, error) {
	out := map[string]string{}
	cursor := ""
	for {
		steps, next, err := w.deps.Store.ListRunSteps(ctx, runID, cursor, 100)
		if err != nil {
			return nil, err
		}
		for _, st := range steps {
			if st.Type != entity.RunStepToolCalls {
				continue
			}
			for _, tc := range st.ToolCalls {
				if tc.Type != entity.ToolCallFunction {
					continue
				}
				if !tc.HasOutput {
					// Outputs submitted through submit_tool_outputs land on the
					// tool-call index (PutToolCallOutput), not on this run-step copy.
					if cur, err := w.deps.Store.GetToolCalls(ctx, runID, []string{tc.ID}); err == nil && len(cur) == 1 {
						tc = cur[0]
					}
				}
				if !tc.HasOutput {
					continue
				}
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.FunctionArgs), &args)
				out[callSignature(tc.FunctionName, args)] = tc.Output
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}
