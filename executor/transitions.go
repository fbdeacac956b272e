package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runforge/execengine/entity"
	"github.com/runforge/execengine/functioncall"
	"github.com/runforge/execengine/llm"
	"github.com/runforge/execengine/retrieval"
	"github.com/runforge/execengine/sandbox"
	"github.com/runforge/execengine/toolerrors"
)

// dispatchCalls resolves every parsed call against its builtin (internal) or
// function (external) nature. code_interpreter and retrieval calls run
// synchronously and come back as ToolResultParts for the next LLM turn;
// function calls without a prior output become pending and cause the run to
// suspend, per spec §4.8 step 6. All calls, resolved or pending, are
// persisted as a single tool_calls RunStep before this returns.
func (w *Worker) dispatchCalls(ctx context.Context, run entity.Run, calls []functioncall.Call, priorOutputs map[string]string) (results []llm.Part, pending []entity.ToolCall, done bool) {
	var allRecords []entity.ToolCall

	for _, c := range calls {
		switch c.Name {
		case toolCodeInterpreter:
			source, _ := c.Arguments["source"].(string)
			language, _ := c.Arguments["language"].(string)
			if language == "" {
				language = "python"
			}
			res, err := w.deps.Sandbox.Execute(ctx, language, source, w.sandboxTimeout)
			if err != nil {
				w.fail(ctx, run, CodeInternal, toolErrorFor("code_interpreter execution failed", err).Error())
				return nil, nil, true
			}
			output := formatSandboxResult(res)
			allRecords = append(allRecords, entity.ToolCall{
				ID: newToolCallID(), RunID: run.ID, Type: entity.ToolCallCode,
				CodeInput: source, Output: output, HasOutput: true,
			})
			results = append(results, llm.ToolResultPart{ToolUseID: c.ID, Content: output})

		case toolRetrieval:
			query, _ := c.Arguments["query"].(string)
			res, err := w.deps.Retrieval.Query(ctx, query, run.FileIDs, retrieval.DefaultTopK)
			if err != nil {
				w.fail(ctx, run, CodeInternal, toolErrorFor("retrieval query failed", err).Error())
				return nil, nil, true
			}
			output := joinChunks(res.Chunks)
			allRecords = append(allRecords, entity.ToolCall{
				ID: newToolCallID(), RunID: run.ID, Type: entity.ToolCallRetrieval,
				RetrievalQuery: query, Output: output, HasOutput: true,
			})
			results = append(results, llm.ToolResultPart{ToolUseID: c.ID, Content: output})

		default:
			argsJSON, _ := json.Marshal(c.Arguments)
			id := c.ID
			if id == "" {
				id = newToolCallID()
			}
			sig := callSignature(c.Name, c.Arguments)
			if out, ok := priorOutputs[sig]; ok {
				allRecords = append(allRecords, entity.ToolCall{
					ID: id, RunID: run.ID, Type: entity.ToolCallFunction,
					FunctionName: c.Name, FunctionArgs: string(argsJSON),
					Output: out, HasOutput: true,
				})
				results = append(results, llm.ToolResultPart{ToolUseID: c.ID, Content: out})
				continue
			}
			tc := entity.ToolCall{
				ID: id, RunID: run.ID, Type: entity.ToolCallFunction,
				FunctionName: c.Name, FunctionArgs: string(argsJSON),
			}
			allRecords = append(allRecords, tc)
			pending = append(pending, tc)
		}
	}

	if _, err := w.deps.Store.AppendRunStep(ctx, entity.RunStep{RunID: run.ID, Type: entity.RunStepToolCalls, ToolCalls: allRecords}); err != nil {
		w.fail(ctx, run, CodeInternal, fmt.Sprintf("persisting tool call step: %s", err))
		return nil, nil, true
	}

	return results, pending, false
}

func formatSandboxResult(res sandbox.Result) string {
	if res.ExitCode == 0 {
		return res.Stdout
	}
	return fmt.Sprintf("exit %d\nstdout:\n%sstderr:\n%s", res.ExitCode, res.Stdout, res.Stderr)
}

func joinChunks(chunks []retrieval.Chunk) string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, "\n---\n")
}

// toolErrorFor wraps err as a toolerrors.ToolError, preserving cause chains
// across the tool-dispatch boundary per SPEC_FULL.md's "structured tool
// errors" supplemented feature.
func toolErrorFor(message string, cause error) *toolerrors.ToolError {
	return toolerrors.NewWithCause(message, cause)
}

// suspendForToolOutputs records pending as the run's required action and
// transitions in_progress -> requires_action (spec §4.8 step 6, §3's
// required_action/status coupling invariant).
func (w *Worker) suspendForToolOutputs(ctx context.Context, run entity.Run, pending []entity.ToolCall) {
	ra := &entity.RequiredAction{Kind: entity.RequiredActionSubmitToolOutputs, ToolCalls: pending}
	if _, err := w.deps.Store.TransitionRun(ctx, run.ID, entity.RunInProgress, entity.RunRequiresAction, entity.RunPatch{RequiredAction: ra}); err != nil {
		w.deps.Logger.Error(ctx, "transition to requires_action failed", "run_id", run.ID, "error", err)
		return
	}
	w.deps.Metrics.IncCounter("executor.run.requires_action", 1)
}

// complete transitions the run to completed, then persists the assistant's
// final message and its message_creation step. The transition is attempted
// first and guards on InProgress: if the row already moved to cancelling (or
// anything else) since the caller's last observation, the transition is
// rejected and no message is ever written, preserving "no assistant message
// persisted" for a run that was actually cancelled (spec §8 scenario 4).
func (w *Worker) complete(ctx context.Context, run entity.Run, text string) {
	now := w.now().UTC()
	if _, err := w.deps.Store.TransitionRun(ctx, run.ID, entity.RunInProgress, entity.RunCompleted, entity.RunPatch{CompletedAt: &now}); err != nil {
		w.deps.Logger.Error(ctx, "transition to completed failed", "run_id", run.ID, "error", err)
		return
	}

	msg, err := w.deps.Store.CreateMessage(ctx, entity.Message{
		ThreadID:    run.ThreadID,
		UserID:      run.UserID,
		Role:        entity.RoleAssistant,
		Content:     []entity.ContentPart{{Kind: entity.ContentText, Text: text}},
		AssistantID: run.AssistantID,
		RunID:       run.ID,
	})
	if err != nil {
		w.deps.Logger.Error(ctx, "persisting completion message after run completed", "run_id", run.ID, "error", err)
		return
	}
	if _, err := w.deps.Store.AppendRunStep(ctx, entity.RunStep{RunID: run.ID, Type: entity.RunStepMessageCreation, MessageID: msg.ID}); err != nil {
		w.deps.Logger.Error(ctx, "append message_creation step failed", "run_id", run.ID, "error", err)
	}
	w.deps.Metrics.IncCounter("executor.run.completed", 1)
}

// fail transitions the run to failed with a structured LastError.
func (w *Worker) fail(ctx context.Context, run entity.Run, code, message string) {
	now := w.now().UTC()
	if _, err := w.deps.Store.TransitionRun(ctx, run.ID, entity.RunInProgress, entity.RunFailed, entity.RunPatch{
		LastError: &entity.LastError{Code: code, Message: message},
		FailedAt:  &now,
	}); err != nil {
		w.deps.Logger.Error(ctx, "transition to failed failed", "run_id", run.ID, "error", err)
		return
	}
	w.deps.Logger.Warn(ctx, "run failed", "run_id", run.ID, "code", code, "message", message)
	w.deps.Metrics.IncCounter("executor.run.failed", 1)
}

// expire transitions the run to expired once its deadline has passed. There
// is no dedicated ExpiredAt column (spec §4.2's Run shape reuses FailedAt
// for any non-completion terminal timestamp), so this records the deadline
// miss as a LastError with CodeExpired.
func (w *Worker) expire(ctx context.Context, run entity.Run) {
	now := w.now().UTC()
	if _, err := w.deps.Store.TransitionRun(ctx, run.ID, entity.RunInProgress, entity.RunExpired, entity.RunPatch{
		LastError: &entity.LastError{Code: CodeExpired, Message: "run exceeded its expiration deadline"},
		FailedAt:  &now,
	}); err != nil {
		w.deps.Logger.Error(ctx, "transition to expired failed", "run_id", run.ID, "error", err)
		return
	}
	w.deps.Metrics.IncCounter("executor.run.expired", 1)
}

// cancel transitions the run to cancelled once the API-observed cancelling
// flag has been seen (spec §4.8 step 2). The guard is from=Cancelling: by
// the time a caller reaches here, observedCancelling has already re-read the
// row and found it moved out of InProgress into Cancelling.
func (w *Worker) cancel(ctx context.Context, run entity.Run) {
	now := w.now().UTC()
	if _, err := w.deps.Store.TransitionRun(ctx, run.ID, entity.RunCancelling, entity.RunCancelled, entity.RunPatch{CancelledAt: &now}); err != nil {
		w.deps.Logger.Error(ctx, "transition to cancelled failed", "run_id", run.ID, "error", err)
		return
	}
	w.deps.Metrics.IncCounter("executor.run.cancelled", 1)
}

// observedCancelling re-reads the run row to see whether the API marked it
// cancelling since it was claimed. A read error is treated as "not
// cancelling" rather than failing the run outright.
func (w *Worker) observedCancelling(ctx context.Context, run entity.Run) bool {
	current, err := w.deps.Store.GetRun(ctx, run.UserID, run.ThreadID, run.ID)
	if err != nil {
		return false
	}
	return current.Status == entity.RunCancelling
}

// completeWithRetry calls the LLM client, retrying rate-limit/overload
// errors with full-jitter exponential backoff (spec §4.8 step 4).
func (w *Worker) completeWithRetry(ctx context.Context, req llm.Request) (llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt < backoffAttempts; attempt++ {
		resp, err := w.deps.LLM.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retryable := errors.Is(err, llm.ErrRateLimited)
		if pe, ok := llm.AsProviderError(err); ok {
			retryable = pe.Kind() == llm.KindRateLimit || pe.Kind() == llm.KindOverloaded
		}
		if !retryable || attempt == backoffAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}
	}
	return llm.Response{}, lastErr
}

// failFromLLMError maps a provider error onto a run.LastError.Code, per
// spec §7's error table.
func (w *Worker) failFromLLMError(ctx context.Context, run entity.Run, err error) {
	code := CodeInternal
	if pe, ok := llm.AsProviderError(err); ok {
		switch pe.Kind() {
		case llm.KindRateLimit, llm.KindOverloaded:
			code = CodeProviderRateLimit
		case llm.KindAuth, llm.KindPermission:
			code = CodeProviderAuth
		case llm.KindInvalidRequest, llm.KindNotFound:
			code = CodeProviderInvalid
		}
	} else if errors.Is(err, llm.ErrRateLimited) {
		code = CodeProviderRateLimit
	}
	w.fail(ctx, run, code, err.Error())
}

// failFromFunctionCallError maps a functioncall.Error onto a
// run.LastError.Code, per spec §7's error table.
func (w *Worker) failFromFunctionCallError(ctx context.Context, run entity.Run, err error) {
	code := CodeInternal
	if fe, ok := functioncall.AsFunctionCallError(err); ok {
		switch fe.Kind {
		case functioncall.KindUnknownFunction:
			code = CodeToolUnknownFunc
		case functioncall.KindInvalidArguments:
			code = CodeToolInvalidArgs
		case functioncall.KindParseError:
			code = CodeToolParseError
		}
	}
	w.fail(ctx, run, code, err.Error())
}
