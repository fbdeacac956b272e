package executor_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/entity"
	"github.com/runforge/execengine/entity/inmem"
	"github.com/runforge/execengine/executor"
	"github.com/runforge/execengine/llm"
	qinmem "github.com/runforge/execengine/queue/inmem"
	rinmem "github.com/runforge/execengine/retrieval/inmem"
	"github.com/runforge/execengine/sandbox"
)

// fakeLLM scripts a sequence of responses (or errors) to return from
// successive Complete calls, one per call.
type fakeLLM struct {
	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	calls     int
	onCall    func()
	requests  []llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall()
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return llm.Response{}, nil
}

func textResponse(text string) llm.Response {
	return llm.Response{Parts: []llm.Part{llm.TextPart{Text: text}}}
}

type fakeSandbox struct {
	result sandbox.Result
	err    error
	calls  int32
}

func (f *fakeSandbox) Execute(context.Context, string, string, time.Duration) (sandbox.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.result, f.err
}

func newFixture(t *testing.T, llmClient llm.Client, opts ...executor.Option) (*inmem.Store, *qinmem.Queue, *executor.Worker, entity.Thread, entity.Assistant, *fakeSandbox) {
	t.Helper()
	store := inmem.New()
	ctx := context.Background()

	asst, err := store.CreateAssistant(ctx, entity.Assistant{
		OwnerUserID: "user_1",
		Model:       "gpt-test",
	})
	require.NoError(t, err)

	thread, err := store.CreateThread(ctx, entity.Thread{UserID: "user_1"})
	require.NoError(t, err)

	sb := &fakeSandbox{}
	q := qinmem.New(8)
	allOpts := append([]executor.Option{executor.WithPopTimeout(20 * time.Millisecond)}, opts...)
	w := executor.NewWorker(executor.Deps{
		Store:     store,
		Queue:     q,
		LLM:       llmClient,
		Retrieval: rinmem.New(),
		Sandbox:   sb,
	}, allOpts...)

	return store, q, w, thread, asst, sb
}

// createRun inserts a run row and immediately enqueues its id, mirroring
// what the out-of-scope HTTP API does on submission (spec §2's data flow:
// "API writes a run row in state queued, enqueues its id on G").
func createRun(t *testing.T, store *inmem.Store, q *qinmem.Queue, thread entity.Thread, asst entity.Assistant, tools []entity.ToolSpec, fileIDs []string) entity.Run {
	t.Helper()
	ctx := context.Background()
	_, err := store.CreateMessage(ctx, entity.Message{
		ThreadID: thread.ID,
		UserID:   thread.UserID,
		Role:     entity.RoleUser,
		Content:  []entity.ContentPart{{Kind: entity.ContentText, Text: "hello there"}},
	})
	require.NoError(t, err)

	run, err := store.CreateRun(ctx, entity.Run{
		ThreadID:    thread.ID,
		AssistantID: asst.ID,
		UserID:      thread.UserID,
		Model:       asst.Model,
		Tools:       tools,
		FileIDs:     fileIDs,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, run.ID))
	return run
}

func waitForStatus(t *testing.T, store *inmem.Store, run entity.Run, status entity.RunStatus) entity.Run {
	t.Helper()
	var got entity.Run
	require.Eventually(t, func() bool {
		var err error
		got, err = store.GetRun(context.Background(), run.UserID, run.ThreadID, run.ID)
		require.NoError(t, err)
		return got.Status == status
	}, 2*time.Second, 10*time.Millisecond, "run never reached status %s", status)
	return got
}

// Scenario 1 (spec §8): happy path, no tools.
func TestHappyPathCompletesWithoutTools(t *testing.T) {
	client := &fakeLLM{responses: []llm.Response{textResponse("Hi.")}}
	store, q, w, thread, asst, _ := newFixture(t, client)
	run := createRun(t, store, q, thread, asst, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitForStatus(t, store, run, entity.RunCompleted)

	messages, err := store.ListMessages(context.Background(), run.UserID, run.ThreadID)
	require.NoError(t, err)
	require.Len(t, messages, 2) // the seeded user message plus the assistant reply
	last := messages[len(messages)-1]
	require.Equal(t, entity.RoleAssistant, last.Role)
	require.Equal(t, run.ID, last.RunID)
	require.Equal(t, "Hi.", last.Content[0].Text)

	steps, _, err := store.ListRunSteps(context.Background(), run.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, entity.RunStepMessageCreation, steps[0].Type)

	cancel()
	<-done
}

// Scenario 2 (spec §8): retrieval augments the prompt and the run still
// completes; this asserts only that the run completes. The prompt content
// itself is checked through fakeLLM's recorded requests in
// TestRetrievalUsesThreadFileIDsWhenRunHasNone.
func TestRetrievalRunCompletes(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	asst, err := store.CreateAssistant(ctx, entity.Assistant{OwnerUserID: "user_1", Model: "gpt-test"})
	require.NoError(t, err)
	thread, err := store.CreateThread(ctx, entity.Thread{UserID: "user_1"})
	require.NoError(t, err)

	index := rinmem.New()
	require.NoError(t, index.Ingest(ctx, "file_1", "The capital of France is Paris.", 100))

	q := qinmem.New(8)
	run := createRun(t, store, q, thread, asst, []entity.ToolSpec{{Kind: entity.ToolSpecRetrieval}}, []string{"file_1"})

	client := &fakeLLM{responses: []llm.Response{textResponse("Paris.")}}
	w := executor.NewWorker(executor.Deps{
		Store:     store,
		Queue:     q,
		LLM:       client,
		Retrieval: index,
		Sandbox:   &fakeSandbox{},
	}, executor.WithPopTimeout(20*time.Millisecond))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	waitForStatus(t, store, run, entity.RunCompleted)

	cancel()
	<-done
}

// Retrieval scoped to file ids attached to the thread rather than the run:
// spec §4.8 step 3 queries "the union of thread and run file ids", so a
// thread carrying its own files must contribute retrieval context even when
// the run (and its snapshotted assistant) has none of its own.
func TestRetrievalUsesThreadFileIDsWhenRunHasNone(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	asst, err := store.CreateAssistant(ctx, entity.Assistant{OwnerUserID: "user_1", Model: "gpt-test"})
	require.NoError(t, err)
	thread, err := store.CreateThread(ctx, entity.Thread{UserID: "user_1", FileIDs: []string{"file_1"}})
	require.NoError(t, err)

	index := rinmem.New()
	require.NoError(t, index.Ingest(ctx, "file_1", "The capital of France is Paris.", 100))

	q := qinmem.New(8)
	run := createRun(t, store, q, thread, asst, []entity.ToolSpec{{Kind: entity.ToolSpecRetrieval}}, nil)

	client := &fakeLLM{responses: []llm.Response{textResponse("Paris.")}}
	w := executor.NewWorker(executor.Deps{
		Store:     store,
		Queue:     q,
		LLM:       client,
		Retrieval: index,
		Sandbox:   &fakeSandbox{},
	}, executor.WithPopTimeout(20*time.Millisecond))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	waitForStatus(t, store, run, entity.RunCompleted)

	cancel()
	<-done

	client.mu.Lock()
	reqs := client.requests
	client.mu.Unlock()
	require.Len(t, reqs, 1)
	require.True(t, requestContainsText(reqs[0], "The capital of France is Paris."),
		"expected the thread's file ids to be retrieved into the prompt even though the run carried none")
}

// requestContainsText reports whether any TextPart of any message in req
// contains substr, for asserting retrieved context reached the prompt.
func requestContainsText(req llm.Request, substr string) bool {
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if tp, ok := part.(llm.TextPart); ok && strings.Contains(tp.Text, substr) {
				return true
			}
		}
	}
	return false
}

// Scenario 3 (spec §8): a function tool call suspends the run for external
// submission, then resumes and completes once the API submits output and
// re-enqueues.
func TestFunctionToolRequiresActionThenCompletes(t *testing.T) {
	functionCall := "```function_call\n" +
		`{"name":"get_weather","arguments":{"city":"Tokyo"}}` + "\n```"
	client := &fakeLLM{responses: []llm.Response{
		textResponse(functionCall),
		textResponse("18°C in Tokyo."),
	}}

	store := inmem.New()
	ctx := context.Background()
	asst, err := store.CreateAssistant(ctx, entity.Assistant{OwnerUserID: "user_1", Model: "gpt-test"})
	require.NoError(t, err)
	thread, err := store.CreateThread(ctx, entity.Thread{UserID: "user_1"})
	require.NoError(t, err)

	q := qinmem.New(8)
	w := executor.NewWorker(executor.Deps{
		Store:     store,
		Queue:     q,
		LLM:       client,
		Retrieval: rinmem.New(),
		Sandbox:   &fakeSandbox{},
	}, executor.WithPopTimeout(20*time.Millisecond))

	run := createRun(t, store, q, thread, asst, []entity.ToolSpec{{
		Kind: entity.ToolSpecFunction,
		Function: &entity.FunctionDef{
			Name:        "get_weather",
			Description: "Get the weather for a city.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
				"required":   []any{"city"},
			},
		},
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	got := waitForStatus(t, store, run, entity.RunRequiresAction)
	require.NotNil(t, got.RequiredAction)
	require.Equal(t, entity.RequiredActionSubmitToolOutputs, got.RequiredAction.Kind)
	require.Len(t, got.RequiredAction.ToolCalls, 1)
	callID := got.RequiredAction.ToolCalls[0].ID
	require.Equal(t, "get_weather", got.RequiredAction.ToolCalls[0].FunctionName)

	// No assistant message yet.
	messages, err := store.ListMessages(context.Background(), run.UserID, run.ThreadID)
	require.NoError(t, err)
	for _, m := range messages {
		require.NotEqual(t, entity.RoleAssistant, m.Role)
	}

	require.NoError(t, store.PutToolCallOutput(context.Background(), run.ID, callID, `{"temp_c":18}`))
	require.NoError(t, q.Push(context.Background(), run.ID))

	waitForStatus(t, store, run, entity.RunCompleted)

	cancel()
	<-done
}

// Scenario 4 (spec §8): cancellation requested while the LLM call is in
// flight finalizes the run as cancelled and persists no assistant message.
func TestCancellationMidFlightStopsBeforeCompletion(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	asst, err := store.CreateAssistant(ctx, entity.Assistant{OwnerUserID: "user_1", Model: "gpt-test"})
	require.NoError(t, err)
	thread, err := store.CreateThread(ctx, entity.Thread{UserID: "user_1"})
	require.NoError(t, err)

	q := qinmem.New(8)
	run := createRun(t, store, q, thread, asst, nil, nil)

	var cancelledOnce sync.Once
	client := &fakeLLM{responses: []llm.Response{textResponse("too late")}}
	client.onCall = func() {
		cancelledOnce.Do(func() {
			_, err := store.TransitionRun(context.Background(), run.ID, entity.RunInProgress, entity.RunCancelling, entity.RunPatch{})
			require.NoError(t, err)
		})
	}

	w := executor.NewWorker(executor.Deps{
		Store:     store,
		Queue:     q,
		LLM:       client,
		Retrieval: rinmem.New(),
		Sandbox:   &fakeSandbox{},
	}, executor.WithPopTimeout(20*time.Millisecond))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	waitForStatus(t, store, run, entity.RunCancelled)

	messages, err := store.ListMessages(context.Background(), run.UserID, run.ThreadID)
	require.NoError(t, err)
	require.Len(t, messages, 1) // only the seeded user message

	cancel()
	<-done
}

// Scenario 5 (spec §8): concurrent claim. Eight concurrent ClaimQueuedRun
// calls on the same run id succeed for exactly one caller.
func TestConcurrentClaimIsLinearizable(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	asst, err := store.CreateAssistant(ctx, entity.Assistant{OwnerUserID: "user_1", Model: "gpt-test"})
	require.NoError(t, err)
	thread, err := store.CreateThread(ctx, entity.Thread{UserID: "user_1"})
	require.NoError(t, err)
	run := createRun(t, store, qinmem.New(8), thread, asst, nil, nil)

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ClaimQueuedRun(ctx, run.ID); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, successes)
}

// Scenario 6 (spec §8): a tool-dispatch cycle that never terminates fails
// with tool_loop_exhausted once the iteration cap is hit.
func TestToolLoopCapFailsRun(t *testing.T) {
	alwaysCode := textResponse("```function_call\n" + `{"name":"code_interpreter","arguments":{"source":"1+1"}}` + "\n```")
	var responses []llm.Response
	for i := 0; i < 20; i++ {
		responses = append(responses, alwaysCode)
	}
	client := &fakeLLM{responses: responses}
	store, q, w, thread, asst, sb := newFixture(t, client)
	sb.result = sandbox.Result{Stdout: "2", ExitCode: 0}

	run := createRun(t, store, q, thread, asst, []entity.ToolSpec{{Kind: entity.ToolSpecCodeInterpreter}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	got := waitForStatus(t, store, run, entity.RunFailed)
	require.NotNil(t, got.LastError)
	require.Equal(t, executor.CodeToolLoopExhausted, got.LastError.Code)

	cancel()
	<-done
}
