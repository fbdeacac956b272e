// Package inmem provides an in-memory implementation of entity.Store for
// tests and local tooling, in the style of the teacher's session/inmem
// store: mutex-guarded maps, defensive copies on read and write, sentinel
// errors rather than panics.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/execengine/entity"
)

// Store is an in-memory entity.Store. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	assistants map[string]entity.Assistant
	threads    map[string]entity.Thread
	messages   map[string]entity.Message
	runs       map[string]entity.Run
	runSteps   map[string][]entity.RunStep // keyed by run id, append order
	toolCalls  map[string]entity.ToolCall  // keyed by tool call id
	files      map[string]entity.File
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		assistants: make(map[string]entity.Assistant),
		threads:    make(map[string]entity.Thread),
		messages:   make(map[string]entity.Message),
		runs:       make(map[string]entity.Run),
		runSteps:   make(map[string][]entity.RunStep),
		toolCalls:  make(map[string]entity.ToolCall),
		files:      make(map[string]entity.File),
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// --- Assistants ---

func (s *Store) CreateAssistant(_ context.Context, a entity.Assistant) (entity.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = newID("asst")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.assistants[a.ID] = cloneAssistant(a)
	return cloneAssistant(a), nil
}

func (s *Store) GetAssistant(_ context.Context, userID, id string) (entity.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assistants[id]
	if !ok || a.OwnerUserID != userID {
		return entity.Assistant{}, entity.ErrNotFound
	}
	return cloneAssistant(a), nil
}

func (s *Store) UpdateAssistant(_ context.Context, a entity.Assistant) (entity.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.assistants[a.ID]
	if !ok || existing.OwnerUserID != a.OwnerUserID {
		return entity.Assistant{}, entity.ErrNotFound
	}
	a.CreatedAt = existing.CreatedAt
	s.assistants[a.ID] = cloneAssistant(a)
	return cloneAssistant(a), nil
}

func (s *Store) DeleteAssistant(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assistants[id]
	if !ok || a.OwnerUserID != userID {
		return entity.ErrNotFound
	}
	delete(s.assistants, id)
	return nil
}

func (s *Store) ListAssistants(_ context.Context, userID string) ([]entity.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		if a.OwnerUserID == userID {
			out = append(out, cloneAssistant(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Threads ---

func (s *Store) CreateThread(_ context.Context, t entity.Thread) (entity.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID("thread")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.threads[t.ID] = cloneThread(t)
	return cloneThread(t), nil
}

func (s *Store) GetThread(_ context.Context, userID, id string) (entity.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok || t.UserID != userID {
		return entity.Thread{}, entity.ErrNotFound
	}
	return cloneThread(t), nil
}

// DeleteThread removes the thread and cascades to its messages and runs.
func (s *Store) DeleteThread(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok || t.UserID != userID {
		return entity.ErrNotFound
	}
	delete(s.threads, id)
	for mid, m := range s.messages {
		if m.ThreadID == id {
			delete(s.messages, mid)
		}
	}
	for rid, r := range s.runs {
		if r.ThreadID == id {
			delete(s.runs, rid)
			delete(s.runSteps, rid)
			for tid, tc := range s.toolCalls {
				if tc.RunID == rid {
					delete(s.toolCalls, tid)
				}
			}
		}
	}
	return nil
}

// --- Messages ---

func (s *Store) CreateMessage(_ context.Context, m entity.Message) (entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = newID("msg")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.ID] = cloneMessage(m)
	return cloneMessage(m), nil
}

func (s *Store) GetMessage(_ context.Context, userID, threadID, id string) (entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ThreadID != threadID || m.UserID != userID {
		return entity.Message{}, entity.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) ListMessages(_ context.Context, userID, threadID string) ([]entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.UserID == userID {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateMessageMetadata(_ context.Context, userID, threadID, id string, md entity.Metadata) (entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ThreadID != threadID || m.UserID != userID {
		return entity.Message{}, entity.ErrNotFound
	}
	m.Metadata = md
	s.messages[id] = cloneMessage(m)
	return cloneMessage(m), nil
}

// --- Runs ---

func (s *Store) CreateRun(_ context.Context, r entity.Run) (entity.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = newID("run")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = entity.RunQueued
	}
	s.runs[r.ID] = cloneRun(r)
	return cloneRun(r), nil
}

func (s *Store) GetRun(_ context.Context, userID, threadID, id string) (entity.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.ThreadID != threadID || r.UserID != userID {
		return entity.Run{}, entity.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) LatestNonTerminalRun(_ context.Context, userID, threadID string) (entity.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest entity.Run
	found := false
	for _, r := range s.runs {
		if r.ThreadID != threadID || r.UserID != userID || r.Status.Terminal() {
			continue
		}
		if !found || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
			found = true
		}
	}
	if !found {
		return entity.Run{}, false, nil
	}
	return cloneRun(latest), true, nil
}

// ClaimQueuedRun implements the CAS "queued|requires_action -> in_progress"
// transition. Linearizable under Store's single mutex: concurrent callers
// serialize on the lock and only the first observes a claimable status.
func (s *Store) ClaimQueuedRun(_ context.Context, id string) (entity.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || (r.Status != entity.RunQueued && r.Status != entity.RunRequiresAction) {
		return entity.Run{}, entity.ErrNotFound
	}
	r.Status = entity.RunInProgress
	r.RequiredAction = nil
	if r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	s.runs[id] = r
	return cloneRun(r), nil
}

func (s *Store) TransitionRun(_ context.Context, id string, from, to entity.RunStatus, patch entity.RunPatch) (entity.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return entity.Run{}, entity.ErrNotFound
	}
	if r.Status != from {
		return entity.Run{}, entity.ErrConflict
	}
	r.Status = to
	if patch.RequiredAction != nil {
		r.RequiredAction = patch.RequiredAction
	}
	if to != entity.RunRequiresAction {
		r.RequiredAction = nil
	}
	if patch.LastError != nil {
		r.LastError = patch.LastError
	}
	if patch.StartedAt != nil {
		r.StartedAt = patch.StartedAt
	}
	if patch.CancelledAt != nil {
		r.CancelledAt = patch.CancelledAt
	}
	if patch.FailedAt != nil {
		r.FailedAt = patch.FailedAt
	}
	if patch.CompletedAt != nil {
		r.CompletedAt = patch.CompletedAt
	}
	s.runs[id] = r
	return cloneRun(r), nil
}

// --- Run steps ---

func (s *Store) AppendRunStep(_ context.Context, st entity.RunStep) (entity.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == "" {
		st.ID = newID("step")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.runSteps[st.RunID] = append(s.runSteps[st.RunID], cloneRunStep(st))
	// Index any embedded ToolCall records so GetToolCalls/PutToolCallOutput
	// can address them individually once the API (or the executor's
	// internal code/retrieval dispatch) resolves an output.
	for _, tc := range st.ToolCalls {
		if _, exists := s.toolCalls[tc.ID]; !exists {
			s.toolCalls[tc.ID] = tc
		}
	}
	return cloneRunStep(st), nil
}

func (s *Store) ListRunSteps(_ context.Context, runID, cursor string, limit int) ([]entity.RunStep, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	all := s.runSteps[runID]
	start := 0
	if cursor != "" {
		for i, st := range all {
			if st.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	var next string
	if end < len(all) {
		next = all[end-1].ID
	}
	out := make([]entity.RunStep, 0, end-start)
	for _, st := range all[start:end] {
		out = append(out, cloneRunStep(st))
	}
	return out, next, nil
}

// --- Tool calls ---

func (s *Store) PutToolCallOutput(_ context.Context, runID, toolCallID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.toolCalls[toolCallID]
	if !ok || tc.RunID != runID {
		return entity.ErrNotFound
	}
	tc.Output = output
	tc.HasOutput = true
	s.toolCalls[toolCallID] = tc
	return nil
}

// PutToolCall is an inmem-only helper that seeds a tool-call record
// directly into the tool-call index, without going through AppendRunStep.
func (s *Store) PutToolCall(tc entity.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls[tc.ID] = tc
}

func (s *Store) GetToolCalls(_ context.Context, runID string, ids []string) ([]entity.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.ToolCall, 0, len(ids))
	for _, id := range ids {
		tc, ok := s.toolCalls[id]
		if !ok || tc.RunID != runID {
			return nil, entity.ErrNotFound
		}
		out = append(out, tc)
	}
	return out, nil
}

// --- Files ---

func (s *Store) CreateFile(_ context.Context, f entity.File) (entity.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = newID("file")
	}
	if f.LastModified.IsZero() {
		f.LastModified = time.Now().UTC()
	}
	s.files[f.ID] = f
	return f, nil
}

func (s *Store) GetFile(_ context.Context, ownerUserID, id string) (entity.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok || f.OwnerUserID != ownerUserID {
		return entity.File{}, entity.ErrNotFound
	}
	return f, nil
}

func (s *Store) DeleteFile(_ context.Context, ownerUserID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok || f.OwnerUserID != ownerUserID {
		return entity.ErrNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *Store) ListFiles(_ context.Context, ownerUserID string) ([]entity.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.File, 0, len(s.files))
	for _, f := range s.files {
		if f.OwnerUserID == ownerUserID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.Before(out[j].LastModified) })
	return out, nil
}

func cloneAssistant(a entity.Assistant) entity.Assistant {
	out := a
	out.Tools = append([]entity.ToolSpec(nil), a.Tools...)
	out.FileIDs = append([]string(nil), a.FileIDs...)
	out.Metadata = cloneMetadata(a.Metadata)
	return out
}

func cloneThread(t entity.Thread) entity.Thread {
	out := t
	out.FileIDs = append([]string(nil), t.FileIDs...)
	out.Metadata = cloneMetadata(t.Metadata)
	return out
}

func cloneMessage(m entity.Message) entity.Message {
	out := m
	out.Content = append([]entity.ContentPart(nil), m.Content...)
	out.FileIDs = append([]string(nil), m.FileIDs...)
	out.Metadata = cloneMetadata(m.Metadata)
	return out
}

func cloneRun(r entity.Run) entity.Run {
	out := r
	out.Tools = append([]entity.ToolSpec(nil), r.Tools...)
	out.FileIDs = append([]string(nil), r.FileIDs...)
	out.Metadata = cloneMetadata(r.Metadata)
	if r.RequiredAction != nil {
		ra := *r.RequiredAction
		ra.ToolCalls = append([]entity.ToolCall(nil), r.RequiredAction.ToolCalls...)
		out.RequiredAction = &ra
	}
	if r.LastError != nil {
		le := *r.LastError
		out.LastError = &le
	}
	return out
}

func cloneRunStep(st entity.RunStep) entity.RunStep {
	out := st
	out.ToolCalls = append([]entity.ToolCall(nil), st.ToolCalls...)
	return out
}

func cloneMetadata(md entity.Metadata) entity.Metadata {
	if len(md) == 0 {
		return nil
	}
	out := make(entity.Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
