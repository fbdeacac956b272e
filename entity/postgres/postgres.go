// Package postgres implements entity.Store against a relational schema
// following spec §6's logical tables (assistants, threads, messages, runs,
// run_steps, tool_calls, files), using github.com/jackc/pgx/v5's pool client.
// Every mutation except AppendRunStep is a single statement — ClaimQueuedRun
// and TransitionRun guard the current status with a WHERE clause and
// RETURNING, matching the "no long-lived transactions" rule of spec §5.
// AppendRunStep inserts the step and indexes its tool calls in one short
// transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runforge/execengine/entity"
)

// Store implements entity.Store against Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store over an already-connected pool. Callers own the pool's
// lifecycle (Close).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgxpool.Pool against connStr (the DATABASE_URL value) and
// wraps it in a Store.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return New(pool), nil
}

func (s *Store) CreateAssistant(ctx context.Context, a entity.Assistant) (entity.Assistant, error) {
	if a.ID == "" {
		a.ID = newID("asst")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return entity.Assistant{}, fmt.Errorf("postgres: marshal tools: %w", err)
	}
	md, err := json.Marshal(a.Metadata)
	if err != nil {
		return entity.Assistant{}, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	const q = `
		INSERT INTO assistants (id, owner_user_id, model, name, description, instructions, tools, file_ids, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, q, a.ID, a.OwnerUserID, a.Model, a.Name, a.Description, a.Instructions, tools, a.FileIDs, a.CreatedAt, md)
	if err != nil {
		return entity.Assistant{}, fmt.Errorf("postgres: create assistant: %w", err)
	}
	return a, nil
}

func (s *Store) GetAssistant(ctx context.Context, userID, id string) (entity.Assistant, error) {
	const q = `
		SELECT id, owner_user_id, model, name, description, instructions, tools, file_ids, created_at, metadata
		FROM assistants WHERE id = $1 AND owner_user_id = $2`
	row := s.pool.QueryRow(ctx, q, id, userID)
	return scanAssistant(row)
}

func (s *Store) UpdateAssistant(ctx context.Context, a entity.Assistant) (entity.Assistant, error) {
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return entity.Assistant{}, fmt.Errorf("postgres: marshal tools: %w", err)
	}
	md, err := json.Marshal(a.Metadata)
	if err != nil {
		return entity.Assistant{}, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	const q = `
		UPDATE assistants SET model=$3, name=$4, description=$5, instructions=$6, tools=$7, file_ids=$8, metadata=$9
		WHERE id = $1 AND owner_user_id = $2
		RETURNING id, owner_user_id, model, name, description, instructions, tools, file_ids, created_at, metadata`
	row := s.pool.QueryRow(ctx, q, a.ID, a.OwnerUserID, a.Model, a.Name, a.Description, a.Instructions, tools, a.FileIDs, md)
	return scanAssistant(row)
}

func (s *Store) DeleteAssistant(ctx context.Context, userID, id string) error {
	const q = `DELETE FROM assistants WHERE id = $1 AND owner_user_id = $2`
	tag, err := s.pool.Exec(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (s *Store) ListAssistants(ctx context.Context, userID string) ([]entity.Assistant, error) {
	const q = `
		SELECT id, owner_user_id, model, name, description, instructions, tools, file_ids, created_at, metadata
		FROM assistants WHERE owner_user_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list assistants: %w", err)
	}
	defer rows.Close()
	var out []entity.Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateThread(ctx context.Context, t entity.Thread) (entity.Thread, error) {
	if t.ID == "" {
		t.ID = newID("thread")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	md, err := json.Marshal(t.Metadata)
	if err != nil {
		return entity.Thread{}, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	const q = `INSERT INTO threads (id, user_id, file_ids, created_at, metadata) VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.pool.Exec(ctx, q, t.ID, t.UserID, t.FileIDs, t.CreatedAt, md); err != nil {
		return entity.Thread{}, fmt.Errorf("postgres: create thread: %w", err)
	}
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, userID, id string) (entity.Thread, error) {
	const q = `SELECT id, user_id, file_ids, created_at, metadata FROM threads WHERE id = $1 AND user_id = $2`
	row := s.pool.QueryRow(ctx, q, id, userID)
	var t entity.Thread
	var md []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.FileIDs, &t.CreatedAt, &md); err != nil {
		return entity.Thread{}, mapNotFound(err)
	}
	_ = json.Unmarshal(md, &t.Metadata)
	return t, nil
}

// DeleteThread relies on ON DELETE CASCADE foreign keys from messages, runs,
// run_steps, and tool_calls to the threads/runs tables (spec §9's cascade
// resolution) rather than issuing four statements.
func (s *Store) DeleteThread(ctx context.Context, userID, id string) error {
	const q = `DELETE FROM threads WHERE id = $1 AND user_id = $2`
	tag, err := s.pool.Exec(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m entity.Message) (entity.Message, error) {
	if m.ID == "" {
		m.ID = newID("msg")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	content, err := json.Marshal(m.Content)
	if err != nil {
		return entity.Message{}, fmt.Errorf("postgres: marshal content: %w", err)
	}
	md, err := json.Marshal(m.Metadata)
	if err != nil {
		return entity.Message{}, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	const q = `
		INSERT INTO messages (id, thread_id, created_at, role, content, assistant_id, run_id, file_ids, metadata, user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = s.pool.Exec(ctx, q, m.ID, m.ThreadID, m.CreatedAt, m.Role, content, nullable(m.AssistantID), nullable(m.RunID), m.FileIDs, md, m.UserID)
	if err != nil {
		return entity.Message{}, fmt.Errorf("postgres: create message: %w", err)
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, userID, threadID, id string) (entity.Message, error) {
	const q = `
		SELECT id, thread_id, created_at, role, content, coalesce(assistant_id,''), coalesce(run_id,''), file_ids, metadata, user_id
		FROM messages WHERE id = $1 AND thread_id = $2 AND user_id = $3`
	row := s.pool.QueryRow(ctx, q, id, threadID, userID)
	return scanMessage(row)
}

func (s *Store) ListMessages(ctx context.Context, userID, threadID string) ([]entity.Message, error) {
	const q = `
		SELECT id, thread_id, created_at, role, content, coalesce(assistant_id,''), coalesce(run_id,''), file_ids, metadata, user_id
		FROM messages WHERE thread_id = $1 AND user_id = $2 ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, q, threadID, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()
	var out []entity.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMessageMetadata(ctx context.Context, userID, threadID, id string, mdIn entity.Metadata) (entity.Message, error) {
	md, err := json.Marshal(mdIn)
	if err != nil {
		return entity.Message{}, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	const q = `
		UPDATE messages SET metadata = $4 WHERE id = $1 AND thread_id = $2 AND user_id = $3
		RETURNING id, thread_id, created_at, role, content, coalesce(assistant_id,''), coalesce(run_id,''), file_ids, metadata, user_id`
	row := s.pool.QueryRow(ctx, q, id, threadID, userID, md)
	return scanMessage(row)
}

func (s *Store) CreateRun(ctx context.Context, r entity.Run) (entity.Run, error) {
	if r.ID == "" {
		r.ID = newID("run")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = entity.RunQueued
	}
	tools, _ := json.Marshal(r.Tools)
	md, _ := json.Marshal(r.Metadata)
	const q = `
		INSERT INTO runs (id, thread_id, assistant_id, user_id, created_at, status, expires_at, model, instructions, tools, file_ids, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.pool.Exec(ctx, q, r.ID, r.ThreadID, r.AssistantID, r.UserID, r.CreatedAt, r.Status, r.ExpiresAt, r.Model, r.Instructions, tools, r.FileIDs, md)
	if err != nil {
		return entity.Run{}, fmt.Errorf("postgres: create run: %w", err)
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, userID, threadID, id string) (entity.Run, error) {
	row := s.pool.QueryRow(ctx, runSelectQuery+" WHERE id = $1 AND thread_id = $2 AND user_id = $3", id, threadID, userID)
	return scanRun(row)
}

func (s *Store) LatestNonTerminalRun(ctx context.Context, userID, threadID string) (entity.Run, bool, error) {
	const q = runSelectQuery + `
		WHERE thread_id = $1 AND user_id = $2
		AND status NOT IN ('completed','failed','cancelled','expired')
		ORDER BY created_at DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, q, threadID, userID)
	r, err := scanRun(row)
	if errors.Is(err, entity.ErrNotFound) {
		return entity.Run{}, false, nil
	}
	if err != nil {
		return entity.Run{}, false, err
	}
	return r, true, nil
}

// ClaimQueuedRun is a single conditional UPDATE ... WHERE status IN
// ('queued', 'requires_action') RETURNING, giving linearizable claim semantics without an explicit
// transaction (spec §4.1, §5, §8).
func (s *Store) ClaimQueuedRun(ctx context.Context, id string) (entity.Run, error) {
	const q = `
		UPDATE runs SET
			status = 'in_progress',
			required_action = NULL,
			started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status IN ('queued', 'requires_action')
		RETURNING ` + runColumns
	row := s.pool.QueryRow(ctx, q, id)
	r, err := scanRun(row)
	if errors.Is(err, entity.ErrNotFound) {
		return entity.Run{}, entity.ErrNotFound
	}
	return r, err
}

func (s *Store) TransitionRun(ctx context.Context, id string, from, to entity.RunStatus, patch entity.RunPatch) (entity.Run, error) {
	var requiredAction, lastError []byte
	if patch.RequiredAction != nil {
		requiredAction, _ = json.Marshal(patch.RequiredAction)
	}
	if patch.LastError != nil {
		lastError, _ = json.Marshal(patch.LastError)
	}
	const q = `
		UPDATE runs SET
			status = $3,
			required_action = CASE WHEN $3 = 'requires_action' THEN $4::jsonb ELSE NULL END,
			last_error = COALESCE($5::jsonb, last_error),
			started_at = COALESCE($6, started_at),
			cancelled_at = COALESCE($7, cancelled_at),
			failed_at = COALESCE($8, failed_at),
			completed_at = COALESCE($9, completed_at)
		WHERE id = $1 AND status = $2
		RETURNING ` + runColumns
	row := s.pool.QueryRow(ctx, q, id, from, to, requiredAction, lastError,
		patch.StartedAt, patch.CancelledAt, patch.FailedAt, patch.CompletedAt)
	r, err := scanRun(row)
	if errors.Is(err, entity.ErrNotFound) {
		// Distinguish "no such run" from "CAS lost": re-check existence.
		var exists bool
		_ = s.pool.QueryRow(ctx, `SELECT true FROM runs WHERE id = $1`, id).Scan(&exists)
		if exists {
			return entity.Run{}, entity.ErrConflict
		}
		return entity.Run{}, entity.ErrNotFound
	}
	return r, err
}

func (s *Store) AppendRunStep(ctx context.Context, st entity.RunStep) (entity.RunStep, error) {
	if st.ID == "" {
		st.ID = newID("step")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	toolCalls, _ := json.Marshal(st.ToolCalls)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return entity.RunStep{}, fmt.Errorf("postgres: append run step: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertStep = `
		INSERT INTO run_steps (id, run_id, type, created_at, message_id, tool_calls)
		VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := tx.Exec(ctx, insertStep, st.ID, st.RunID, st.Type, st.CreatedAt, nullable(st.MessageID), toolCalls); err != nil {
		return entity.RunStep{}, fmt.Errorf("postgres: append run step: %w", err)
	}

	// Index any embedded ToolCall records so GetToolCalls/PutToolCallOutput
	// can address them individually once the API (or the executor's
	// internal code/retrieval dispatch) resolves an output.
	const insertToolCall = `
		INSERT INTO tool_calls (id, run_id, type, function_name, function_arguments, code_input, retrieval_query, output, has_output)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING`
	for _, tc := range st.ToolCalls {
		if _, err := tx.Exec(ctx, insertToolCall, tc.ID, tc.RunID, tc.Type, nullable(tc.FunctionName),
			nullable(tc.FunctionArgs), nullable(tc.CodeInput), nullable(tc.RetrievalQuery), nullable(tc.Output), tc.HasOutput); err != nil {
			return entity.RunStep{}, fmt.Errorf("postgres: index tool call: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return entity.RunStep{}, fmt.Errorf("postgres: append run step: commit: %w", err)
	}
	return st, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID, cursor string, limit int) ([]entity.RunStep, string, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT id, run_id, type, created_at, coalesce(message_id,''), tool_calls
		FROM run_steps
		WHERE run_id = $1 AND ($2 = '' OR created_at > (SELECT created_at FROM run_steps WHERE id = $2))
		ORDER BY created_at LIMIT $3`
	rows, err := s.pool.Query(ctx, q, runID, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: list run steps: %w", err)
	}
	defer rows.Close()
	var out []entity.RunStep
	for rows.Next() {
		var st entity.RunStep
		var toolCalls []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.Type, &st.CreatedAt, &st.MessageID, &toolCalls); err != nil {
			return nil, "", fmt.Errorf("postgres: scan run step: %w", err)
		}
		_ = json.Unmarshal(toolCalls, &st.ToolCalls)
		out = append(out, st)
	}
	var next string
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (s *Store) PutToolCallOutput(ctx context.Context, runID, toolCallID, output string) error {
	const q = `UPDATE tool_calls SET output = $3, has_output = true WHERE id = $1 AND run_id = $2`
	tag, err := s.pool.Exec(ctx, q, toolCallID, runID, output)
	if err != nil {
		return fmt.Errorf("postgres: put tool call output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (s *Store) GetToolCalls(ctx context.Context, runID string, ids []string) ([]entity.ToolCall, error) {
	const q = `
		SELECT id, run_id, type, coalesce(function_name,''), coalesce(function_arguments,''),
		       coalesce(code_input,''), coalesce(retrieval_query,''), coalesce(output,''), has_output
		FROM tool_calls WHERE run_id = $1 AND id = ANY($2)`
	rows, err := s.pool.Query(ctx, q, runID, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: get tool calls: %w", err)
	}
	defer rows.Close()
	var out []entity.ToolCall
	for rows.Next() {
		var tc entity.ToolCall
		if err := rows.Scan(&tc.ID, &tc.RunID, &tc.Type, &tc.FunctionName, &tc.FunctionArgs,
			&tc.CodeInput, &tc.RetrievalQuery, &tc.Output, &tc.HasOutput); err != nil {
			return nil, fmt.Errorf("postgres: scan tool call: %w", err)
		}
		out = append(out, tc)
	}
	if len(out) != len(ids) {
		return nil, entity.ErrNotFound
	}
	return out, rows.Err()
}

func (s *Store) CreateFile(ctx context.Context, f entity.File) (entity.File, error) {
	if f.ID == "" {
		f.ID = newID("file")
	}
	if f.LastModified.IsZero() {
		f.LastModified = time.Now().UTC()
	}
	const q = `INSERT INTO files (id, owner_user_id, size, purpose, last_modified) VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.pool.Exec(ctx, q, f.ID, f.OwnerUserID, f.Size, f.Purpose, f.LastModified); err != nil {
		return entity.File{}, fmt.Errorf("postgres: create file: %w", err)
	}
	return f, nil
}

func (s *Store) GetFile(ctx context.Context, ownerUserID, id string) (entity.File, error) {
	const q = `SELECT id, owner_user_id, size, purpose, last_modified FROM files WHERE id = $1 AND owner_user_id = $2`
	row := s.pool.QueryRow(ctx, q, id, ownerUserID)
	var f entity.File
	if err := row.Scan(&f.ID, &f.OwnerUserID, &f.Size, &f.Purpose, &f.LastModified); err != nil {
		return entity.File{}, mapNotFound(err)
	}
	return f, nil
}

func (s *Store) DeleteFile(ctx context.Context, ownerUserID, id string) error {
	const q = `DELETE FROM files WHERE id = $1 AND owner_user_id = $2`
	tag, err := s.pool.Exec(ctx, q, id, ownerUserID)
	if err != nil {
		return fmt.Errorf("postgres: delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (s *Store) ListFiles(ctx context.Context, ownerUserID string) ([]entity.File, error) {
	const q = `SELECT id, owner_user_id, size, purpose, last_modified FROM files WHERE owner_user_id = $1 ORDER BY last_modified`
	rows, err := s.pool.Query(ctx, q, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list files: %w", err)
	}
	defer rows.Close()
	var out []entity.File
	for rows.Next() {
		var f entity.File
		if err := rows.Scan(&f.ID, &f.OwnerUserID, &f.Size, &f.Purpose, &f.LastModified); err != nil {
			return nil, fmt.Errorf("postgres: scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const runColumns = `id, thread_id, assistant_id, user_id, created_at, status, required_action, last_error,
	expires_at, started_at, cancelled_at, failed_at, completed_at, model, instructions, tools, file_ids, metadata`

const runSelectQuery = `SELECT ` + runColumns + ` FROM runs `

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (entity.Run, error) {
	var r entity.Run
	var requiredAction, lastError, tools, md []byte
	if err := row.Scan(&r.ID, &r.ThreadID, &r.AssistantID, &r.UserID, &r.CreatedAt, &r.Status,
		&requiredAction, &lastError, &r.ExpiresAt, &r.StartedAt, &r.CancelledAt, &r.FailedAt, &r.CompletedAt,
		&r.Model, &r.Instructions, &tools, &r.FileIDs, &md); err != nil {
		return entity.Run{}, mapNotFound(err)
	}
	if len(requiredAction) > 0 {
		r.RequiredAction = &entity.RequiredAction{}
		_ = json.Unmarshal(requiredAction, r.RequiredAction)
	}
	if len(lastError) > 0 {
		r.LastError = &entity.LastError{}
		_ = json.Unmarshal(lastError, r.LastError)
	}
	_ = json.Unmarshal(tools, &r.Tools)
	_ = json.Unmarshal(md, &r.Metadata)
	return r, nil
}

func scanAssistant(row scanner) (entity.Assistant, error) {
	var a entity.Assistant
	var tools, md []byte
	if err := row.Scan(&a.ID, &a.OwnerUserID, &a.Model, &a.Name, &a.Description, &a.Instructions,
		&tools, &a.FileIDs, &a.CreatedAt, &md); err != nil {
		return entity.Assistant{}, mapNotFound(err)
	}
	_ = json.Unmarshal(tools, &a.Tools)
	_ = json.Unmarshal(md, &a.Metadata)
	return a, nil
}

func scanMessage(row scanner) (entity.Message, error) {
	var m entity.Message
	var content, md []byte
	if err := row.Scan(&m.ID, &m.ThreadID, &m.CreatedAt, &m.Role, &content,
		&m.AssistantID, &m.RunID, &m.FileIDs, &md, &m.UserID); err != nil {
		return entity.Message{}, mapNotFound(err)
	}
	_ = json.Unmarshal(content, &m.Content)
	_ = json.Unmarshal(md, &m.Metadata)
	return m, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.ErrNotFound
	}
	return fmt.Errorf("postgres: %w", err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func newID(prefix string) string {
	return prefix + "_" + randomSuffix()
}
