package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/switchyard/internal/engine"
)

// --- Queries ---

// CreateQuery records an incoming query.
func (s *Store) CreateQuery(ctx context.Context, q Query) error {
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (id, tenant_id, trace_id, text, normalized_hash, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TenantID, q.TraceID, q.Text, q.NormalizedHash, q.ConversationID, formatTime(createdAt),
	)
	return err
}

// GetQuery returns the query with the given id.
func (s *Store) GetQuery(ctx context.Context, id string) (Query, error) {
	return s.scanQuery(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, trace_id, text, normalized_hash, conversation_id, created_at
		FROM queries WHERE id = ?`, id))
}

func (s *Store) scanQuery(row *sql.Row) (Query, error) {
	var q Query
	var createdAt string
	err := row.Scan(&q.ID, &q.TenantID, &q.TraceID, &q.Text, &q.NormalizedHash, &q.ConversationID, &createdAt)
	if err == sql.ErrNoRows {
		return Query{}, ErrNotFound
	}
	if err != nil {
		return Query{}, err
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return Query{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return q, nil
}

// --- Tasks ---

const taskColumns = `id, query_id, generation, engine, status, attempt_count, max_attempts, attempted_engines,
	parent_id, priority, timeout_ms, result_json, error_kind, error_message, run_after, version,
	created_at, started_at, completed_at`

// CreateTasks inserts tasks atomically. New tasks always start PENDING at
// version 1 regardless of the values passed in. A task whose id already
// exists is left untouched, so replaying a batch is harmless.
func (s *Store) CreateTasks(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, 'PENDING', ?, ?, ?, ?, ?, ?, '', '', '', ?, 1, ?, '', '')
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, t := range tasks {
		if t.AttemptCount < 1 || t.AttemptCount > t.MaxAttempts {
			return fmt.Errorf("task %s: attempt_count %d outside [1,%d]", t.ID, t.AttemptCount, t.MaxAttempts)
		}
		if err := checkAttempted(t.AttemptedEngines); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		attempted, err := json.Marshal(t.AttemptedEngines)
		if err != nil {
			return fmt.Errorf("marshaling attempted engines: %w", err)
		}
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		runAfter := t.RunAfter
		if runAfter.IsZero() {
			runAfter = createdAt
		}
		generation := t.Generation
		if generation == 0 {
			generation = 1
		}
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.QueryID, generation, string(t.Engine), t.AttemptCount, t.MaxAttempts, string(attempted),
			t.ParentID, t.Priority, t.Timeout.Milliseconds(), formatTime(runAfter), formatTime(createdAt),
		); err != nil {
			return fmt.Errorf("inserting task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

func checkAttempted(kinds []engine.Kind) error {
	seen := make(map[engine.Kind]bool, len(kinds))
	for _, k := range kinds {
		if seen[k] {
			return fmt.Errorf("engine %s attempted twice", k)
		}
		seen[k] = true
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return Task{}, err
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return Task{}, err
	}
	if len(tasks) == 0 {
		return Task{}, ErrNotFound
	}
	return tasks[0], nil
}

// ListTasks returns every task of the query in creation order.
func (s *Store) ListTasks(ctx context.Context, queryID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM tasks WHERE query_id = ? ORDER BY created_at ASC, priority ASC, id ASC`, queryID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListPending returns the PENDING tasks of the query, earliest run_after first.
func (s *Store) ListPending(ctx context.Context, queryID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM tasks WHERE query_id = ? AND status = 'PENDING'
		ORDER BY run_after ASC, priority ASC, id ASC`, queryID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// MarkRunning moves a PENDING task to RUNNING. It fails with ErrConflict when
// the task's version is not expectedVersion or it is no longer PENDING.
func (s *Store) MarkRunning(ctx context.Context, taskID string, expectedVersion int64) (Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'RUNNING', started_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = 'PENDING'`,
		formatTime(time.Now()), taskID, expectedVersion,
	)
	if err != nil {
		return Task{}, err
	}
	if err := s.checkCAS(ctx, res, "tasks", "id", taskID); err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, taskID)
}

// MarkTerminal records the final status of a PENDING or RUNNING task.
func (s *Store) MarkTerminal(ctx context.Context, taskID string, status TaskStatus, out Outcome, expectedVersion int64) (Task, error) {
	if !status.Terminal() {
		return Task{}, fmt.Errorf("status %s is not terminal", status)
	}

	var resultJSON string
	if out.Result != nil {
		b, err := json.Marshal(out.Result)
		if err != nil {
			return Task{}, fmt.Errorf("marshaling result: %w", err)
		}
		resultJSON = string(b)
	}
	var errKind, errMsg string
	if out.Error != nil {
		errKind, errMsg = string(out.Error.Kind), out.Error.Message
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result_json = ?, error_kind = ?, error_message = ?,
			completed_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status IN ('PENDING', 'RUNNING')`,
		string(status), resultJSON, errKind, errMsg, formatTime(time.Now()), taskID, expectedVersion,
	)
	if err != nil {
		return Task{}, err
	}
	if err := s.checkCAS(ctx, res, "tasks", "id", taskID); err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, taskID)
}

// RequeueRunning returns the orphaned RUNNING tasks of a resolution to
// PENDING. It acts only while the execution state of traceID is still at
// expectedVersion; if a coordinator wrote the state after the caller read
// it, ErrConflict is returned and no task changes.
func (s *Store) RequeueRunning(ctx context.Context, traceID string, expectedVersion int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	var queryID string
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT query_id, version FROM execution_states WHERE trace_id = ?`, traceID).
		Scan(&queryID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if version != expectedVersion {
		return 0, ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'PENDING', started_at = '', version = version + 1
		WHERE query_id = ? AND status = 'RUNNING'`, queryID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing requeue: %w", err)
	}
	return int(n), nil
}

// checkCAS turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (s *Store) checkCAS(ctx context.Context, res sql.Result, table, keyCol, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE `+keyCol+` = ?`, key).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var eng, status, attempted, resultJSON, errKind, errMsg string
		var runAfter, createdAt, startedAt, completedAt string
		var timeoutMS int64
		if err := rows.Scan(
			&t.ID, &t.QueryID, &t.Generation, &eng, &status, &t.AttemptCount, &t.MaxAttempts, &attempted,
			&t.ParentID, &t.Priority, &timeoutMS, &resultJSON, &errKind, &errMsg, &runAfter, &t.Version,
			&createdAt, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		t.Engine = engine.Kind(eng)
		t.Status = TaskStatus(status)
		t.Timeout = time.Duration(timeoutMS) * time.Millisecond
		if err := json.Unmarshal([]byte(attempted), &t.AttemptedEngines); err != nil {
			return nil, fmt.Errorf("parsing attempted_engines for task %s: %w", t.ID, err)
		}
		if resultJSON != "" {
			var r engine.Result
			if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
				return nil, fmt.Errorf("parsing result for task %s: %w", t.ID, err)
			}
			t.Result = &r
		}
		if errKind != "" {
			t.Error = &TaskError{Kind: engine.ErrorKind(errKind), Message: errMsg}
		}
		var err error
		if t.RunAfter, err = parseTime(runAfter); err != nil {
			return nil, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
		}
		if t.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at for task %s: %w", t.ID, err)
		}
		if t.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, fmt.Errorf("parsing completed_at for task %s: %w", t.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// IsConflict reports whether err is an optimistic-concurrency collision.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
