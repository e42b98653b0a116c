package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const stateColumns = `trace_id, query_id, phase, generation, iteration_count, max_iterations, needs_multi_engine,
	intents_json, termination, response_json, deadline, version, created_at, updated_at`

// GetExecutionState returns the execution state for traceID.
func (s *Store) GetExecutionState(ctx context.Context, traceID string) (ExecutionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM execution_states WHERE trace_id = ?`, traceID)
	if err != nil {
		return ExecutionState{}, err
	}
	states, err := scanStates(rows)
	if err != nil {
		return ExecutionState{}, err
	}
	if len(states) == 0 {
		return ExecutionState{}, ErrNotFound
	}
	return states[0], nil
}

// UpsertExecutionState writes st if the stored version equals expectedVersion.
// An expectedVersion of 0 means the row must not exist yet. On success the
// returned state carries the new version; on a mismatch ErrConflict is
// returned and nothing is written.
func (s *Store) UpsertExecutionState(ctx context.Context, st ExecutionState, expectedVersion int64) (ExecutionState, error) {
	now := time.Now()
	intents := string(st.Intents)
	if intents == "" {
		intents = "[]"
	}

	if expectedVersion == 0 {
		created := st.CreatedAt
		if created.IsZero() {
			created = now
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO execution_states (`+stateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (trace_id) DO NOTHING`,
			st.TraceID, st.QueryID, string(st.Phase), st.Generation, st.IterationCount, st.MaxIterations,
			boolToInt(st.NeedsMultiEngine), intents, st.Termination, string(st.Response), formatTime(st.Deadline),
			formatTime(created), formatTime(now),
		)
		if err != nil {
			return ExecutionState{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return ExecutionState{}, err
		}
		if n == 0 {
			return ExecutionState{}, ErrConflict
		}
		return s.GetExecutionState(ctx, st.TraceID)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_states SET
			phase = ?, generation = ?, iteration_count = ?, max_iterations = ?, needs_multi_engine = ?,
			intents_json = ?, termination = ?, response_json = ?, deadline = ?,
			version = version + 1, updated_at = ?
		WHERE trace_id = ? AND version = ?`,
		string(st.Phase), st.Generation, st.IterationCount, st.MaxIterations, boolToInt(st.NeedsMultiEngine),
		intents, st.Termination, string(st.Response), formatTime(st.Deadline),
		formatTime(now), st.TraceID, expectedVersion,
	)
	if err != nil {
		return ExecutionState{}, err
	}
	if err := s.checkCAS(ctx, res, "execution_states", "trace_id", st.TraceID); err != nil {
		return ExecutionState{}, err
	}
	return s.GetExecutionState(ctx, st.TraceID)
}

// ListStale returns non-terminal execution states not updated since before.
func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]ExecutionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+`
		FROM execution_states
		WHERE phase NOT IN ('DONE', 'FAILED', 'TIMED_OUT') AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, formatTime(before), limit)
	if err != nil {
		return nil, err
	}
	return scanStates(rows)
}

func scanStates(rows *sql.Rows) ([]ExecutionState, error) {
	defer rows.Close()

	var states []ExecutionState
	for rows.Next() {
		var st ExecutionState
		var phase, intents, response, deadline, createdAt, updatedAt string
		var multi int
		if err := rows.Scan(
			&st.TraceID, &st.QueryID, &phase, &st.Generation, &st.IterationCount, &st.MaxIterations, &multi,
			&intents, &st.Termination, &response, &deadline, &st.Version, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		st.Phase = Phase(phase)
		st.NeedsMultiEngine = multi != 0
		st.Intents = []byte(intents)
		if response != "" {
			st.Response = []byte(response)
		}
		var err error
		if st.Deadline, err = parseTime(deadline); err != nil {
			return nil, fmt.Errorf("parsing deadline for %s: %w", st.TraceID, err)
		}
		if st.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", st.TraceID, err)
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for %s: %w", st.TraceID, err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
