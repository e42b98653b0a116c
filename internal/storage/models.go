package storage

import (
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/kalambet/switchyard/internal/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic-concurrency check fails: the
// row's version no longer matches the caller's expected version. Callers
// re-read the row and retry the single mutation.
var ErrConflict = errors.New("version conflict")

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskTimedOut  TaskStatus = "TIMED_OUT"
	TaskSkipped   TaskStatus = "SKIPPED"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskSkipped:
		return true
	}
	return false
}

// Phase is the lifecycle state of an ExecutionState.
type Phase string

const (
	PhasePlanning    Phase = "PLANNING"
	PhaseExecuting   Phase = "EXECUTING"
	PhaseAggregating Phase = "AGGREGATING"
	PhaseDone        Phase = "DONE"
	PhaseFailed      Phase = "FAILED"
	PhaseTimedOut    Phase = "TIMED_OUT"
)

// Terminal reports whether the resolution has finished.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseTimedOut
}

// Query is an incoming question. Immutable once created.
type Query struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	TraceID        string    `json:"trace_id"`
	Text           string    `json:"text"`
	NormalizedHash string    `json:"normalized_hash"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// TaskError is the classified failure recorded on a terminal Task.
type TaskError struct {
	Kind    engine.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// Task is one attempt to answer a query with one engine.
type Task struct {
	ID               string         `json:"id"`
	QueryID          string         `json:"query_id"`
	Generation       int            `json:"generation"`
	Engine           engine.Kind    `json:"engine"`
	Status           TaskStatus     `json:"status"`
	AttemptCount     int            `json:"attempt_count"`
	MaxAttempts      int            `json:"max_attempts"`
	AttemptedEngines []engine.Kind  `json:"attempted_engines"`
	ParentID         string         `json:"parent_id"` // task whose failure spawned this one
	Priority         int            `json:"priority"`  // plan order, lower is preferred
	Timeout          time.Duration  `json:"timeout"`
	Result           *engine.Result `json:"result,omitempty"`
	Error            *TaskError     `json:"error,omitempty"`
	RunAfter         time.Time      `json:"run_after"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// HasAttempted reports whether k is in the task's attempted engine set.
func (t Task) HasAttempted(k engine.Kind) bool {
	return slices.Contains(t.AttemptedEngines, k)
}

// Outcome is what MarkTerminal records on a task.
type Outcome struct {
	Result *engine.Result
	Error  *TaskError
}

// ExecutionState is the durable loop-control record of one query resolution,
// keyed by trace id. Only the execution loop mutates it, always through
// UpsertExecutionState with the version it last read.
type ExecutionState struct {
	TraceID          string          `json:"trace_id"`
	QueryID          string          `json:"query_id"`
	Phase            Phase           `json:"phase"`
	Generation       int             `json:"generation"`
	IterationCount   int             `json:"iteration_count"`
	MaxIterations    int             `json:"max_iterations"`
	NeedsMultiEngine bool            `json:"needs_multi_engine"`
	Intents          json.RawMessage `json:"intents"`
	Termination      string          `json:"termination"`
	Response         json.RawMessage `json:"response"`
	Deadline         time.Time       `json:"deadline"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
