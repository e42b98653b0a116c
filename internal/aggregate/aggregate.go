package aggregate

import (
	"fmt"
	"slices"

	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/storage"
)

// Status is the user-visible outcome of a resolution.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusFailed  Status = "FAILED"
)

// ErrorCode is the user-visible error taxonomy.
type ErrorCode string

const (
	ErrEngineTimeout          ErrorCode = "ENGINE_TIMEOUT"
	ErrEngineServerError      ErrorCode = "ENGINE_SERVER_ERROR"
	ErrEmptyResponse          ErrorCode = "EMPTY_RESPONSE"
	ErrPermissionDenied       ErrorCode = "PERMISSION_DENIED"
	ErrRateLimited            ErrorCode = "RATE_LIMITED"
	ErrPlanExceededIterations ErrorCode = "PLAN_EXCEEDED_ITERATIONS"
	ErrAllEnginesFailed       ErrorCode = "ALL_ENGINES_FAILED"
	ErrCacheUnavailable       ErrorCode = "CACHE_UNAVAILABLE"
	ErrStoreConflict          ErrorCode = "STORE_CONFLICT"
	ErrDeadlineExceeded       ErrorCode = "DEADLINE_EXCEEDED"
	ErrUnknown                ErrorCode = "UNKNOWN"
)

// CodeFor maps an engine error kind onto the user-visible taxonomy.
func CodeFor(k engine.ErrorKind) ErrorCode {
	switch k {
	case engine.ErrTimeout:
		return ErrEngineTimeout
	case engine.ErrServer:
		return ErrEngineServerError
	case engine.ErrEmptyResponse:
		return ErrEmptyResponse
	case engine.ErrPermissionDenied:
		return ErrPermissionDenied
	case engine.ErrRateLimited:
		return ErrRateLimited
	}
	return ErrUnknown
}

// Termination records why the execution loop stopped.
type Termination string

const (
	// Natural: every task reached a terminal state.
	Natural Termination = "natural"
	// Iterations: the round budget ran out.
	Iterations Termination = "iterations"
	// Deadline: the wall-clock budget ran out.
	Deadline Termination = "deadline"
	// Aborted: an engine denied access.
	Aborted Termination = "aborted"
)

// BudgetExhausted reports whether the loop stopped on a budget.
func (t Termination) BudgetExhausted() bool {
	return t == Iterations || t == Deadline
}

// TaskFailure is one entry of the error history attached to a response.
type TaskFailure struct {
	TaskID       string             `json:"task_id"`
	Engine       engine.Kind        `json:"engine"`
	Status       storage.TaskStatus `json:"status"`
	AttemptCount int                `json:"attempt_count"`
	Code         ErrorCode          `json:"code"`
	Message      string             `json:"message"`
}

// Response is the aggregated answer for one query resolution.
type Response struct {
	Status       Status           `json:"status"`
	Answer       string           `json:"answer"`
	Sources      []map[string]any `json:"sources"`
	Confidence   float64          `json:"confidence"`
	EngineUsed   engine.Kind      `json:"engine_used,omitempty"`
	EnginesTried []engine.Kind    `json:"engines_tried"`
	TraceID      string           `json:"trace_id"`
	Error        ErrorCode        `json:"error,omitempty"`
	Message      string           `json:"message,omitempty"`
	Errors       []TaskFailure    `json:"errors,omitempty"`
	CacheHit     bool             `json:"cache_hit,omitempty"`
}

// Score ranks a successful result: confidence minus a latency penalty of
// 0.1 per second.
func Score(r *engine.Result) float64 {
	return r.Confidence - float64(r.LatencyMS)/10000
}

// Aggregate merges the terminal tasks of one generation into a Response.
// tasks must be in creation order; Priority breaks score ties.
func Aggregate(traceID string, tasks []storage.Task, term Termination) Response {
	resp := history(traceID, tasks)

	var best *storage.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status != storage.TaskSucceeded || t.Result == nil {
			continue
		}
		if best == nil || better(t, best) {
			best = t
		}
	}

	if term == Aborted {
		resp.Status = StatusFailed
		resp.Error = ErrPermissionDenied
		resp.Message = "an engine denied access; resolution aborted"
		return resp
	}

	if best != nil {
		resp.Status = StatusSuccess
		if term.BudgetExhausted() {
			resp.Status = StatusPartial
		}
		resp.Answer = best.Result.Response
		if best.Result.Sources != nil {
			resp.Sources = best.Result.Sources
		}
		resp.Confidence = best.Result.Confidence
		resp.EngineUsed = best.Engine
		return resp
	}

	resp.Status = StatusFailed
	switch term {
	case Iterations:
		resp.Error = ErrPlanExceededIterations
		resp.Message = "iteration budget exhausted before any engine succeeded"
	case Deadline:
		resp.Error = ErrDeadlineExceeded
		resp.Message = "time budget exhausted before any engine succeeded"
	default:
		resp.Error = ErrAllEnginesFailed
		resp.Message = fmt.Sprintf("all %d engine attempts failed", len(resp.Errors))
	}
	return resp
}

// Failed is the response for a resolution stopped by an internal error
// rather than by its engines. tasks supply the engines tried and the error
// history; no answer is taken from them.
func Failed(traceID string, tasks []storage.Task, code ErrorCode, message string) Response {
	resp := history(traceID, tasks)
	resp.Status = StatusFailed
	resp.Error = code
	resp.Message = message
	return resp
}

// history starts a response with the engines tried and the error history
// of tasks.
func history(traceID string, tasks []storage.Task) Response {
	resp := Response{TraceID: traceID, Sources: []map[string]any{}, EnginesTried: []engine.Kind{}}
	for _, t := range tasks {
		switch t.Status {
		case storage.TaskSucceeded, storage.TaskFailed, storage.TaskTimedOut, storage.TaskRunning:
			if !slices.Contains(resp.EnginesTried, t.Engine) {
				resp.EnginesTried = append(resp.EnginesTried, t.Engine)
			}
		}
		if t.Error != nil {
			resp.Errors = append(resp.Errors, TaskFailure{
				TaskID:       t.ID,
				Engine:       t.Engine,
				Status:       t.Status,
				AttemptCount: t.AttemptCount,
				Code:         CodeFor(t.Error.Kind),
				Message:      t.Error.Message,
			})
		}
	}
	return resp
}

func better(a, b *storage.Task) bool {
	sa, sb := Score(a.Result), Score(b.Result)
	if sa != sb {
		return sa > sb
	}
	return a.Priority < b.Priority
}
