package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/switchyard/internal/aggregate"
	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/fallback"
	"github.com/kalambet/switchyard/internal/intent"
	"github.com/kalambet/switchyard/internal/metrics"
	"github.com/kalambet/switchyard/internal/storage"
)

var (
	// ErrSuperseded is returned when another coordinator advanced the
	// resolution first. The state in the store is authoritative.
	ErrSuperseded = errors.New("execution state advanced by another coordinator")

	// ErrInProgress is returned when the only unfinished tasks are RUNNING
	// under another coordinator.
	ErrInProgress = errors.New("tasks are running under another coordinator")

	// ErrTaskContention is returned when a task outcome still met a version
	// conflict after maxCASRetries re-reads.
	ErrTaskContention = errors.New("task outcome rejected by concurrent writes")
)

// maxCASRetries bounds re-read-and-retry of a single task mutation.
const maxCASRetries = 3

// transitions is the phase state machine. EXECUTING loops on itself once
// per round.
var transitions = map[storage.Phase][]storage.Phase{
	storage.PhasePlanning:    {storage.PhaseExecuting},
	storage.PhaseExecuting:   {storage.PhaseExecuting, storage.PhaseAggregating},
	storage.PhaseAggregating: {storage.PhaseDone, storage.PhaseFailed, storage.PhaseTimedOut},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to storage.Phase) bool {
	return slices.Contains(transitions[from], to)
}

// Store is the slice of the task store the loop needs.
type Store interface {
	GetQuery(ctx context.Context, id string) (storage.Query, error)
	CreateTasks(ctx context.Context, tasks []storage.Task) error
	GetTask(ctx context.Context, id string) (storage.Task, error)
	ListTasks(ctx context.Context, queryID string) ([]storage.Task, error)
	ListPending(ctx context.Context, queryID string) ([]storage.Task, error)
	MarkRunning(ctx context.Context, taskID string, expectedVersion int64) (storage.Task, error)
	MarkTerminal(ctx context.Context, taskID string, status storage.TaskStatus, out storage.Outcome, expectedVersion int64) (storage.Task, error)
	GetExecutionState(ctx context.Context, traceID string) (storage.ExecutionState, error)
	UpsertExecutionState(ctx context.Context, st storage.ExecutionState, expectedVersion int64) (storage.ExecutionState, error)
}

// Dispatcher invokes one engine under a deadline.
type Dispatcher interface {
	Invoke(ctx context.Context, k engine.Kind, req engine.Request, timeout time.Duration) engine.Result
}

// Planner writes the first-round tasks of a generation.
type Planner interface {
	Plan(ctx context.Context, q storage.Query, generation int, cls intent.Classification) ([]storage.Task, error)
}

// Replanner may propose extra tasks between rounds, for example after an
// agent-style re-evaluation of partial results. Proposed tasks for an
// engine already used in the generation are dropped.
type Replanner interface {
	Replan(ctx context.Context, st storage.ExecutionState, tasks []storage.Task) []storage.Task
}

// Outcome is the terminal result of a resolution. When Run fails during
// EXECUTING, Tasks holds the generation as the loop last saw it, including
// engine results the store did not accept.
type Outcome struct {
	State    storage.ExecutionState
	Response aggregate.Response
	Tasks    []storage.Task
}

// Loop drives one resolution through its phases. It keeps no state between
// calls: every step starts from the stored ExecutionState, so any process
// can pick up a resolution another one left behind.
type Loop struct {
	store      Store
	planner    Planner
	dispatcher Dispatcher
	monitor    *fallback.Monitor
	replanner  Replanner
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewLoop creates a Loop.
func NewLoop(store Store, planner Planner, dispatcher Dispatcher, monitor *fallback.Monitor, m *metrics.Metrics) *Loop {
	return &Loop{
		store:      store,
		planner:    planner,
		dispatcher: dispatcher,
		monitor:    monitor,
		metrics:    m,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetReplanner installs an optional replanning hook.
func (l *Loop) SetReplanner(r Replanner) {
	l.replanner = r
}

// Run advances the resolution identified by traceID until it is terminal.
// Store writes are not bound to ctx so a cancelled caller cannot leave a
// half-recorded round; ctx and the stored deadline bound the engine calls.
func (l *Loop) Run(ctx context.Context, traceID string) (Outcome, error) {
	sctx := context.WithoutCancel(ctx)

	st, err := l.store.GetExecutionState(sctx, traceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading execution state: %w", err)
	}
	q, err := l.store.GetQuery(sctx, st.QueryID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading query %s: %w", st.QueryID, err)
	}
	log := l.logger.With("trace_id", traceID)

	for !st.Phase.Terminal() {
		var next storage.ExecutionState
		var seen []storage.Task
		switch st.Phase {
		case storage.PhasePlanning:
			next, err = l.plan(sctx, q, st)
		case storage.PhaseExecuting:
			if cerr := ctx.Err(); cerr != nil {
				return Outcome{State: st}, cerr
			}
			next, seen, err = l.step(ctx, q, st, log)
		case storage.PhaseAggregating:
			next, err = l.aggregate(sctx, q, st, log)
		default:
			return Outcome{}, fmt.Errorf("unknown phase %q", st.Phase)
		}

		if errors.Is(err, storage.ErrConflict) {
			l.metrics.StoreConflict("upsert_state")
			fresh, rerr := l.store.GetExecutionState(sctx, traceID)
			if rerr != nil {
				return Outcome{}, fmt.Errorf("re-reading execution state: %w", rerr)
			}
			if fresh.Phase.Terminal() {
				return OutcomeOf(fresh)
			}
			log.Info("execution state superseded", "phase", fresh.Phase, "version", fresh.Version)
			return Outcome{State: fresh}, ErrSuperseded
		}
		if err != nil {
			return Outcome{State: st, Tasks: seen}, err
		}
		st = next
	}
	return OutcomeOf(st)
}

// advance writes st with a new phase after checking the transition table.
func (l *Loop) advance(ctx context.Context, st storage.ExecutionState, to storage.Phase) (storage.ExecutionState, error) {
	if !CanTransition(st.Phase, to) {
		return st, fmt.Errorf("illegal phase transition %s -> %s", st.Phase, to)
	}
	expected := st.Version
	st.Phase = to
	return l.store.UpsertExecutionState(ctx, st, expected)
}

// plan writes the generation's tasks from the stored classification when
// they do not exist yet, then enters EXECUTING.
func (l *Loop) plan(ctx context.Context, q storage.Query, st storage.ExecutionState) (storage.ExecutionState, error) {
	tasks, err := l.generationTasks(ctx, q.ID, st.Generation)
	if err != nil {
		return st, err
	}
	if len(tasks) == 0 {
		var cls intent.Classification
		if err := json.Unmarshal(st.Intents, &cls); err != nil {
			return st, fmt.Errorf("decoding stored intents: %w", err)
		}
		if _, err := l.planner.Plan(ctx, q, st.Generation, cls); err != nil {
			return st, err
		}
	}
	return l.advance(ctx, st, storage.PhaseExecuting)
}

// step runs one EXECUTING round: fallback decisions for failed tasks, the
// termination checks, then parallel dispatch of every due PENDING task. It
// also returns the tasks it worked on, with this round's engine results
// applied, so a failed store write does not lose them.
func (l *Loop) step(ctx context.Context, q storage.Query, st storage.ExecutionState, log *slog.Logger) (storage.ExecutionState, []storage.Task, error) {
	sctx := context.WithoutCancel(ctx)

	tasks, err := l.generationTasks(sctx, q.ID, st.Generation)
	if err != nil {
		return st, nil, err
	}

	tasks, aborted, err := l.applyFallbacks(sctx, q, st, tasks, log)
	if err != nil {
		return st, tasks, err
	}
	if aborted {
		next, err := l.finishExecuting(sctx, st, tasks, aggregate.Aborted, log)
		return next, tasks, err
	}

	if l.replanner != nil {
		if tasks, err = l.replan(sctx, st, tasks); err != nil {
			return st, tasks, err
		}
	}

	pending, err := l.store.ListPending(sctx, q.ID)
	if err != nil {
		return st, tasks, fmt.Errorf("listing pending tasks: %w", err)
	}
	pending = inGeneration(pending, st.Generation)
	var running []storage.Task
	for _, t := range tasks {
		if t.Status == storage.TaskRunning {
			running = append(running, t)
		}
	}

	now := l.now()
	deadline := st.Deadline
	var term aggregate.Termination
	switch {
	case len(pending) == 0 && len(running) == 0:
		term = aggregate.Natural
	case !deadline.IsZero() && !now.Before(deadline):
		term = aggregate.Deadline
	case len(pending) == 0:
		return st, tasks, ErrInProgress
	case st.IterationCount >= st.MaxIterations:
		term = aggregate.Iterations
	}
	if term != "" {
		next, err := l.finishExecuting(sctx, st, tasks, term, log)
		return next, tasks, err
	}

	var due []storage.Task
	wake := deadline
	for _, t := range pending {
		if !t.RunAfter.After(now) {
			due = append(due, t)
		} else if wake.IsZero() || t.RunAfter.Before(wake) {
			wake = t.RunAfter
		}
	}
	if len(due) == 0 {
		// Every pending task is backing off; sleep until the first is due.
		timer := time.NewTimer(wake.Sub(now))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return st, tasks, ctx.Err()
		case <-timer.C:
		}
		return st, tasks, nil
	}

	expected := st.Version
	st.IterationCount++
	next, err := l.store.UpsertExecutionState(sctx, st, expected)
	if err != nil {
		return st, tasks, err
	}
	st = next
	log.Debug("execution round", "iteration", st.IterationCount, "tasks", len(due))

	runCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	finished := make([]storage.Task, len(due))
	g := new(errgroup.Group)
	for i, t := range due {
		g.Go(func() error {
			var err error
			finished[i], err = l.runTask(runCtx, sctx, q, t, log)
			return err
		})
	}
	err = g.Wait()
	for _, f := range finished {
		if i := slices.IndexFunc(tasks, func(t storage.Task) bool { return t.ID == f.ID }); i >= 0 {
			tasks[i] = f
		}
	}
	return st, tasks, err
}

// runTask claims one task, calls its engine, and records the outcome. The
// returned task carries the outcome even when recording it failed; it is
// the zero Task when another coordinator claimed t first.
func (l *Loop) runTask(runCtx, sctx context.Context, q storage.Query, t storage.Task, log *slog.Logger) (storage.Task, error) {
	running, err := l.store.MarkRunning(sctx, t.ID, t.Version)
	if storage.IsConflict(err) {
		l.metrics.StoreConflict("mark_running")
		return storage.Task{}, nil
	}
	if err != nil {
		return t, fmt.Errorf("claiming task %s: %w", t.ID, err)
	}

	res := l.dispatcher.Invoke(runCtx, running.Engine, engine.Request{
		Query:    q.Text,
		TenantID: q.TenantID,
		TraceID:  q.TraceID,
		Params:   map[string]any{"attempt_count": running.AttemptCount},
	}, running.Timeout)

	status := storage.TaskFailed
	switch res.Status {
	case engine.StatusSucceeded:
		status = storage.TaskSucceeded
	case engine.StatusTimedOut:
		status = storage.TaskTimedOut
	}
	out := storage.Outcome{Result: &res}
	if res.Error != nil {
		out.Error = &storage.TaskError{Kind: res.Error.Kind, Message: res.Error.Message}
	}

	log.Info("task finished", "task_id", running.ID, "engine", running.Engine, "status", status,
		"latency_ms", res.LatencyMS, "attempt", running.AttemptCount)
	done := running
	done.Status, done.Result, done.Error = status, out.Result, out.Error
	return done, l.markTerminal(sctx, running, status, out)
}

// markTerminal records status on t, re-reading and retrying on a version
// conflict. A task some other writer already finished is left alone.
func (l *Loop) markTerminal(ctx context.Context, t storage.Task, status storage.TaskStatus, out storage.Outcome) error {
	for range maxCASRetries {
		_, err := l.store.MarkTerminal(ctx, t.ID, status, out, t.Version)
		if !storage.IsConflict(err) {
			return err
		}
		l.metrics.StoreConflict("mark_terminal")
		if t, err = l.store.GetTask(ctx, t.ID); err != nil {
			return fmt.Errorf("re-reading task: %w", err)
		}
		if t.Status.Terminal() {
			return nil
		}
	}
	return fmt.Errorf("recording task %s: %w", t.ID, ErrTaskContention)
}

// applyFallbacks asks the monitor about every failed task and persists the
// spawned successors. It reports whether the resolution must abort.
func (l *Loop) applyFallbacks(ctx context.Context, q storage.Query, st storage.ExecutionState, tasks []storage.Task, log *slog.Logger) ([]storage.Task, bool, error) {
	var spawned []storage.Task
	for _, t := range tasks {
		if t.Status != storage.TaskFailed && t.Status != storage.TaskTimedOut {
			continue
		}
		d := l.monitor.Next(t, append(slices.Clone(tasks), spawned...))
		if d.Abort {
			log.Warn("aborting resolution", "task_id", t.ID, "engine", t.Engine, "reason", d.Reason)
			return tasks, true, nil
		}
		if d.Spawn != nil {
			kind := engine.ErrUnknown
			if t.Error != nil {
				kind = t.Error.Kind
			}
			log.Info("spawning fallback", "task_id", t.ID, "engine", t.Engine, "next", d.Spawn.Engine,
				"attempt", d.Spawn.AttemptCount, "error_kind", kind)
			l.metrics.FallbackSpawned(string(t.Engine), string(kind))
			spawned = append(spawned, *d.Spawn)
		}
	}
	if len(spawned) == 0 {
		return tasks, false, nil
	}
	if err := l.store.CreateTasks(ctx, spawned); err != nil {
		return tasks, false, fmt.Errorf("creating fallback tasks: %w", err)
	}
	tasks, err := l.generationTasks(ctx, q.ID, st.Generation)
	return tasks, false, err
}

func (l *Loop) replan(ctx context.Context, st storage.ExecutionState, tasks []storage.Task) ([]storage.Task, error) {
	used := make(map[engine.Kind]bool, len(tasks))
	for _, t := range tasks {
		used[t.Engine] = true
	}
	var accepted []storage.Task
	for _, t := range l.replanner.Replan(ctx, st, tasks) {
		if !t.Engine.Valid() || used[t.Engine] {
			continue
		}
		used[t.Engine] = true
		t.QueryID = st.QueryID
		t.Generation = st.Generation
		if t.AttemptCount == 0 {
			t.AttemptCount = 1
		}
		if t.MaxAttempts < t.AttemptCount {
			t.MaxAttempts = t.AttemptCount
		}
		if !t.HasAttempted(t.Engine) {
			t.AttemptedEngines = append(slices.Clone(t.AttemptedEngines), t.Engine)
		}
		accepted = append(accepted, t)
	}
	if len(accepted) == 0 {
		return tasks, nil
	}
	if err := l.store.CreateTasks(ctx, accepted); err != nil {
		return tasks, fmt.Errorf("creating replanned tasks: %w", err)
	}
	return l.generationTasks(ctx, st.QueryID, st.Generation)
}

// finishExecuting skips every still-PENDING task and enters AGGREGATING.
func (l *Loop) finishExecuting(ctx context.Context, st storage.ExecutionState, tasks []storage.Task, term aggregate.Termination, log *slog.Logger) (storage.ExecutionState, error) {
	for _, t := range tasks {
		if t.Status != storage.TaskPending {
			continue
		}
		if err := l.markTerminal(ctx, t, storage.TaskSkipped, storage.Outcome{}); err != nil {
			return st, err
		}
	}
	log.Info("execution finished", "termination", term, "iterations", st.IterationCount)
	st.Termination = string(term)
	return l.advance(ctx, st, storage.PhaseAggregating)
}

// aggregate builds the response from the generation's tasks and moves the
// state to its terminal phase.
func (l *Loop) aggregate(ctx context.Context, q storage.Query, st storage.ExecutionState, log *slog.Logger) (storage.ExecutionState, error) {
	tasks, err := l.generationTasks(ctx, q.ID, st.Generation)
	if err != nil {
		return st, err
	}
	term := aggregate.Termination(st.Termination)
	resp := aggregate.Aggregate(st.TraceID, tasks, term)

	raw, err := json.Marshal(resp)
	if err != nil {
		return st, fmt.Errorf("encoding response: %w", err)
	}
	st.Response = raw

	to := storage.PhaseFailed
	switch {
	case resp.Status == aggregate.StatusSuccess || resp.Status == aggregate.StatusPartial:
		to = storage.PhaseDone
	case term == aggregate.Deadline:
		to = storage.PhaseTimedOut
	}
	log.Info("resolution complete", "status", resp.Status, "engine_used", resp.EngineUsed, "error", resp.Error)
	return l.advance(ctx, st, to)
}

func (l *Loop) generationTasks(ctx context.Context, queryID string, generation int) ([]storage.Task, error) {
	all, err := l.store.ListTasks(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return inGeneration(all, generation), nil
}

func inGeneration(tasks []storage.Task, generation int) []storage.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if t.Generation == generation {
			out = append(out, t)
		}
	}
	return out
}

// OutcomeOf decodes the stored response of a terminal state.
func OutcomeOf(st storage.ExecutionState) (Outcome, error) {
	var resp aggregate.Response
	if len(st.Response) > 0 {
		if err := json.Unmarshal(st.Response, &resp); err != nil {
			return Outcome{State: st}, fmt.Errorf("decoding stored response: %w", err)
		}
	}
	return Outcome{State: st, Response: resp}, nil
}
