package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/switchyard/internal/metrics"
	"github.com/kalambet/switchyard/internal/storage"
)

// StateStore abstracts the queries the resume worker runs against the store.
type StateStore interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]storage.ExecutionState, error)
	UpsertExecutionState(ctx context.Context, st storage.ExecutionState, expectedVersion int64) (storage.ExecutionState, error)
	RequeueRunning(ctx context.Context, traceID string, expectedVersion int64) (int, error)
}

// Runner drives one resolution to completion.
type Runner interface {
	Run(ctx context.Context, traceID string) (Outcome, error)
}

// Worker picks up resolutions whose coordinator stopped making progress and
// finishes them from their stored state.
type Worker struct {
	store      StateStore
	runner     Runner
	metrics    *metrics.Metrics
	poll       time.Duration
	staleAfter time.Duration
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

// NewWorker creates a Worker. If pollInterval is <= 0 it defaults to 5s; if
// staleAfter is <= 0 it defaults to 2m.
func NewWorker(store StateStore, runner Runner, m *metrics.Metrics, pollInterval, staleAfter time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Worker{
		store:      store,
		runner:     runner,
		metrics:    m,
		poll:       pollInterval,
		staleAfter: staleAfter,
		batch:      16,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// Run polls for stale resolutions until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("resume iteration failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce resumes every currently stale resolution and returns how many it
// drove to a terminal state.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	stale, err := w.store.ListStale(ctx, w.now().Add(-w.staleAfter), w.batch)
	if err != nil {
		return 0, fmt.Errorf("listing stale resolutions: %w", err)
	}

	done := 0
	for _, st := range stale {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		claimed, err := w.claim(ctx, st)
		if storage.IsConflict(err) {
			w.logger.Info("resolution picked up elsewhere", "trace_id", st.TraceID)
			continue
		}
		if err != nil {
			w.logger.Warn("claiming resolution failed", "trace_id", st.TraceID, "error", err)
			continue
		}
		n, err := w.store.RequeueRunning(ctx, claimed.TraceID, claimed.Version)
		if storage.IsConflict(err) {
			w.logger.Info("resolution picked up elsewhere", "trace_id", st.TraceID)
			continue
		}
		if err != nil {
			w.logger.Warn("requeue failed", "trace_id", st.TraceID, "error", err)
			continue
		}
		w.logger.Info("resuming resolution", "trace_id", st.TraceID, "phase", st.Phase, "requeued", n,
			"deadline", claimed.Deadline)

		out, err := w.runner.Run(ctx, st.TraceID)
		switch {
		case errors.Is(err, ErrSuperseded), errors.Is(err, ErrInProgress):
			w.logger.Info("resolution picked up elsewhere", "trace_id", st.TraceID)
			continue
		case err != nil:
			w.logger.Warn("resume failed", "trace_id", st.TraceID, "error", err)
			continue
		}
		w.metrics.ResumedResolution()
		w.logger.Info("resolution resumed", "trace_id", st.TraceID, "phase", out.State.Phase)
		done++
	}
	return done, nil
}

// claim writes st back with its deadline moved to now plus the budget that
// was left at its last state write. The version check makes the write a
// claim: whoever writes the state first owns the resolution.
func (w *Worker) claim(ctx context.Context, st storage.ExecutionState) (storage.ExecutionState, error) {
	expected := st.Version
	if !st.Deadline.IsZero() {
		if remaining := st.Deadline.Sub(st.UpdatedAt); remaining > 0 {
			st.Deadline = w.now().Add(remaining)
		}
	}
	return w.store.UpsertExecutionState(ctx, st, expected)
}
