package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/switchyard/internal/aggregate"
	"github.com/kalambet/switchyard/internal/cache"
	"github.com/kalambet/switchyard/internal/execution"
	"github.com/kalambet/switchyard/internal/intent"
	"github.com/kalambet/switchyard/internal/metrics"
	"github.com/kalambet/switchyard/internal/storage"
)

var (
	// ErrInvalidRequest is returned for a request missing its question or tenant.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotTerminal is returned by Retry while the resolution is still running.
	ErrNotTerminal = errors.New("resolution has not finished")

	// errNotFinished stops a wait on a resolution another coordinator holds
	// once its budget is gone.
	errNotFinished = errors.New("resolution still in progress")
)

// Request is one incoming question.
type Request struct {
	Question            string `json:"question"`
	TenantID            string `json:"tenant_id"`
	ConversationID      string `json:"conversation_id,omitempty"`
	ConversationSummary string `json:"conversation_summary,omitempty"`
}

// Store is the slice of the task store the orchestrator uses directly.
type Store interface {
	CreateQuery(ctx context.Context, q storage.Query) error
	GetQuery(ctx context.Context, id string) (storage.Query, error)
	ListTasks(ctx context.Context, queryID string) ([]storage.Task, error)
	GetExecutionState(ctx context.Context, traceID string) (storage.ExecutionState, error)
	UpsertExecutionState(ctx context.Context, st storage.ExecutionState, expectedVersion int64) (storage.ExecutionState, error)
}

// Planner writes the first-round tasks of a generation.
type Planner interface {
	Plan(ctx context.Context, q storage.Query, generation int, cls intent.Classification) ([]storage.Task, error)
}

// Runner drives a resolution to its terminal state.
type Runner interface {
	Run(ctx context.Context, traceID string) (execution.Outcome, error)
}

// Options bound every resolution.
type Options struct {
	MaxIterations    int
	Budget           time.Duration
	PlanningOverhead time.Duration
}

// Orchestrator is the entry point for questions: cache, classification,
// planning and the execution loop behind one call.
type Orchestrator struct {
	store      Store
	classifier intent.Classifier
	planner    Planner
	runner     Runner
	cache      *cache.Cache
	metrics    *metrics.Metrics
	opts       Options
	poll       time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Orchestrator. A nil cache disables response caching.
func New(store Store, classifier intent.Classifier, planner Planner, runner Runner, c *cache.Cache, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.Budget <= 0 {
		opts.Budget = 60 * time.Second
	}
	if opts.PlanningOverhead <= 0 {
		opts.PlanningOverhead = 2 * time.Second
	}
	if c == nil {
		c = cache.New(nil, 0)
	}
	return &Orchestrator{
		store:      store,
		classifier: classifier,
		planner:    planner,
		runner:     runner,
		cache:      c,
		metrics:    m,
		opts:       opts,
		poll:       100 * time.Millisecond,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// Ask answers req. A cached SUCCESS for the same tenant and normalized
// question is returned without touching any engine; concurrent identical
// questions share one resolution. Only an invalid request is an error:
// once a trace id is issued every failure is a FAILED response carrying it.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (aggregate.Response, error) {
	start := o.now()
	req.Question = strings.TrimSpace(req.Question)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.Question == "" {
		return aggregate.Response{}, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	if req.TenantID == "" {
		return aggregate.Response{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	normalized := Normalize(req.Question)

	cached, ok, err := o.cache.Get(ctx, req.TenantID, normalized)
	switch {
	case err != nil:
		o.metrics.CacheLookup("error")
		o.logger.Warn("cache lookup failed", "code", aggregate.ErrCacheUnavailable, "error", err)
	case ok:
		o.metrics.CacheLookup("hit")
		cached.CacheHit = true
		o.metrics.ObserveQuery(string(cached.Status), o.now().Sub(start))
		o.logger.Debug("cache hit", "trace_id", cached.TraceID, "tenant_id", req.TenantID)
		return cached, nil
	default:
		o.metrics.CacheLookup("miss")
	}

	// The resolution outlives a cancelled caller so its waiters and the
	// cache still get the result.
	resp, shared, err := o.cache.Do(ctx, cache.Key(req.TenantID, normalized), func() (aggregate.Response, error) {
		return o.resolve(context.WithoutCancel(ctx), req, normalized)
	})
	if err != nil {
		return aggregate.Response{}, err
	}
	if shared {
		o.logger.Debug("joined in-flight resolution", "trace_id", resp.TraceID)
	}
	o.metrics.ObserveQuery(string(resp.Status), o.now().Sub(start))
	return resp, nil
}

func (o *Orchestrator) resolve(ctx context.Context, req Request, normalized string) (aggregate.Response, error) {
	start := o.now()
	q := storage.Query{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		TraceID:        uuid.New().String(),
		Text:           req.Question,
		NormalizedHash: Hash(normalized),
		ConversationID: req.ConversationID,
		CreatedAt:      start,
	}
	if err := o.store.CreateQuery(ctx, q); err != nil {
		return o.failed(ctx, q.TraceID, execution.Outcome{}, fmt.Errorf("recording query: %w", err)), nil
	}
	log := o.logger.With("trace_id", q.TraceID)

	cctx, cancel := context.WithTimeout(ctx, o.opts.PlanningOverhead)
	cls := o.classifier.Classify(cctx, req.Question, req.ConversationSummary)
	cancel()
	log.Info("query classified", "intents", len(cls.Intents), "needs_multi_engine", cls.NeedsMultiEngine, "fallback", cls.Fallback)

	raw, err := json.Marshal(cls)
	if err != nil {
		return o.failed(ctx, q.TraceID, execution.Outcome{}, fmt.Errorf("encoding intents: %w", err)), nil
	}
	st := storage.ExecutionState{
		TraceID:          q.TraceID,
		QueryID:          q.ID,
		Phase:            storage.PhasePlanning,
		Generation:       1,
		MaxIterations:    o.opts.MaxIterations,
		NeedsMultiEngine: cls.NeedsMultiEngine,
		Intents:          raw,
		Deadline:         start.Add(o.opts.Budget),
	}
	if _, err := o.store.UpsertExecutionState(ctx, st, 0); err != nil {
		return o.failed(ctx, q.TraceID, execution.Outcome{}, fmt.Errorf("recording execution state: %w", err)), nil
	}

	resp := o.drive(ctx, q.TraceID)
	o.remember(ctx, req.TenantID, normalized, resp)
	return resp, nil
}

// Resume drives a resolution left behind by a stopped coordinator.
func (o *Orchestrator) Resume(ctx context.Context, traceID string) aggregate.Response {
	return o.drive(ctx, traceID)
}

// Retry starts a new generation for a finished resolution: the stored
// intents are planned again with fresh attempt bookkeeping and the tenant's
// cached answer is dropped. An unknown trace is storage.ErrNotFound and a
// running one ErrNotTerminal; anything else is a FAILED response.
func (o *Orchestrator) Retry(ctx context.Context, traceID string) (aggregate.Response, error) {
	st, err := o.store.GetExecutionState(ctx, traceID)
	if errors.Is(err, storage.ErrNotFound) {
		return aggregate.Response{}, err
	}
	if err != nil {
		return o.failed(ctx, traceID, execution.Outcome{}, fmt.Errorf("loading execution state: %w", err)), nil
	}
	if !st.Phase.Terminal() {
		return aggregate.Response{}, ErrNotTerminal
	}
	prior := execution.Outcome{State: st}
	q, err := o.store.GetQuery(ctx, st.QueryID)
	if err != nil {
		return o.failed(ctx, traceID, prior, fmt.Errorf("loading query: %w", err)), nil
	}
	var cls intent.Classification
	if err := json.Unmarshal(st.Intents, &cls); err != nil {
		return o.failed(ctx, traceID, prior, fmt.Errorf("decoding stored intents: %w", err)), nil
	}

	next := st
	next.Generation++
	if _, err := o.planner.Plan(ctx, q, next.Generation, cls); err != nil {
		return o.failed(ctx, traceID, prior, fmt.Errorf("planning generation %d: %w", next.Generation, err)), nil
	}
	next.Phase = storage.PhaseExecuting
	next.IterationCount = 0
	next.Termination = ""
	next.Response = nil
	next.Deadline = o.now().Add(o.opts.Budget)
	_, err = o.store.UpsertExecutionState(ctx, next, st.Version)
	switch {
	case storage.IsConflict(err):
		o.logger.Info("retry already started elsewhere", "trace_id", traceID)
	case err != nil:
		return o.failed(ctx, traceID, prior, fmt.Errorf("starting generation %d: %w", next.Generation, err)), nil
	default:
		o.logger.Info("retrying resolution", "trace_id", traceID, "generation", next.Generation)
	}

	normalized := Normalize(q.Text)
	if err := o.cache.Delete(ctx, q.TenantID, normalized); err != nil {
		o.logger.Warn("cache delete failed", "trace_id", traceID, "code", aggregate.ErrCacheUnavailable, "error", err)
	}

	resp := o.drive(ctx, traceID)
	o.remember(ctx, q.TenantID, normalized, resp)
	return resp, nil
}

// drive runs the loop and, when another coordinator owns the resolution,
// waits for it to finish.
func (o *Orchestrator) drive(ctx context.Context, traceID string) aggregate.Response {
	out, err := o.runner.Run(ctx, traceID)
	if errors.Is(err, execution.ErrSuperseded) || errors.Is(err, execution.ErrInProgress) {
		out, err = o.wait(ctx, traceID)
	}
	if err != nil {
		return o.failed(ctx, traceID, out, err)
	}
	return out.Response
}

// failed turns an error that stopped a resolution into a FAILED response.
// The error history comes from the tasks in out, or from the store when the
// loop held none; the cause itself is only logged.
func (o *Orchestrator) failed(ctx context.Context, traceID string, out execution.Outcome, err error) aggregate.Response {
	code, msg := aggregate.ErrUnknown, "resolution stopped on an internal error"
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, execution.ErrTaskContention):
		code, msg = aggregate.ErrStoreConflict, "task store rejected a conflicting write"
	case errors.Is(err, errNotFinished):
		code, msg = aggregate.ErrDeadlineExceeded, "resolution did not finish within its time budget"
	}
	o.logger.Error("resolution failed", "trace_id", traceID, "code", code, "phase", out.State.Phase, "error", err)

	tasks := out.Tasks
	if tasks == nil && out.State.QueryID != "" {
		stored, lerr := o.store.ListTasks(context.WithoutCancel(ctx), out.State.QueryID)
		if lerr == nil {
			tasks = stored
		}
	}
	return aggregate.Failed(traceID, tasks, code, msg)
}

// wait polls the stored state until it is terminal or its deadline, plus
// the planning overhead, has passed.
func (o *Orchestrator) wait(ctx context.Context, traceID string) (execution.Outcome, error) {
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		st, err := o.store.GetExecutionState(ctx, traceID)
		if err != nil {
			return execution.Outcome{}, fmt.Errorf("loading execution state: %w", err)
		}
		if st.Phase.Terminal() {
			return execution.OutcomeOf(st)
		}
		if !st.Deadline.IsZero() && o.now().After(st.Deadline.Add(o.opts.PlanningOverhead)) {
			return execution.Outcome{State: st}, fmt.Errorf("%w: trace %s in phase %s", errNotFinished, traceID, st.Phase)
		}
		select {
		case <-ctx.Done():
			return execution.Outcome{State: st}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// remember caches successful answers only.
func (o *Orchestrator) remember(ctx context.Context, tenantID, normalized string, resp aggregate.Response) {
	if resp.Status != aggregate.StatusSuccess {
		return
	}
	if err := o.cache.Set(ctx, tenantID, normalized, resp, 0); err != nil {
		o.logger.Warn("cache store failed", "trace_id", resp.TraceID, "code", aggregate.ErrCacheUnavailable, "error", err)
	}
}

// Trace is the full record of one resolution.
type Trace struct {
	Query    storage.Query          `json:"query"`
	State    storage.ExecutionState `json:"state"`
	Response *aggregate.Response    `json:"response,omitempty"`
	Tasks    []storage.Task         `json:"tasks"`
}

// Trace returns the stored state, response and task history of traceID.
func (o *Orchestrator) Trace(ctx context.Context, traceID string) (Trace, error) {
	st, err := o.store.GetExecutionState(ctx, traceID)
	if err != nil {
		return Trace{}, err
	}
	q, err := o.store.GetQuery(ctx, st.QueryID)
	if err != nil {
		return Trace{}, fmt.Errorf("loading query: %w", err)
	}
	tasks, err := o.store.ListTasks(ctx, st.QueryID)
	if err != nil {
		return Trace{}, fmt.Errorf("listing tasks: %w", err)
	}
	tr := Trace{Query: q, State: st, Tasks: tasks}
	if st.Phase.Terminal() {
		out, err := execution.OutcomeOf(st)
		if err != nil {
			return Trace{}, err
		}
		tr.Response = &out.Response
	}
	return tr, nil
}
