package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/intent"
	"github.com/kalambet/switchyard/internal/storage"
)

// ErrNoTasks is returned when a classification yields nothing to dispatch.
var ErrNoTasks = errors.New("plan produced no tasks")

// TaskCreator persists planned tasks.
type TaskCreator interface {
	CreateTasks(ctx context.Context, tasks []storage.Task) error
}

// Planner turns a classification into the initial PENDING tasks of a
// resolution.
type Planner struct {
	store          TaskCreator
	maxAttempts    int
	timeouts       map[engine.Kind]time.Duration
	defaultTimeout time.Duration
}

// New creates a Planner. timeouts gives the per-engine call deadline, with
// defaultTimeout for engines not listed.
func New(store TaskCreator, maxAttempts int, timeouts map[engine.Kind]time.Duration, defaultTimeout time.Duration) *Planner {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Planner{
		store:          store,
		maxAttempts:    maxAttempts,
		timeouts:       timeouts,
		defaultTimeout: defaultTimeout,
	}
}

// Timeout returns the call deadline for engine k.
func (p *Planner) Timeout(k engine.Kind) time.Duration {
	if d, ok := p.timeouts[k]; ok && d > 0 {
		return d
	}
	return p.defaultTimeout
}

// Engines returns the engines a classification should dispatch in round
// one: every primary intent, plus each alternative when the query needs
// more than one engine. Order is the tie-break priority.
func Engines(cls intent.Classification) []engine.Kind {
	var out []engine.Kind
	add := func(k engine.Kind) {
		if k.Valid() && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	for _, in := range cls.Intents {
		add(in.Engine)
	}
	if cls.NeedsMultiEngine {
		for _, in := range cls.Intents {
			for _, alt := range in.AlternativeEngines {
				add(alt)
			}
		}
	}
	return out
}

// TaskID derives a stable id for the planned task of engine k, so planning
// the same generation twice yields the same rows.
func TaskID(queryID string, generation int, k engine.Kind) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d/%s", queryID, generation, k))).String()
}

// Build returns the tasks for q without persisting them.
func (p *Planner) Build(q storage.Query, generation int, cls intent.Classification) []storage.Task {
	engines := Engines(cls)
	tasks := make([]storage.Task, 0, len(engines))
	for i, k := range engines {
		tasks = append(tasks, storage.Task{
			ID:               TaskID(q.ID, generation, k),
			QueryID:          q.ID,
			Generation:       generation,
			Engine:           k,
			Status:           storage.TaskPending,
			AttemptCount:     1,
			MaxAttempts:      p.maxAttempts,
			AttemptedEngines: []engine.Kind{k},
			Priority:         i,
			Timeout:          p.Timeout(k),
		})
	}
	return tasks
}

// Plan builds and persists the tasks for q in one transaction.
func (p *Planner) Plan(ctx context.Context, q storage.Query, generation int, cls intent.Classification) ([]storage.Task, error) {
	tasks := p.Build(q, generation, cls)
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	if err := p.store.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("creating planned tasks: %w", err)
	}
	return tasks, nil
}
