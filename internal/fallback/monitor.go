package fallback

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/storage"
)

// BackoffBase is the unit of the exponential delay applied to a fallback
// spawned by a RATE_LIMITED failure.
const BackoffBase = 250 * time.Millisecond

// Decision is the monitor's verdict on one failed task. At most one of
// Spawn and Abort is set; neither means the chain ended for this task.
type Decision struct {
	Spawn  *storage.Task
	Abort  bool
	Reason string
}

// Monitor decides whether a failed task gets a successor on the next engine
// of its fallback chain.
type Monitor struct {
	chains   map[engine.Kind][]engine.Kind
	timeouts func(engine.Kind) time.Duration
	now      func() time.Time
}

// New creates a Monitor. timeout returns the call deadline for a spawned
// task's engine.
func New(chains map[engine.Kind][]engine.Kind, timeout func(engine.Kind) time.Duration) *Monitor {
	if chains == nil {
		chains = engine.DefaultChains()
	}
	return &Monitor{chains: chains, timeouts: timeout, now: time.Now}
}

// Chain returns the configured fallback chain for k.
func (m *Monitor) Chain(k engine.Kind) []engine.Kind {
	return m.chains[k]
}

// Next inspects a FAILED or TIMED_OUT task against every task of the same
// generation. It never proposes an engine already used in the generation,
// and never spawns twice for the same failed task, so repeating the call
// after a crash is harmless.
func (m *Monitor) Next(failed storage.Task, generation []storage.Task) Decision {
	if failed.Status != storage.TaskFailed && failed.Status != storage.TaskTimedOut {
		return Decision{Reason: "task did not fail"}
	}

	kind := engine.ErrUnknown
	if failed.Error != nil {
		kind = failed.Error.Kind
	}
	if kind == engine.ErrPermissionDenied {
		return Decision{Abort: true, Reason: "permission denied"}
	}

	used := make(map[engine.Kind]bool, len(generation))
	for _, t := range generation {
		if t.ParentID == failed.ID {
			return Decision{Reason: "fallback already spawned"}
		}
		used[t.Engine] = true
	}

	if failed.AttemptCount >= failed.MaxAttempts {
		return Decision{Reason: "max attempts reached"}
	}

	for _, next := range m.chains[failed.Engine] {
		if used[next] || failed.HasAttempted(next) {
			continue
		}
		now := m.now()
		child := storage.Task{
			ID:               ChildID(failed.ID),
			QueryID:          failed.QueryID,
			Generation:       failed.Generation,
			Engine:           next,
			Status:           storage.TaskPending,
			AttemptCount:     failed.AttemptCount + 1,
			MaxAttempts:      failed.MaxAttempts,
			AttemptedEngines: append(slices.Clone(failed.AttemptedEngines), next),
			ParentID:         failed.ID,
			Priority:         failed.Priority,
			RunAfter:         now,
			CreatedAt:        now,
		}
		if m.timeouts != nil {
			child.Timeout = m.timeouts(next)
		}
		if kind == engine.ErrRateLimited {
			child.RunAfter = now.Add(Backoff(failed.AttemptCount))
		}
		return Decision{Spawn: &child, Reason: "fallback to " + string(next)}
	}
	return Decision{Reason: "fallback chain exhausted"}
}

// ChildID derives the id of the fallback task spawned for parent, so two
// coordinators proposing the same fallback write the same row.
func ChildID(parentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(parentID+"/fallback")).String()
}

// Backoff returns 2^attempt × BackoffBase.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	return BackoffBase << attempt
}
