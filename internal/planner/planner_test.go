package planner

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/intent"
	"github.com/kalambet/switchyard/internal/storage"
)

type mockStore struct {
	created []storage.Task
	err     error
}

func (m *mockStore) CreateTasks(_ context.Context, tasks []storage.Task) error {
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, tasks...)
	return nil
}

func kinds(tasks []storage.Task) []engine.Kind {
	var out []engine.Kind
	for _, t := range tasks {
		out = append(out, t.Engine)
	}
	return out
}

func TestPlan_SingleConfidentIntent(t *testing.T) {
	store := &mockStore{}
	p := New(store, 3, map[engine.Kind]time.Duration{engine.Quantitative: 4 * time.Second}, 10*time.Second)

	cls := intent.Classification{Intents: []intent.Intent{{
		Engine: engine.Quantitative, Confidence: 0.95, AlternativeEngines: []engine.Kind{engine.Graph},
	}}}
	tasks, err := p.Plan(context.Background(), storage.Query{ID: "q1"}, 1, cls)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := kinds(tasks); !reflect.DeepEqual(got, []engine.Kind{engine.Quantitative}) {
		t.Errorf("engines = %v, want [QUANTITATIVE] (alternatives only when multi-engine)", got)
	}
	task := tasks[0]
	if task.AttemptCount != 1 || task.MaxAttempts != 3 || task.Timeout != 4*time.Second {
		t.Errorf("task = %+v", task)
	}
	if !reflect.DeepEqual(task.AttemptedEngines, []engine.Kind{engine.Quantitative}) {
		t.Errorf("AttemptedEngines = %v", task.AttemptedEngines)
	}
	if len(store.created) != 1 {
		t.Errorf("persisted %d tasks, want 1", len(store.created))
	}
}

func TestPlan_MultiEngineFansOut(t *testing.T) {
	p := New(&mockStore{}, 3, nil, 10*time.Second)

	cls := intent.Classification{
		Intents: []intent.Intent{{
			Engine: engine.Graph, Confidence: 0.6, AlternativeEngines: []engine.Kind{engine.Quantitative},
		}},
		NeedsMultiEngine: true,
	}
	tasks, err := p.Plan(context.Background(), storage.Query{ID: "q1"}, 1, cls)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := kinds(tasks); !reflect.DeepEqual(got, []engine.Kind{engine.Graph, engine.Quantitative}) {
		t.Errorf("engines = %v, want [GRAPH QUANTITATIVE]", got)
	}
	for i, task := range tasks {
		if task.Priority != i {
			t.Errorf("task %d priority = %d", i, task.Priority)
		}
		if task.Timeout != 10*time.Second {
			t.Errorf("task %d timeout = %s, want default", i, task.Timeout)
		}
	}
}

func TestEngines_Dedupes(t *testing.T) {
	cls := intent.Classification{
		Intents: []intent.Intent{
			{Engine: engine.Vector, AlternativeEngines: []engine.Kind{engine.Graph}},
			{Engine: engine.Graph, AlternativeEngines: []engine.Kind{engine.Vector, engine.Quantitative}},
		},
		NeedsMultiEngine: true,
	}
	want := []engine.Kind{engine.Vector, engine.Graph, engine.Quantitative}
	if got := Engines(cls); !reflect.DeepEqual(got, want) {
		t.Errorf("Engines = %v, want %v", got, want)
	}
}

func TestPlan_EmptyClassification(t *testing.T) {
	p := New(&mockStore{}, 3, nil, time.Second)
	if _, err := p.Plan(context.Background(), storage.Query{ID: "q1"}, 1, intent.Classification{}); !errors.Is(err, ErrNoTasks) {
		t.Errorf("err = %v, want ErrNoTasks", err)
	}
}

func TestPlan_StoreError(t *testing.T) {
	p := New(&mockStore{err: errors.New("disk full")}, 3, nil, time.Second)
	cls := intent.Classification{Intents: []intent.Intent{{Engine: engine.Vector, Confidence: 1}}}
	if _, err := p.Plan(context.Background(), storage.Query{ID: "q1"}, 1, cls); err == nil {
		t.Error("expected error from store")
	}
}

func TestBuild_StableIDs(t *testing.T) {
	p := New(&mockStore{}, 3, nil, time.Second)
	cls := intent.Classification{Intents: []intent.Intent{{Engine: engine.Vector, Confidence: 1}}}
	q := storage.Query{ID: "q1"}

	a := p.Build(q, 1, cls)
	b := p.Build(q, 1, cls)
	if a[0].ID != b[0].ID {
		t.Error("planning the same generation twice produced different ids")
	}
	if c := p.Build(q, 2, cls); c[0].ID == a[0].ID {
		t.Error("a new generation reused the previous task id")
	}
}
