package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDispatch("GRAPH", "SUCCEEDED", 200*time.Millisecond)
	m.ObserveDispatch("GRAPH", "SUCCEEDED", 300*time.Millisecond)
	m.CacheLookup("hit")
	m.StoreConflict("mark_running")

	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues("GRAPH", "SUCCEEDED")); got != 2 {
		t.Errorf("dispatches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StoreConflicts.WithLabelValues("mark_running")); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveQuery("SUCCESS", time.Second)
	m.CacheLookup("miss")
	m.ObserveDispatch("VECTOR", "FAILED", time.Second)
	m.FallbackSpawned("VECTOR", "TIMEOUT")
	m.StoreConflict("upsert_state")
	m.ResumedResolution()
}
