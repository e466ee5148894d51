package stats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestAggregatorAccumulatesMonotonically(t *testing.T) {
	a := New()
	a.AddPushedURLs(3)
	a.AddSuccess(2)
	a.AddError(1)
	a.AddDiscardedJobs(1)

	snap := a.Snapshot()
	want := Counters{PushedURLs: 3, Success: 2, Error: 1, DiscardedJobs: 1}
	if snap != want {
		t.Fatalf("snapshot = %+v, want %+v", snap, want)
	}

	a.AddSuccess(5)
	if a.Snapshot().Success != 7 {
		t.Fatalf("success = %d, want 7", a.Snapshot().Success)
	}
}

func TestLineMarshalsExpectedShape(t *testing.T) {
	line := Build(time.Now().Add(-time.Second), 12.5, 4, 1, 100, 2, 8, 20, Counters{Success: 9}, map[string]any{"pages": 9})
	data, err := line.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"time_escape", "speed", "todo_queue_size", "cur_threads", "bad_proxies", "proxies_queue_size", "working", "monitor"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("stats line missing key %q: %v", key, decoded)
		}
	}
}

func TestMetricsObserveTracksMonotonicDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test-task")

	m.Observe(Line{Counters: Counters{Success: 3}, ActiveWorkerBudget: 10, Working: 2, TodoQueueSize: 5, BadProxies: 1, ProxiesQueueSize: 50})
	m.Observe(Line{Counters: Counters{Success: 5}, ActiveWorkerBudget: 12, Working: 1, TodoQueueSize: 3, BadProxies: 1, ProxiesQueueSize: 40})

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(metricFamilies) == 0 {
		t.Fatal("expected registered metric families")
	}

	// Cumulative 3 then 5 adds deltas 3 and 2, so the counter reads 5.
	var success float64
	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "crawler_success_total" {
			success = mf.GetMetric()[0].GetCounter().GetValue()
			found = true
		}
	}
	if !found {
		t.Fatal("crawler_success_total not gathered")
	}
	if success != 5 {
		t.Fatalf("crawler_success_total = %v, want 5", success)
	}
}
