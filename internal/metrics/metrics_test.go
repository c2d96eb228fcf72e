package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObservePurge(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObservePurge("sent", 250*time.Millisecond)

	families := gather(t, rec, "purgectrl_purge_requests_total", "purgectrl_purge_request_duration_seconds")

	counter := findMetric(t, families["purgectrl_purge_requests_total"], map[string]string{
		"outcome": "sent",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for purge requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["purgectrl_purge_request_duration_seconds"], map[string]string{
		"outcome": "sent",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for purge latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveEventsAndDecisions(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveEvent("metadata_written", "purged")
	rec.ObserveSchedule(ScheduleDuplicate)
	rec.ObserveGate(true)
	rec.ObserveGate(false)
	rec.ObserveAPIDecision(true)

	families := gather(t, rec,
		"purgectrl_events_total",
		"purgectrl_schedule_attempts_total",
		"purgectrl_gate_decisions_total",
		"purgectrl_api_cache_decisions_total",
	)

	event := findMetric(t, families["purgectrl_events_total"], map[string]string{
		"event":  "metadata_written",
		"action": "purged",
	})
	if got := event.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected event counter 1, got %v", got)
	}

	sched := findMetric(t, families["purgectrl_schedule_attempts_total"], map[string]string{
		"outcome": string(ScheduleDuplicate),
	})
	if got := sched.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected schedule counter 1, got %v", got)
	}

	gated := findMetric(t, families["purgectrl_gate_decisions_total"], map[string]string{
		"decision": "gated",
	})
	if got := gated.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected gated counter 1, got %v", got)
	}
	passed := findMetric(t, families["purgectrl_gate_decisions_total"], map[string]string{
		"decision": "pass",
	})
	if got := passed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected pass counter 1, got %v", got)
	}

	api := findMetric(t, families["purgectrl_api_cache_decisions_total"], map[string]string{
		"decision": "cacheable",
	})
	if got := api.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected api decision counter 1, got %v", got)
	}
}

func TestRecorderObserveHook(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveHook("events/metadata", 202, 5*time.Millisecond)

	families := gather(t, rec, "purgectrl_hooks_requests_total", "purgectrl_hooks_request_duration_seconds")

	counter := findMetric(t, families["purgectrl_hooks_requests_total"], map[string]string{
		"hook":        "events/metadata",
		"status_code": "202",
	})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected hook counter 1, got %v", got)
	}

	histMetric := findMetric(t, families["purgectrl_hooks_request_duration_seconds"], map[string]string{
		"hook": "events/metadata",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for hook latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
}

func TestRecorderNilSafety(t *testing.T) {
	var rec *Recorder
	rec.ObserveEvent("metadata_written", "purged")
	rec.ObservePurge("sent", time.Millisecond)
	rec.ObserveSchedule(ScheduleScheduled)
	rec.ObserveGate(true)
	rec.ObserveAPIDecision(false)
	rec.ObserveHook("healthz", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
	if rec.Gatherer() == nil {
		t.Fatalf("expected gatherer even for nil recorder")
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
