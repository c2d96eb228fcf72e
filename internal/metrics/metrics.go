package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScheduleOutcome captures the result of a delayed-purge scheduling attempt.
type ScheduleOutcome string

const (
	// ScheduleScheduled indicates a new pending task was registered.
	ScheduleScheduled ScheduleOutcome = "scheduled"
	// ScheduleDuplicate indicates a task was already pending for the item.
	ScheduleDuplicate ScheduleOutcome = "duplicate"
	// ScheduleDisabled indicates the delayed pass is turned off.
	ScheduleDisabled ScheduleOutcome = "disabled"
	// ScheduleError indicates the registry rejected the attempt.
	ScheduleError ScheduleOutcome = "error"
)

// Recorder publishes Prometheus metrics for coordinator activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	hostEvents   *prometheus.CounterVec
	purgeBatches *prometheus.CounterVec
	purgeLatency *prometheus.HistogramVec

	schedules *prometheus.CounterVec

	gateDecisions *prometheus.CounterVec
	apiDecisions  *prometheus.CounterVec

	hookRequests *prometheus.CounterVec
	hookLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	hostEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectrl",
		Subsystem: "events",
		Name:      "total",
		Help:      "Host lifecycle events processed, by event kind and resulting action.",
	}, []string{"event", "action"})

	purgeBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectrl",
		Subsystem: "purge",
		Name:      "requests_total",
		Help:      "Batched edge purge attempts, by outcome.",
	}, []string{"outcome"})

	purgeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "purgectrl",
		Subsystem: "purge",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for edge purge requests.",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	schedules := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectrl",
		Subsystem: "schedule",
		Name:      "attempts_total",
		Help:      "Delayed-purge scheduling attempts, by outcome.",
	}, []string{"outcome"})

	gateDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectrl",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Render-time cache gate decisions.",
	}, []string{"decision"})

	apiDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectrl",
		Subsystem: "api",
		Name:      "cache_decisions_total",
		Help:      "API response cache-header decisions.",
	}, []string{"decision"})

	hookRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectrl",
		Subsystem: "hooks",
		Name:      "requests_total",
		Help:      "Total hook requests served, by hook and status code.",
	}, []string{"hook", "status_code"})

	hookLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "purgectrl",
		Subsystem: "hooks",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed hook requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"hook"})

	reg.MustRegister(
		hostEvents,
		purgeBatches,
		purgeLatency,
		schedules,
		gateDecisions,
		apiDecisions,
		hookRequests,
		hookLatency,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:      reg,
		handler:       handler,
		hostEvents:    hostEvents,
		purgeBatches:  purgeBatches,
		purgeLatency:  purgeLatency,
		schedules:     schedules,
		gateDecisions: gateDecisions,
		apiDecisions:  apiDecisions,
		hookRequests:  hookRequests,
		hookLatency:   hookLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveEvent records one host lifecycle event and the action the triggers
// took for it.
func (r *Recorder) ObserveEvent(event, action string) {
	if r == nil {
		return
	}
	r.hostEvents.WithLabelValues(normalizeLabel(event), normalizeLabel(action)).Inc()
}

// ObservePurge records the outcome and latency of one batched purge attempt.
// Skipped attempts carry a zero duration.
func (r *Recorder) ObservePurge(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(outcome)
	r.purgeBatches.WithLabelValues(label).Inc()
	r.purgeLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveSchedule records one delayed-purge scheduling attempt.
func (r *Recorder) ObserveSchedule(outcome ScheduleOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(ScheduleError)
	}
	r.schedules.WithLabelValues(label).Inc()
}

// ObserveGate records one render-time gate decision.
func (r *Recorder) ObserveGate(gated bool) {
	if r == nil {
		return
	}
	decision := "pass"
	if gated {
		decision = "gated"
	}
	r.gateDecisions.WithLabelValues(decision).Inc()
}

// ObserveAPIDecision records one API response cache classification.
func (r *Recorder) ObserveAPIDecision(cacheable bool) {
	if r == nil {
		return
	}
	decision := "bypass"
	if cacheable {
		decision = "cacheable"
	}
	r.apiDecisions.WithLabelValues(decision).Inc()
}

// ObserveHook records the status and latency for a completed hook request.
func (r *Recorder) ObserveHook(hook string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	hookLabel := normalizeLabel(hook)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.hookRequests.WithLabelValues(hookLabel, statusLabel).Inc()
	r.hookLatency.WithLabelValues(hookLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
