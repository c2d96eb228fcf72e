// Package runtime assembles the coherency core behind an HTTP surface: host
// lifecycle events come in, purge and gating decisions go out. The
// coordinator owns no policy itself; it validates payloads, dispatches to the
// ports, and renders JSON.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/purgectrl/internal/apicache"
	"github.com/l0p7/purgectrl/internal/gate"
	"github.com/l0p7/purgectrl/internal/host"
	"github.com/l0p7/purgectrl/internal/metrics"
)

// maxEventBody bounds how much of an event payload is read.
const maxEventBody = 1 << 20

// TriggerPort receives host lifecycle notifications.
type TriggerPort interface {
	OnMetadataWritten(ctx context.Context, id host.ID, key, value string)
	OnStatusTransition(ctx context.Context, id host.ID, oldStatus, newStatus host.Status)
	RunDelayedPurge(ctx context.Context, id host.ID)
}

// GatePort answers the render-time caching question.
type GatePort interface {
	Check(ctx context.Context, itemID string, now time.Time) (gate.Directives, bool)
}

// APIPort classifies API responses for the cache-header policy.
type APIPort interface {
	Evaluate(req apicache.Request, status int, respHeader http.Header) apicache.Decision
}

// SchedulerPort exposes the delayed-purge registry to the HTTP surface.
type SchedulerPort interface {
	Enabled() bool
	Pending(ctx context.Context) (int64, error)
	FireNow(ctx context.Context, item string) bool
}

// Options collects the coordinator's collaborators and reporting knobs.
type Options struct {
	Triggers          TriggerPort
	Gate              GatePort
	API               APIPort
	Scheduler         SchedulerPort
	Metrics           *metrics.Recorder
	CorrelationHeader string
	RegistryBackend   string
	EdgeConfigured    bool
}

// Coordinator is the HTTP-facing seam between the host and the coherency
// core.
type Coordinator struct {
	logger            *slog.Logger
	triggers          TriggerPort
	gate              GatePort
	api               APIPort
	scheduler         SchedulerPort
	metrics           *metrics.Recorder
	correlationHeader string
	registryBackend   string
	edgeConfigured    bool
}

// NewCoordinator validates and wires the ports.
func NewCoordinator(logger *slog.Logger, opts Options) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Triggers == nil {
		return nil, errors.New("runtime: trigger port required")
	}
	if opts.Gate == nil {
		return nil, errors.New("runtime: gate port required")
	}
	if opts.API == nil {
		return nil, errors.New("runtime: api port required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("runtime: scheduler port required")
	}
	backend := strings.TrimSpace(opts.RegistryBackend)
	if backend == "" {
		backend = "memory"
	}
	return &Coordinator{
		logger:            logger.With(slog.String("agent", "coordinator")),
		triggers:          opts.Triggers,
		gate:              opts.Gate,
		api:               opts.API,
		scheduler:         opts.Scheduler,
		metrics:           opts.Metrics,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		registryBackend:   backend,
		edgeConfigured:    opts.EdgeConfigured,
	}, nil
}

type metadataEvent struct {
	Item  host.ID `json:"item"`
	Key   string  `json:"key"`
	Value string  `json:"value"`
}

type statusEvent struct {
	Item host.ID `json:"item"`
	New  string  `json:"new"`
	Old  string  `json:"old"`
}

type taskFireEvent struct {
	Item host.ID `json:"item"`
}

type apiHookEvent struct {
	Route           string            `json:"route"`
	Method          string            `json:"method"`
	Status          int               `json:"status"`
	Authenticated   bool              `json:"authenticated"`
	Headers         map[string]string `json:"headers"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
}

// ServeMetadataEvent ingests one metadata-written notification. The response
// is 202: the event is acted on inline, but the caller gets no purge result
// back, only acknowledgement that the event was accepted.
func (c *Coordinator) ServeMetadataEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := c.requestCorrelationID(r)

	if r.Method != http.MethodPost {
		c.WriteError(w, http.StatusMethodNotAllowed, "POST required")
		c.observeHook("metadata_event", http.StatusMethodNotAllowed, start)
		return
	}
	var event metadataEvent
	if err := decodeJSON(r, &event); err != nil {
		c.WriteError(w, http.StatusBadRequest, err.Error())
		c.observeHook("metadata_event", http.StatusBadRequest, start)
		return
	}
	if event.Item == "" {
		c.WriteError(w, http.StatusBadRequest, "item required")
		c.observeHook("metadata_event", http.StatusBadRequest, start)
		return
	}

	c.triggers.OnMetadataWritten(r.Context(), event.Item, event.Key, event.Value)

	c.logger.Debug("metadata event processed",
		slog.String("correlation_id", correlationID),
		slog.String("item", event.Item.String()),
		slog.String("key", event.Key))
	c.writeJSON(w, http.StatusAccepted, correlationID, map[string]any{"accepted": true})
	c.observeHook("metadata_event", http.StatusAccepted, start)
}

// ServeStatusEvent ingests one publish-state transition notification.
func (c *Coordinator) ServeStatusEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := c.requestCorrelationID(r)

	if r.Method != http.MethodPost {
		c.WriteError(w, http.StatusMethodNotAllowed, "POST required")
		c.observeHook("status_event", http.StatusMethodNotAllowed, start)
		return
	}
	var event statusEvent
	if err := decodeJSON(r, &event); err != nil {
		c.WriteError(w, http.StatusBadRequest, err.Error())
		c.observeHook("status_event", http.StatusBadRequest, start)
		return
	}
	if event.Item == "" {
		c.WriteError(w, http.StatusBadRequest, "item required")
		c.observeHook("status_event", http.StatusBadRequest, start)
		return
	}
	if strings.TrimSpace(event.New) == "" {
		c.WriteError(w, http.StatusBadRequest, "new status required")
		c.observeHook("status_event", http.StatusBadRequest, start)
		return
	}

	c.triggers.OnStatusTransition(r.Context(), event.Item, host.Status(event.Old), host.Status(event.New))

	c.logger.Debug("status event processed",
		slog.String("correlation_id", correlationID),
		slog.String("item", event.Item.String()),
		slog.String("from", event.Old),
		slog.String("to", event.New))
	c.writeJSON(w, http.StatusAccepted, correlationID, map[string]any{"accepted": true})
	c.observeHook("status_event", http.StatusAccepted, start)
}

// ServeTaskFire runs the delayed-purge task body for an item on behalf of an
// external task runner. The pending registry entry is claimed first so the
// ticker cannot fire the same task again; the response reports whether one
// was actually pending.
func (c *Coordinator) ServeTaskFire(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := c.requestCorrelationID(r)

	if r.Method != http.MethodPost {
		c.WriteError(w, http.StatusMethodNotAllowed, "POST required")
		c.observeHook("task_fire", http.StatusMethodNotAllowed, start)
		return
	}
	var event taskFireEvent
	if err := decodeJSON(r, &event); err != nil {
		c.WriteError(w, http.StatusBadRequest, err.Error())
		c.observeHook("task_fire", http.StatusBadRequest, start)
		return
	}
	if event.Item == "" {
		c.WriteError(w, http.StatusBadRequest, "item required")
		c.observeHook("task_fire", http.StatusBadRequest, start)
		return
	}

	claimed := c.scheduler.FireNow(r.Context(), event.Item.String())
	c.triggers.RunDelayedPurge(r.Context(), event.Item)

	c.logger.Debug("delayed purge task executed",
		slog.String("correlation_id", correlationID),
		slog.String("item", event.Item.String()),
		slog.Bool("was_pending", claimed))
	c.writeJSON(w, http.StatusOK, correlationID, map[string]any{
		"completed":  true,
		"wasPending": claimed,
	})
	c.observeHook("task_fire", http.StatusOK, start)
}

// ServeRenderHook evaluates the cache gate for a render. Directives are both
// applied to this response (so a proxying layer can copy them wholesale) and
// echoed in the body for hosts that splice headers themselves.
func (c *Coordinator) ServeRenderHook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := c.requestCorrelationID(r)

	if r.Method != http.MethodGet {
		c.WriteError(w, http.StatusMethodNotAllowed, "GET required")
		c.observeHook("render", http.StatusMethodNotAllowed, start)
		return
	}
	item := strings.TrimSpace(r.URL.Query().Get("item"))
	if item == "" {
		c.WriteError(w, http.StatusBadRequest, "item query parameter required")
		c.observeHook("render", http.StatusBadRequest, start)
		return
	}

	directives, gated := c.gate.Check(r.Context(), item, time.Now())
	payload := map[string]any{
		"item": item,
		"gate": gated,
	}
	if gated {
		directives.Apply(w.Header())
		payload["headers"] = directives
	}

	c.logger.Debug("render hook evaluated",
		slog.String("correlation_id", correlationID),
		slog.String("item", item),
		slog.Bool("gated", gated))
	c.writeJSON(w, http.StatusOK, correlationID, payload)
	c.observeHook("render", http.StatusOK, start)
}

// ServeAPIHook classifies one API dispatch for the cache-header policy. The
// verdict headers travel in the body only: unlike gating directives they must
// never leak onto this response, where an intermediary could mistake the
// coordinator's own reply for a cacheable API payload.
func (c *Coordinator) ServeAPIHook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := c.requestCorrelationID(r)

	if r.Method != http.MethodPost {
		c.WriteError(w, http.StatusMethodNotAllowed, "POST required")
		c.observeHook("api", http.StatusMethodNotAllowed, start)
		return
	}
	var event apiHookEvent
	if err := decodeJSON(r, &event); err != nil {
		c.WriteError(w, http.StatusBadRequest, err.Error())
		c.observeHook("api", http.StatusBadRequest, start)
		return
	}

	decision := c.api.Evaluate(apicache.Request{
		Route:         event.Route,
		Method:        event.Method,
		Authenticated: event.Authenticated,
		Header:        headerFromMap(event.Headers),
	}, event.Status, headerFromMap(event.ResponseHeaders))

	payload := map[string]any{
		"cacheable": decision.Cacheable,
		"reason":    decision.Reason,
	}
	if len(decision.Headers) > 0 {
		payload["headers"] = decision.Headers
	}

	c.logger.Debug("api hook evaluated",
		slog.String("correlation_id", correlationID),
		slog.String("route", event.Route),
		slog.Bool("cacheable", decision.Cacheable),
		slog.String("reason", decision.Reason))
	c.writeJSON(w, http.StatusOK, correlationID, payload)
	c.observeHook("api", http.StatusOK, start)
}

// ServeHealth reports the coordinator's operational snapshot.
func (c *Coordinator) ServeHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	status := "ok"
	pending, err := c.scheduler.Pending(r.Context())
	if err != nil {
		c.logger.Error("pending purge query failed", slog.Any("error", err))
		status = "degraded"
		pending = 0
	}
	payload := map[string]any{
		"status":              status,
		"registryBackend":     c.registryBackend,
		"pendingPurges":       pending,
		"edgeConfigured":      c.edgeConfigured,
		"delayedPurgeEnabled": c.scheduler.Enabled(),
		"observedAt":          time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Error("health encode failed", slog.Any("error", err))
	}
	c.observeHook("health", http.StatusOK, start)
}

// WriteError emits the JSON error payload shared by every coordinator route.
func (c *Coordinator) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		c.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (c *Coordinator) writeJSON(w http.ResponseWriter, status int, correlationID string, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if c.correlationHeader != "" {
		w.Header().Set(c.correlationHeader, correlationID)
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (c *Coordinator) requestCorrelationID(r *http.Request) string {
	if r != nil && c.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(c.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func (c *Coordinator) observeHook(hook string, status int, start time.Time) {
	c.metrics.ObserveHook(hook, status, time.Since(start))
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		return fmt.Errorf("read event payload: %w", err)
	}
	if len(body) == 0 {
		return errors.New("event payload required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}

func headerFromMap(values map[string]string) http.Header {
	header := make(http.Header, len(values))
	for name, value := range values {
		header.Set(name, value)
	}
	return header
}
