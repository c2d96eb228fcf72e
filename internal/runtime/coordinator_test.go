package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/purgectrl/internal/apicache"
	"github.com/l0p7/purgectrl/internal/gate"
	"github.com/l0p7/purgectrl/internal/host"
	"github.com/l0p7/purgectrl/internal/metrics"
)

type metadataCall struct {
	item  string
	key   string
	value string
}

type statusCall struct {
	item string
	old  host.Status
	new  host.Status
}

type fakeTriggers struct {
	metadata []metadataCall
	status   []statusCall
	delayed  []string
}

func (f *fakeTriggers) OnMetadataWritten(_ context.Context, id host.ID, key, value string) {
	f.metadata = append(f.metadata, metadataCall{item: id.String(), key: key, value: value})
}

func (f *fakeTriggers) OnStatusTransition(_ context.Context, id host.ID, oldStatus, newStatus host.Status) {
	f.status = append(f.status, statusCall{item: id.String(), old: oldStatus, new: newStatus})
}

func (f *fakeTriggers) RunDelayedPurge(_ context.Context, id host.ID) {
	f.delayed = append(f.delayed, id.String())
}

type fakeGate struct {
	gated bool
	items []string
}

func (f *fakeGate) Check(_ context.Context, itemID string, _ time.Time) (gate.Directives, bool) {
	f.items = append(f.items, itemID)
	if !f.gated {
		return nil, false
	}
	return gate.GatingDirectives(), true
}

type fakeAPI struct {
	decision   apicache.Decision
	lastReq    apicache.Request
	lastStatus int
	lastResp   http.Header
}

func (f *fakeAPI) Evaluate(req apicache.Request, status int, respHeader http.Header) apicache.Decision {
	f.lastReq = req
	f.lastStatus = status
	f.lastResp = respHeader
	return f.decision
}

type fakeScheduler struct {
	enabled    bool
	pending    int64
	pendingErr error
	claim      bool
	fired      []string
}

func (f *fakeScheduler) Enabled() bool { return f.enabled }

func (f *fakeScheduler) Pending(context.Context) (int64, error) { return f.pending, f.pendingErr }

func (f *fakeScheduler) FireNow(_ context.Context, item string) bool {
	f.fired = append(f.fired, item)
	return f.claim
}

type coordinatorFixture struct {
	coordinator *Coordinator
	triggers    *fakeTriggers
	gate        *fakeGate
	api         *fakeAPI
	scheduler   *fakeScheduler
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		triggers:  &fakeTriggers{},
		gate:      &fakeGate{},
		api:       &fakeAPI{},
		scheduler: &fakeScheduler{enabled: true, claim: true},
	}
	coordinator, err := NewCoordinator(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Triggers:          f.triggers,
		Gate:              f.gate,
		API:               f.api,
		Scheduler:         f.scheduler,
		Metrics:           metrics.NewRecorder(nil),
		CorrelationHeader: "X-Request-ID",
		RegistryBackend:   "memory",
		EdgeConfigured:    true,
	})
	require.NoError(t, err)
	f.coordinator = coordinator
	return f
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewCoordinatorValidatesPorts(t *testing.T) {
	base := func() Options {
		return Options{
			Triggers:  &fakeTriggers{},
			Gate:      &fakeGate{},
			API:       &fakeAPI{},
			Scheduler: &fakeScheduler{},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{name: "missing triggers", mutate: func(o *Options) { o.Triggers = nil }, wantErr: "trigger port required"},
		{name: "missing gate", mutate: func(o *Options) { o.Gate = nil }, wantErr: "gate port required"},
		{name: "missing api", mutate: func(o *Options) { o.API = nil }, wantErr: "api port required"},
		{name: "missing scheduler", mutate: func(o *Options) { o.Scheduler = nil }, wantErr: "scheduler port required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := base()
			tc.mutate(&opts)
			_, err := NewCoordinator(nil, opts)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}

	coordinator, err := NewCoordinator(nil, base())
	require.NoError(t, err)
	require.Equal(t, "memory", coordinator.registryBackend)
}

func TestServeMetadataEventDispatchesTrigger(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events/metadata",
		strings.NewReader(`{"item":"41","key":"discourse_topic_id","value":"97"}`))
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	f.coordinator.ServeMetadataEvent(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "req-7", rec.Header().Get("X-Request-ID"))
	body := decodeBody(t, rec)
	require.Equal(t, true, body["accepted"])
	require.Equal(t, []metadataCall{{item: "41", key: "discourse_topic_id", value: "97"}}, f.triggers.metadata)
}

func TestServeMetadataEventAcceptsNumericItemID(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events/metadata",
		strings.NewReader(`{"item":41,"key":"discourse_topic_id","value":"97"}`))
	rec := httptest.NewRecorder()
	f.coordinator.ServeMetadataEvent(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.triggers.metadata, 1)
	require.Equal(t, "41", f.triggers.metadata[0].item)
}

func TestServeMetadataEventRejections(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{name: "wrong method", method: http.MethodGet, body: "", wantStatus: http.StatusMethodNotAllowed},
		{name: "empty body", method: http.MethodPost, body: "", wantStatus: http.StatusBadRequest},
		{name: "malformed payload", method: http.MethodPost, body: "{not json", wantStatus: http.StatusBadRequest},
		{name: "missing item", method: http.MethodPost, body: `{"key":"discourse_topic_id","value":"97"}`, wantStatus: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newCoordinatorFixture(t)
			req := httptest.NewRequest(tc.method, "/events/metadata", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			f.coordinator.ServeMetadataEvent(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			require.NotEmpty(t, body["error"])
			require.Empty(t, f.triggers.metadata)
		})
	}
}

func TestServeStatusEventDispatchesTransition(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events/status",
		strings.NewReader(`{"item":"41","old":"draft","new":"published"}`))
	rec := httptest.NewRecorder()
	f.coordinator.ServeStatusEvent(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []statusCall{{item: "41", old: host.StatusDraft, new: host.StatusPublished}}, f.triggers.status)
}

func TestServeStatusEventRequiresNewStatus(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events/status",
		strings.NewReader(`{"item":"41","old":"draft","new":"  "}`))
	rec := httptest.NewRecorder()
	f.coordinator.ServeStatusEvent(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, f.triggers.status)
}

func TestServeTaskFireClaimsBeforeRunning(t *testing.T) {
	tests := []struct {
		name        string
		claim       bool
		wantPending bool
	}{
		{name: "pending task claimed", claim: true, wantPending: true},
		{name: "no pending task still runs", claim: false, wantPending: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newCoordinatorFixture(t)
			f.scheduler.claim = tc.claim

			req := httptest.NewRequest(http.MethodPost, "/tasks/fire", strings.NewReader(`{"item":"41"}`))
			rec := httptest.NewRecorder()
			f.coordinator.ServeTaskFire(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, true, body["completed"])
			require.Equal(t, tc.wantPending, body["wasPending"])
			require.Equal(t, []string{"41"}, f.scheduler.fired)
			require.Equal(t, []string{"41"}, f.triggers.delayed)
		})
	}
}

func TestServeRenderHookAppliesDirectivesWhenGated(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.gate.gated = true

	req := httptest.NewRequest(http.MethodGet, "/hooks/render?item=41", nil)
	rec := httptest.NewRecorder()
	f.coordinator.ServeRenderHook(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"41"}, f.gate.items)
	require.Equal(t, "no-cache, no-store, must-revalidate, max-age=0", rec.Header().Get("Cache-Control"))
	require.Equal(t, "bypass", rec.Header().Get("X-Cache-Gate"))

	body := decodeBody(t, rec)
	require.Equal(t, "41", body["item"])
	require.Equal(t, true, body["gate"])
	headers, ok := body["headers"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "no-store", headers["CDN-Cache-Control"])
}

func TestServeRenderHookLeavesUngatedRenderAlone(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/hooks/render?item=41", nil)
	rec := httptest.NewRecorder()
	f.coordinator.ServeRenderHook(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Cache-Control"))
	require.Empty(t, rec.Header().Get("X-Cache-Gate"))

	body := decodeBody(t, rec)
	require.Equal(t, false, body["gate"])
	require.NotContains(t, body, "headers")
}

func TestServeRenderHookRequiresItem(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/hooks/render", nil)
	rec := httptest.NewRecorder()
	f.coordinator.ServeRenderHook(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/hooks/render?item=41", nil)
	rec = httptest.NewRecorder()
	f.coordinator.ServeRenderHook(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Empty(t, f.gate.items)
}

func TestServeAPIHookKeepsVerdictInBody(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.api.decision = apicache.Decision{
		Cacheable: true,
		Reason:    "cacheable",
		Headers: map[string]string{
			"Cache-Control": "public, s-maxage=60, max-age=0, stale-while-revalidate=30",
			"Vary":          "Accept-Encoding",
		},
	}

	payload := `{
		"route": "/t/41.json",
		"method": "GET",
		"status": 200,
		"authenticated": false,
		"headers": {"Accept": "application/json"},
		"responseHeaders": {"Content-Type": "application/json"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/api", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	f.coordinator.ServeAPIHook(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Cache-Control"), "verdict headers must not land on the hook response")

	body := decodeBody(t, rec)
	require.Equal(t, true, body["cacheable"])
	require.Equal(t, "cacheable", body["reason"])
	headers, ok := body["headers"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "public, s-maxage=60, max-age=0, stale-while-revalidate=30", headers["Cache-Control"])

	require.Equal(t, "/t/41.json", f.api.lastReq.Route)
	require.Equal(t, http.MethodGet, f.api.lastReq.Method)
	require.Equal(t, 200, f.api.lastStatus)
	require.Equal(t, "application/json", f.api.lastReq.Header.Get("Accept"))
	require.Equal(t, "application/json", f.api.lastResp.Get("Content-Type"))
}

func TestServeAPIHookOmitsHeadersOnBypass(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.api.decision = apicache.Decision{Cacheable: false, Reason: "authenticated"}

	req := httptest.NewRequest(http.MethodPost, "/hooks/api",
		strings.NewReader(`{"route":"/t/41.json","method":"GET","status":200,"authenticated":true}`))
	rec := httptest.NewRecorder()
	f.coordinator.ServeAPIHook(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, false, body["cacheable"])
	require.Equal(t, "authenticated", body["reason"])
	require.NotContains(t, body, "headers")
}

func TestServeHealthReportsSnapshot(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.scheduler.pending = 3

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.coordinator.ServeHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "memory", body["registryBackend"])
	require.Equal(t, float64(3), body["pendingPurges"])
	require.Equal(t, true, body["edgeConfigured"])
	require.Equal(t, true, body["delayedPurgeEnabled"])
	require.NotEmpty(t, body["observedAt"])
}

func TestServeHealthDegradesOnRegistryFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.scheduler.pendingErr = context.DeadlineExceeded

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.coordinator.ServeHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, float64(0), body["pendingPurges"])
}

func TestRequestCorrelationIDGeneratesWhenAbsent(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/events/metadata", nil)
	generated := f.coordinator.requestCorrelationID(req)
	require.NotEmpty(t, generated)

	req.Header.Set("X-Request-ID", "supplied")
	require.Equal(t, "supplied", f.coordinator.requestCorrelationID(req))
}
