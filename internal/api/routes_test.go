package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"offline-sync-engine/internal/backend"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/sync"
	"offline-sync-engine/internal/syncerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	router  chi.Router
	manager *sync.Manager
	remote  *backend.Memory
	monitor *network.Static
}

func newFixture(t *testing.T, server config.ServerConfig) *fixture {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Scheduler.Enabled = false
	cfg.Batch.Strategy = "sequential"
	cfg.Sync.Tables = []config.TableConfig{
		{Name: "notes", ConflictResolution: "manual"},
		{Name: "tasks", ConflictResolution: "client_wins"},
	}

	f := &fixture{remote: backend.NewMemory(), monitor: network.NewStatic(network.Good)}
	f.manager, err = sync.NewManager(cfg, f.remote, nil, sync.WithMonitor(f.monitor))
	require.NoError(t, err)

	f.router, err = NewHandler(f.manager, server, WithNetwork(f.monitor)).Routes()
	require.NoError(t, err)
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, config.ServerConfig{AuthToken: "secret"})
	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t, config.ServerConfig{AuthToken: "secret"})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/status", "", "Authorization", "Bearer wrong").Code)

	w := f.do(http.MethodGet, "/api/v1/status", "", "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, w.Code)
	var st sync.Status
	decodeBody(t, w, &st)
	assert.Equal(t, sync.StatusIdle, st.State)
	assert.Equal(t, 2, st.Entities)
}

func TestCors(t *testing.T) {
	f := newFixture(t, config.ServerConfig{CorsOrigins: []string{"https://app.example"}})

	w := f.do(http.MethodOptions, "/api/v1/status", "", "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = f.do(http.MethodGet, "/health", "", "Origin", "https://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	open := newFixture(t, config.ServerConfig{})
	w = open.do(http.MethodGet, "/health", "", "Origin", "https://anywhere.example")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEnqueueAndTriggerSync(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.do(http.MethodPost, "/api/v1/queue", `{"entity":"tasks","entity_id":"t1","operation":"create","payload":{"title":"write tests"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created map[string]string
	decodeBody(t, w, &created)
	assert.NotEmpty(t, created["id"])

	w = f.do(http.MethodGet, "/api/v1/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	var qs queue.Status
	decodeBody(t, w, &qs)
	assert.Equal(t, 1, qs.Total)

	w = f.do(http.MethodPost, "/api/v1/sync/tasks/trigger", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, f.remote.Len("tasks"))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/sync/ghosts/trigger", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/queue", `{"entity":"ghosts","operation":"create"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/queue", `{"entity":"tasks","operation":"upsert"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/queue", `{not json`).Code)

	assert.Equal(t, http.StatusNotImplemented, f.do(http.MethodGet, "/api/v1/history", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/history?limit=-1", "").Code)

	w = f.do(http.MethodGet, "/api/v1/schedules", "")
	require.Equal(t, http.StatusOK, w.Code)
	var schedules []map[string]any
	decodeBody(t, w, &schedules)
	require.Len(t, schedules, 2)
	assert.Contains(t, schedules[0], "metrics")

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/schedules/recommendations", "").Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.remote.FailWith(func(backend.Action, string, string) error {
		return syncerr.Validation("create", errors.New("rejected"))
	})

	_, err := f.manager.Enqueue("tasks", queue.OpCreate, "t1", map[string]any{"title": "x"})
	require.NoError(t, err)
	w := f.do(http.MethodPost, "/api/v1/sync/tasks/trigger", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/queue/dead-letters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var dead []queue.Item
	decodeBody(t, w, &dead)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "rejected")

	f.remote.FailWith(nil)
	w = f.do(http.MethodPost, "/api/v1/queue/dead-letters/"+dead[0].ID+"/requeue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.manager.Queue().GetStatus().Total)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/v1/queue/dead-letters/"+dead[0].ID, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/queue/dead-letters/nope/requeue", "").Code)
}

func TestConflictEndpoints(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.remote.Put("notes", "n1", map[string]any{"title": "remote"})

	w := f.do(http.MethodPost, "/api/v1/entities/notes/records/n1/reconcile", `{"record":{"title":"local"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out sync.ReconcileResult
	decodeBody(t, w, &out)
	assert.Equal(t, sync.ActionPending, out.Action)
	require.NotNil(t, out.Conflict)

	w = f.do(http.MethodGet, "/api/v1/conflicts", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending []map[string]any
	decodeBody(t, w, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, out.Conflict.ID, pending[0]["id"])

	w = f.do(http.MethodPost, "/api/v1/conflicts/"+out.Conflict.ID+"/resolve", `{"record":{"title":"merged by hand"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &out)
	assert.Equal(t, sync.ActionResolved, out.Action)
	assert.Equal(t, "merged by hand", f.remote.Read(t.Context(), "notes", "n1").Data["title"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/conflicts/"+out.Conflict.ID+"/resolve", `{"record":null}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/entities/ghosts/records/x/reconcile", `{}`).Code)
}

func TestNetworkReport(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.do(http.MethodPut, "/api/v1/network", `{"quality":"poor"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, network.Poor, f.monitor.Quality())
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/v1/network", `{"quality":"warp"}`).Code)

	f.do(http.MethodPut, "/api/v1/network", `{"quality":"offline"}`)
	_, err := f.manager.Enqueue("tasks", queue.OpCreate, "t1", map[string]any{"title": "x"})
	require.NoError(t, err)
	w = f.do(http.MethodPost, "/api/v1/sync/tasks/trigger", "")
	assert.Equal(t, http.StatusOK, w.Code, "offline cycles are skipped, not failed")
	assert.Zero(t, f.remote.Len("tasks"))
}

func TestNetworkReportNeedsStaticMonitor(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	router, err := NewHandler(f.manager, config.ServerConfig{}).Routes()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/network", strings.NewReader(`{"quality":"poor"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, config.ServerConfig{AuthToken: "secret"})
	w := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sync_cycles_total 0")
	assert.Contains(t, w.Body.String(), `sync_schedule_interval_seconds{entity="notes"`)
}

func TestCompressionBenchmark(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	payload := strings.Repeat(`{"title":"repetitive","body":"lorem ipsum dolor sit amet"},`, 200)

	w := f.do(http.MethodPost, "/api/v1/compression/benchmark", payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report map[string]any
	decodeBody(t, w, &report)
	assert.Equal(t, float64(len(payload)), report["original_size"])
	assert.NotEmpty(t, report["entries"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/compression/benchmark", "").Code)
}
