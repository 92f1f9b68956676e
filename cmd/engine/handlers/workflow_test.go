package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniflow/engine/cmd/engine/executor"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/repository"
	"github.com/miniflow/engine/cmd/engine/service"
	"github.com/miniflow/engine/common/logger"
)

type apiFixture struct {
	e         *echo.Echo
	store     *repository.Store
	hub       *service.StreamHub
	workflows *service.WorkflowService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := logger.New("error", "text")

	store := repository.New(t.TempDir(), 10, false, nil, 0, log)
	require.NoError(t, store.LoadAll())

	hub := service.NewStreamHub()
	rdv := service.NewRendezvous()
	runner := service.NewRunner(store, hub, rdv, executor.NewRegistry(log), log, 100, time.Second, time.Minute)
	workflows := service.NewWorkflowService(store, runner, log)

	h := NewWorkflowHandler(workflows)
	sse := NewStreamHandler(hub, log, 10*time.Millisecond)

	e := echo.New()
	wf := e.Group("/api/workflows")
	wf.POST("", h.SaveWorkflow)
	wf.GET("", h.ListWorkflows)
	wf.GET("/:id", h.GetWorkflow)
	wf.PATCH("/:id", h.PatchWorkflow)
	wf.POST("/:id/run", h.RunWorkflow)
	wf.POST("/:id/test", h.TestWorkflow)
	wf.POST("/:id/toggle_active", h.ToggleActive)
	wf.GET("/:id/runs", h.ListRuns)
	wf.GET("/:id/runs/:run_id", h.GetRun)
	wf.GET("/:id/runs/:run_id/stream", sse.StreamRun)

	return &apiFixture{e: e, store: store, hub: hub, workflows: workflows}
}

func (f *apiFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const sampleWorkflowJSON = `{
	"id": "wf1",
	"name": "pipeline",
	"nodes": [
		{"id": "A", "type": "input", "data": {}},
		{"id": "B", "type": "default", "data": {}}
	],
	"edges": [{"id": "e1", "source": "A", "target": "B"}]
}`

func TestSaveWorkflowCreates(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "wf1", body["workflow_id"])
	assert.Equal(t, true, body["structure_changed"])
}

func TestGetWorkflowNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/api/workflows/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "detail")
}

func TestListWorkflows(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)

	rec := f.request(t, http.MethodGet, "/api/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Len(t, body["workflows"], 1)
}

func TestToggleActiveRequiresTestedWorkflow(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)

	rec := f.request(t, http.MethodPost, "/api/workflows/wf1/toggle_active", `{"active": true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "test run")

	require.NoError(t, f.store.SetTested("wf1", true))
	rec = f.request(t, http.MethodPost, "/api/workflows/wf1/toggle_active", `{"active": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, true, body["tested"])
}

func TestPatchWorkflow(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)

	patch := `[{"op": "replace", "path": "/name", "value": "patched"}]`
	rec := f.request(t, http.MethodPatch, "/api/workflows/wf1", patch)
	require.Equal(t, http.StatusOK, rec.Code)

	var wf models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, "patched", wf.Name)
}

func TestPatchWorkflowInvalidDocument(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)

	rec := f.request(t, http.MethodPatch, "/api/workflows/wf1", `{"not": "a patch"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunWorkflowReturnsRunID(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)

	rec := f.request(t, http.MethodPost, "/api/workflows/wf1/test", `{"input_data": {"x": 1}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, "wf1", body["workflow_id"])
}

func TestRunUnknownWorkflow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/workflows/ghost/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsValidatesLimit(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)

	rec := f.request(t, http.MethodGet, "/api/workflows/wf1/runs?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/workflows/wf1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "runs")
}

func TestGetRunAfterCompletion(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/workflows", sampleWorkflowJSON)

	rec := f.request(t, http.MethodPost, "/api/workflows/wf1/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runID := decodeBody(t, rec)["run_id"].(string)

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = f.request(t, http.MethodGet, "/api/workflows/wf1/runs/"+runID, "")
		if rec.Code == http.StatusOK {
			break
		}
		require.True(t, time.Now().Before(deadline), "run never persisted")
		time.Sleep(10 * time.Millisecond)
	}

	var run models.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.True(t, run.IsTest)
}

func TestStreamUnavailableRun(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/api/workflows/wf1/runs/gone/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Body.String(), "event: message")
	assert.Contains(t, rec.Body.String(), "Log stream unavailable or run already completed.")
}

func TestStreamDeliversEventsUntilSentinel(t *testing.T) {
	f := newAPIFixture(t)

	stream := f.hub.Open("run-1")
	stream.Publish(models.LogEvent{Step: "Start", RunID: "run-1", Status: models.StatusSuccess})
	stream.Publish(models.LogEvent{Step: models.SentinelEnd, RunID: "run-1"})

	rec := f.request(t, http.MethodGet, "/api/workflows/wf1/runs/run-1/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"Start"`)
	assert.Contains(t, frames[1], models.SentinelEnd)

	// The sentinel tears the stream down.
	_, ok := f.hub.Get("run-1")
	assert.False(t, ok)
}
