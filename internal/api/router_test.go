package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webagentaa/internal/core"
	"webagentaa/internal/runner"
	"webagentaa/internal/store"
)

type fakeRuns struct {
	tasks      []core.TaskSpec
	previewErr error
	startErr   error
	started    []runner.Request
	current    string
}

func (f *fakeRuns) Start(ctx context.Context, req runner.Request) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return "run-new", nil
}

func (f *fakeRuns) Preview(ctx context.Context, selection core.Selection) ([]core.TaskSpec, error) {
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	return core.Select(f.tasks, selection.Predicate()), nil
}

func (f *fakeRuns) Current() (string, bool) {
	return f.current, f.current != ""
}

type fakeHistory struct {
	runs     []*store.Run
	outcomes map[string][]store.Outcome
	err      error
}

func (f *fakeHistory) ListRuns(ctx context.Context, limit, offset int) ([]*store.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	if offset >= len(f.runs) {
		return nil, nil
	}
	end := min(offset+limit, len(f.runs))
	return f.runs[offset:end], nil
}

func (f *fakeHistory) GetRun(ctx context.Context, id string) (*store.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, store.ErrRunNotFound
}

func (f *fakeHistory) ListOutcomes(ctx context.Context, runID string) ([]store.Outcome, error) {
	return f.outcomes[runID], nil
}

type fixedNext time.Time

func (n fixedNext) Next() time.Time { return time.Time(n) }

var started = time.Date(2025, 5, 1, 6, 0, 0, 0, time.UTC)

func newHistory() *fakeHistory {
	finished := started.Add(90 * time.Second)
	return &fakeHistory{
		runs: []*store.Run{
			{ID: "run-2", Trigger: "api", Status: store.RunStatusRunning, StartedAt: started.Add(time.Hour), CreatedAt: started.Add(time.Hour)},
			{
				ID: "run-1", Trigger: "schedule", Status: store.RunStatusFailed, Total: 2, Succeeded: 1, Failed: 1, Complete: true,
				ReportPath: "/var/reports/test_report_20250501_060130.html",
				StartedAt:  started, FinishedAt: &finished, CreatedAt: started,
			},
		},
		outcomes: map[string][]store.Outcome{"run-1": {
			{RunID: "run-1", Index: 0, Name: "Search hotel", Category: "Hotels", Priority: "High", Status: core.StatusSucceeded, StartedAt: started, EndedAt: started.Add(40 * time.Second)},
			{RunID: "run-1", Index: 1, Name: "Book flight", Category: "Flights", Priority: "High", Status: core.StatusFailed, Error: "task not completed", FailedStep: 3, StartedAt: started, EndedAt: started.Add(50 * time.Second)},
		}},
	}
}

func newTestServer(t *testing.T, token string, runs *fakeRuns, history *fakeHistory, mutate func(*Deps)) http.Handler {
	t.Helper()
	deps := Deps{Runs: runs, History: history, Location: time.UTC}
	if mutate != nil {
		mutate(&deps)
	}
	return NewServer(context.Background(), "127.0.0.1:0", token, deps, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload
}

func TestListRuns(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/v1/runs?limit=5", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "run-2", first["id"])
	assert.NotContains(t, first, "report_name")
	assert.NotContains(t, first, "finished_at")
	second := items[1].(map[string]any)
	assert.Equal(t, "test_report_20250501_060130.html", second["report_name"])
	assert.Equal(t, "2025-05-01T06:01:30Z", second["finished_at"])
	assert.EqualValues(t, 1, second["failed"])
}

func TestListRunsStoreError(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, &fakeHistory{err: errors.New("disk gone")}, nil)

	rec := do(t, h, http.MethodGet, "/v1/runs", "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestGetRun(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/v1/runs/run-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decode(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/v1/runs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOutcomes(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/v1/runs/run-1/outcomes", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 2)
	failed := items[1].(map[string]any)
	assert.EqualValues(t, 2, failed["task_number"])
	assert.Equal(t, "Book flight", failed["scenario"])
	assert.EqualValues(t, 3, failed["failed_step"])
	assert.EqualValues(t, 50000, failed["duration_ms"])

	rec = do(t, h, http.MethodGet, "/v1/runs/missing/outcomes", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRun(t *testing.T) {
	runs := &fakeRuns{}
	h := newTestServer(t, "", runs, newHistory(), nil)

	rec := do(t, h, http.MethodPost, "/v1/runs", `{"priority":"High","category":"Hotels","mode":"parallel"}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "run-new", decode(t, rec)["run_id"])
	require.Len(t, runs.started, 1)
	assert.Equal(t, "api", runs.started[0].Trigger)
	assert.Equal(t, core.ModeParallel, runs.started[0].Mode)
	assert.Equal(t, core.Selection{Priority: "High", Category: "Hotels"}, runs.started[0].Selection)
}

func TestStartRunEmptyBody(t *testing.T) {
	runs := &fakeRuns{}
	h := newTestServer(t, "", runs, newHistory(), nil)

	rec := do(t, h, http.MethodPost, "/v1/runs", "", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, runs.started, 1)
	assert.Equal(t, core.Selection{}, runs.started[0].Selection)
	assert.Empty(t, runs.started[0].Mode)
}

func TestStartRunRejections(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)
	rec := do(t, h, http.MethodPost, "/v1/runs", `{"mode":"turbo"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/runs", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	busy := newTestServer(t, "", &fakeRuns{startErr: runner.ErrRunInProgress}, newHistory(), nil)
	rec = do(t, busy, http.MethodPost, "/v1/runs", `{}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run_in_progress", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestListTasks(t *testing.T) {
	runs := &fakeRuns{tasks: []core.TaskSpec{
		{Row: 2, Name: "Search hotel", Category: "Hotels", Priority: "High", Active: true},
		{Row: 3, Name: "Book flight", Category: "Flights", Priority: "High", Active: true},
		{Row: 4, Name: "Old", Category: "Hotels", Priority: "High", Active: false},
	}}
	h := newTestServer(t, "", runs, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/v1/tasks?category=hotels", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, "priority=All category=hotels", payload["selection"])
	items := payload["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Search hotel", items[0].(map[string]any)["name"])
}

func TestListTasksSourceUnavailable(t *testing.T) {
	runs := &fakeRuns{previewErr: &runner.SourceError{Err: errors.New("sheet unreachable")}}
	h := newTestServer(t, "", runs, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/v1/tasks", "", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "sheet unreachable")
}

func TestAuth(t *testing.T) {
	h := newTestServer(t, "s3cret", &fakeRuns{}, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/v1/runs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"].(map[string]any)["code"])

	rec = do(t, h, http.MethodGet, "/v1/runs", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs?token=s3cret", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsRunningRun(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{current: "run-7"}, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "run-7", payload["running_run_id"])
}

func TestReportsServedWithAuth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_report_20250501_060130.html"), []byte("<html>report</html>"), 0o644))
	h := newTestServer(t, "s3cret", &fakeRuns{}, newHistory(), func(d *Deps) { d.ReportsDir = dir })

	rec := do(t, h, http.MethodGet, "/reports/test_report_20250501_060130.html", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/reports/test_report_20250501_060130.html?token=s3cret", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "report")
}

func TestOptionalHandlers(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "", nil).Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("webagentaa_runs_total 1")) })
	h = newTestServer(t, "", &fakeRuns{}, newHistory(), func(d *Deps) { d.Metrics = metrics })
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webagentaa_runs_total")
}

func TestDashboardAssets(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)

	rec := do(t, h, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/assets/app.js")

	rec = do(t, h, http.MethodGet, "/assets/app.js", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSchedule(t *testing.T) {
	next := time.Date(2025, 5, 2, 6, 0, 0, 0, time.UTC)
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), func(d *Deps) {
		d.Cron = "0 6 * * *"
		d.Scheduler = fixedNext(next)
	})

	rec := do(t, h, http.MethodGet, "/v1/schedule", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, true, payload["enabled"])
	assert.Equal(t, "0 6 * * *", payload["cron"])
	assert.Equal(t, "2025-05-02T06:00:00Z", payload["next_run"])

	disabled := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)
	payload = decode(t, do(t, disabled, http.MethodGet, "/v1/schedule", "", nil))
	assert.Equal(t, false, payload["enabled"])
}

func TestCronPreview(t *testing.T) {
	h := newTestServer(t, "", &fakeRuns{}, newHistory(), nil)

	rec := do(t, h, http.MethodPost, "/v1/schedule/preview", `{"expr":"30 6 * * *","now":"2025-05-01T07:00:00Z","count":2}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, true, payload["valid"])
	assert.Equal(t, []any{"2025-05-02T06:30:00Z", "2025-05-03T06:30:00Z"}, payload["next_times"])

	rec = do(t, h, http.MethodPost, "/v1/schedule/preview", `{"expr":"@daily"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["valid"])

	rec = do(t, h, http.MethodPost, "/v1/schedule/preview", `{"expr":" "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
