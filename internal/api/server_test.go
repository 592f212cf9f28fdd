package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/calendar-archiver/internal/archive"
	"github.com/p-blackswan/calendar-archiver/internal/audit"
	"github.com/p-blackswan/calendar-archiver/internal/calendar"
	"github.com/p-blackswan/calendar-archiver/internal/correlation"
	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/escalation"
	"github.com/p-blackswan/calendar-archiver/internal/health"
	"github.com/p-blackswan/calendar-archiver/internal/metrics"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	app    *fiber.App
	src    *calendar.Memory
	st     *store.Store
	runner *archive.Runner
}

func newTestEnv(t *testing.T, auth AuthConfig, rl RateLimitConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New(filepath.Join(t.TempDir(), "archiver.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := calendar.NewMemory()
	rec := audit.NewRecorder(st, logger)
	queue := escalation.NewQueue(st, nil, logger)
	runner := archive.New(st, rec, calendar.NewMemory(), archive.Config{}, logger,
		archive.WithSource(src), archive.WithEscalations(queue))

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st, logger))

	srv := NewServer(ServerConfig{ListenAddr: ":0", AuthConfig: auth, RateLimit: rl},
		runner, rec, queue, checker, metrics.New(), logger)

	return &testEnv{app: srv.App(), src: src, st: st, runner: runner}
}

func openEnv(t *testing.T) *testEnv {
	return newTestEnv(t, AuthConfig{Mode: "none"}, RateLimitConfig{RPS: 100, Burst: 200})
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedMeetings(src *calendar.Memory) {
	scope := schedule.Scope{User: "u1", Calendar: "work"}
	src.Add(
		schedule.ScheduledItem{SourceID: "a", Scope: scope, Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour),
			Subject: "Standup", Availability: schedule.AvailabilityBusy, Priority: schedule.PriorityNormal},
		schedule.ScheduledItem{SourceID: "b", Scope: scope, Start: day.Add(11 * time.Hour), End: day.Add(12 * time.Hour),
			Subject: "Review", Availability: schedule.AvailabilityBusy, Priority: schedule.PriorityNormal},
	)
}

const runBody = `{
	"user": "u1",
	"source_calendar": "work",
	"destination_calendar": "archive",
	"window_start": "2024-03-04T00:00:00Z",
	"window_end": "2024-03-04T23:59:59Z"
}`

func windowQuery() string {
	q := url.Values{}
	q.Set("user", "u1")
	q.Set("source_calendar", "work")
	q.Set("start", "2024-03-04T00:00:00Z")
	q.Set("end", "2024-03-04T23:59:59Z")
	return q.Encode()
}

func TestServer_HealthzEndpoint(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
}

func TestServer_ReadyzReportsComponents(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, health.StatusOK, body.Components["store"])
}

func TestServer_ReadyzNotReadyWhenStoreDown(t *testing.T) {
	env := openEnv(t)
	require.NoError(t, env.st.Close())

	resp := env.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := openEnv(t)
	env.do(t, "GET", "/api/v1/runs", "").Body.Close()

	resp := env.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "archiver_api_requests_total")
}

func TestServer_StartRunAndQueryState(t *testing.T) {
	env := openEnv(t)
	seedMeetings(env.src)

	resp := env.do(t, "POST", "/api/v1/runs", runBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[RunResponse](t, resp)
	require.NotNil(t, run.Result)
	assert.Equal(t, store.RunCompleted, run.Result.State)
	assert.Equal(t, 2, run.Result.Archived)
	assert.Nil(t, run.Problem)

	resp = env.do(t, "GET", "/api/v1/runs/state?"+windowQuery(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[RunView](t, resp)
	assert.Equal(t, store.RunCompleted, view.State)
	assert.Equal(t, run.Result.CorrelationID, view.CorrelationID)
	require.NotNil(t, view.FinishedAt)
	require.NotNil(t, view.Result)
	assert.Equal(t, 2, view.Result.Archived)

	resp = env.do(t, "GET", "/api/v1/runs?user=u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[RunListResponse](t, resp)
	assert.Equal(t, 1, list.Count)
}

func TestServer_StartRunUsesCallerCorrelationID(t *testing.T) {
	env := openEnv(t)
	seedMeetings(env.src)
	corr := correlation.New()

	resp := env.do(t, "POST", "/api/v1/runs", runBody, correlation.Header, corr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, corr, resp.Header.Get(correlation.Header))
	run := decode[RunResponse](t, resp)
	assert.Equal(t, corr, run.Result.CorrelationID)

	resp = env.do(t, "GET", "/api/v1/trails/"+corr, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trail := decode[TrailResponse](t, resp)
	require.NotEmpty(t, trail.Entries)
	assert.Equal(t, "lock", trail.Entries[0].Operation)
	for _, e := range trail.Entries {
		assert.Equal(t, corr, e.CorrelationID)
	}
}

func TestServer_StartRunValidation(t *testing.T) {
	env := openEnv(t)

	tests := []struct {
		name     string
		body     string
		wantType string
	}{
		{"malformed body", `{`, "invalid_body"},
		{"missing user", `{"source_calendar":"work"}`, "missing_user"},
		{"missing source", `{"user":"u1"}`, "missing_source"},
		{"bad tolerance", `{"user":"u1","source_calendar":"work","merge_tolerance":"soon"}`, "invalid_merge_tolerance"},
		{"same calendars", `{"user":"u1","source_calendar":"work","destination_calendar":"work",
			"window_start":"2024-03-04T00:00:00Z","window_end":"2024-03-05T00:00:00Z"}`, "invalid_input"},
		{"inverted window", `{"user":"u1","source_calendar":"work","destination_calendar":"archive",
			"window_start":"2024-03-05T00:00:00Z","window_end":"2024-03-04T00:00:00Z"}`, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			problem := decode[ProblemDetail](t, resp)
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, "/api/v1/runs", problem.Instance)
		})
	}
}

func TestServer_StartRunUnknownArchive(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "POST", "/api/v1/runs", `{"user":"u1","archive":"nope",
		"window_start":"2024-03-04T00:00:00Z","window_end":"2024-03-05T00:00:00Z"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "not_found", problem.Type)
}

func TestServer_StartRunConflictWhileRunning(t *testing.T) {
	env := openEnv(t)

	held := &store.ArchiveRun{
		Key:                 archive.RunKey("u1", "work", schedule.Window{Start: day, End: day.Add(24*time.Hour - time.Second)}),
		User:                "u1",
		SourceCalendar:      "work",
		DestinationCalendar: "archive",
		WindowStart:         day.UnixMilli(),
		WindowEnd:           day.Add(24*time.Hour - time.Second).UnixMilli(),
		Mode:                "append",
		CorrelationID:       "holder",
	}
	_, err := env.st.AcquireRun(held, time.Hour)
	require.NoError(t, err)

	resp := env.do(t, "POST", "/api/v1/runs", runBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "run_in_progress", problem.Type)
	assert.Contains(t, problem.Detail, "holder")
}

func TestServer_StartRunExternalFailure(t *testing.T) {
	env := openEnv(t)
	env.src.FailFetch(perrors.NewExternalAccessError("memory", "fetch_items", 429, perrors.ErrRateLimit))

	resp := env.do(t, "POST", "/api/v1/runs", runBody)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	run := decode[RunResponse](t, resp)
	require.NotNil(t, run.Result)
	assert.Equal(t, store.RunFailed, run.Result.State)
	require.NotNil(t, run.Problem)
	assert.Equal(t, "calendar_unavailable", run.Problem.Type)
}

func TestServer_RunStateNotFound(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/runs/state?"+windowQuery(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RunStateRequiresParameters(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/runs/state?user=u1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "GET", "/api/v1/runs/state?user=u1&source_calendar=work&start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_input", problem.Type)
}

func TestServer_CancelRun(t *testing.T) {
	env := openEnv(t)
	cancelBody := `{"user":"u1","source_calendar":"work",
		"window_start":"2024-03-04T00:00:00Z","window_end":"2024-03-04T23:59:59Z"}`

	resp := env.do(t, "POST", "/api/v1/runs/cancel", cancelBody)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	held := &store.ArchiveRun{
		Key:                 archive.RunKey("u1", "work", schedule.Window{Start: day, End: day.Add(24*time.Hour - time.Second)}),
		User:                "u1",
		SourceCalendar:      "work",
		DestinationCalendar: "archive",
		WindowStart:         day.UnixMilli(),
		WindowEnd:           day.Add(24*time.Hour - time.Second).UnixMilli(),
		Mode:                "append",
		CorrelationID:       "holder",
	}
	_, err := env.st.AcquireRun(held, time.Hour)
	require.NoError(t, err)

	resp = env.do(t, "POST", "/api/v1/runs/cancel", cancelBody)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	run, err := env.st.GetRun(held.Key)
	require.NoError(t, err)
	assert.True(t, run.CancelRequested)
}

func TestServer_TrailNotFound(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/trails/"+correlation.New(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "trail_not_found", problem.Type)
}

func TestServer_UserActivity(t *testing.T) {
	env := openEnv(t)
	seedMeetings(env.src)
	env.do(t, "POST", "/api/v1/runs", runBody).Body.Close()

	resp := env.do(t, "GET", "/api/v1/users/u1/activity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trail := decode[TrailResponse](t, resp)
	assert.NotZero(t, trail.Count)

	resp = env.do(t, "GET", "/api/v1/users/nobody/activity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trail = decode[TrailResponse](t, resp)
	assert.Zero(t, trail.Count)

	resp = env.do(t, "GET", "/api/v1/users/u1/activity?from=last-week", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ListEscalations(t *testing.T) {
	env := openEnv(t)
	scope := schedule.Scope{User: "u1", Calendar: "work"}
	// Identical in every resolution dimension, so nothing can break the tie.
	env.src.Add(
		schedule.ScheduledItem{SourceID: "x", Scope: scope, Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour),
			Subject: "Budget", Availability: schedule.AvailabilityBusy, Priority: schedule.PriorityHigh},
		schedule.ScheduledItem{SourceID: "y", Scope: scope, Start: day.Add(9*time.Hour + 30*time.Minute), End: day.Add(10*time.Hour + 30*time.Minute),
			Subject: "Hiring", Availability: schedule.AvailabilityBusy, Priority: schedule.PriorityHigh},
	)

	resp := env.do(t, "POST", "/api/v1/runs", runBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[RunResponse](t, resp)
	require.Equal(t, 1, run.Result.Escalated)

	resp = env.do(t, "GET", "/api/v1/escalations?user=u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[EscalationListResponse](t, resp)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, run.Result.RunKey, list.Tasks[0].RunKey)
	assert.Len(t, list.Tasks[0].Members, 2)
}
