package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	segtest "github.com/teranos/segpulse/internal/testing"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/pulse/schedule"
)

// recordingExecutor creates every item unless it is listed in fail
type recordingExecutor struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls [][]string
}

func (e *recordingExecutor) Execute(_ context.Context, items []string) ([]async.Outcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]string(nil), items...))
	e.mu.Unlock()

	out := make([]async.Outcome, 0, len(items))
	for _, item := range items {
		status := async.OutcomeCreated
		if e.fail[item] {
			status = async.OutcomeError
		}
		out = append(out, async.Outcome{ItemID: item, Status: status})
	}
	return out, nil
}

func (e *recordingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type testEnv struct {
	server *Server
	queue  *async.Queue
	exec   *recordingExecutor
}

func newTestEnv(t *testing.T, withSweeper bool) *testEnv {
	t.Helper()

	queue := async.NewQueue(segtest.CreateTestDB(t))
	exec := &recordingExecutor{fail: map[string]bool{}}
	scheduler := async.NewScheduler(queue, exec, async.SchedulerConfig{MaxRetries: 3}, nil)

	var sweeper *schedule.RetrySweeper
	if withSweeper {
		sweeper = schedule.NewRetrySweeper(context.Background(), scheduler, nil, schedule.DefaultSweeperConfig(), nil)
	}

	s := New(context.Background(), scheduler, sweeper, nil, Config{
		Port:           0,
		AllowedOrigins: []string{"http://localhost"},
	}, nil)
	t.Cleanup(func() { s.cancel() })

	return &testEnv{server: s, queue: queue, exec: exec}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submit(t *testing.T, items ...string) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/jobs", SubmitJobRequest{WorkItems: items, Label: "test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) *async.Job {
	t.Helper()
	var job async.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return &job
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestSubmitAndGetJob(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.submit(t, "welcome-series", "vip-buyers")

	rec := env.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeJob(t, rec)

	assert.Equal(t, id, job.ID)
	assert.Equal(t, async.JobStatusPending, job.Status)
	assert.Equal(t, []string{"welcome-series", "vip-buyers"}, job.WorkItems)
	assert.Equal(t, sourceHTTP, job.Source)
	assert.Equal(t, "test", job.Label)
	assert.Equal(t, 0, env.exec.callCount())
}

func TestSubmitJobRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name string
		body interface{}
	}{
		{"no work items", SubmitJobRequest{WorkItems: []string{}}},
		{"blank work items", SubmitJobRequest{WorkItems: []string{"  ", ""}}},
		{"malformed JSON", `{"work_items": [`},
		{"unknown field", `{"work_items": ["a"], "priority": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, errorBody(t, rec))
		})
	}

	jobs, err := env.queue.ListJobs(nil, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/jobs/does-not-exist/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunAttemptOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	env.exec.fail["broken"] = true
	id := env.submit(t, "ok", "broken")

	rec := env.do(t, http.MethodPost, "/api/jobs/"+id+"/attempt", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, async.JobStatusWaitingRetry, job.Status)
	assert.Equal(t, 1, job.SuccessCount)
	assert.Equal(t, []string{"broken"}, job.FailedItems)
	assert.Equal(t, 1, env.exec.callCount())

	// Not due yet: returned unchanged without calling the executor
	rec = env.do(t, http.MethodPost, "/api/jobs/"+id+"/attempt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, async.JobStatusWaitingRetry, decodeJob(t, rec).Status)
	assert.Equal(t, 1, env.exec.callCount())

	rec = env.do(t, http.MethodGet, "/api/jobs/"+id+"?attempts=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		ID       string                `json:"id"`
		Status   async.JobStatus       `json:"status"`
		Attempts []async.AttemptRecord `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, id, detail.ID)
	require.Len(t, detail.Attempts, 1)
	assert.Equal(t, 1, detail.Attempts[0].Attempt)
	assert.Equal(t, 2, detail.Attempts[0].InputCount)
	assert.Equal(t, 1, detail.Attempts[0].Succeeded)
	assert.Equal(t, 1, detail.Attempts[0].Failed)
}

func TestCancelJobOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.submit(t, "a")

	rec := env.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	assert.Equal(t, async.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)

	// Terminal jobs are frozen
	rec = env.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// A cancelled job never runs
	rec = env.do(t, http.MethodPost, "/api/jobs/"+id+"/attempt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, async.JobStatusCancelled, decodeJob(t, rec).Status)
	assert.Equal(t, 0, env.exec.callCount())
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, false)
	done := env.submit(t, "a")
	pending := env.submit(t, "b")

	rec := env.do(t, http.MethodPost, "/api/jobs/"+done+"/attempt", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := func(query string) JobListResponse {
		t.Helper()
		rec := env.do(t, http.MethodGet, "/api/jobs"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp JobListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	all := list("")
	assert.Equal(t, 2, all.Count)

	completed := list("?status=completed")
	require.Equal(t, 1, completed.Count)
	assert.Equal(t, done, completed.Jobs[0].ID)

	active := list("?active=1")
	require.Equal(t, 1, active.Count)
	assert.Equal(t, pending, active.Jobs[0].ID)

	none := list("?status=failed")
	assert.Equal(t, 0, none.Count)
	assert.NotNil(t, none.Jobs)

	limited := list("?limit=1")
	assert.Equal(t, 1, limited.Count)

	rec = env.do(t, http.MethodGet, "/api/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/jobs?active=1&since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetrySweepEndpoint(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.submit(t, "a")

		rec := env.do(t, http.MethodPost, "/api/cron/retries", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var result schedule.SweepResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		// Pending jobs belong to the workers, the sweep only runs due retries
		assert.Equal(t, 0, result.Ran)
		assert.Equal(t, 1, result.ActiveJobs)
		assert.Empty(t, result.Error)
	})

	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, false)
		rec := env.do(t, http.MethodPost, "/api/cron/retries", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, false)
	env.submit(t, "a")

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status string           `json:"status"`
		State  string           `json:"state"`
		Queue  async.QueueStats `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "running", health.State)
	assert.Equal(t, 1, health.Queue.Pending)
	assert.Equal(t, 1, health.Queue.Total)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "segpulse_jobs_submitted_total")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodDelete, "/api/jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, false)

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Request-ID")

	rec = preflight("https://evil.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", stateString(ServerStateRunning))
	assert.Equal(t, "draining", stateString(ServerStateDraining))
	assert.Equal(t, "stopped", stateString(ServerStateStopped))
	assert.Equal(t, "unknown", stateString(ServerState(42)))
}

func TestStatusForError(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.submit(t, "a")
	require.NoError(t, env.queue.CancelJob(context.Background(), id))

	err := env.queue.CancelJob(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, statusForError(err))

	_, err = env.queue.GetJob("missing")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusForError(err))

	_, err = env.queue.SubmitJob(context.Background(), nil, async.SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, statusForError(err))

	assert.Equal(t, http.StatusInternalServerError, statusForError(io.ErrUnexpectedEOF))
}
