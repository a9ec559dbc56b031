package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/leader"
	"github.com/teranos/pulsed/pulse/metrics"
	"github.com/teranos/pulsed/pulse/stream"
	"github.com/teranos/pulsed/pulse/trigger"
)

// fakeJobs keeps jobs in a map and mimics the scheduler's error contract
type fakeJobs struct {
	mu          sync.Mutex
	jobs        map[string]*job.JobDetails
	rescheduled []string
	patched     []*job.Patch
	failList    error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*job.JobDetails)}
}

func (f *fakeJobs) Schedule(_ context.Context, d job.Description) (*job.JobDetails, error) {
	j, err := d.Build(time.Now())
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[j.ID]; ok {
		return nil, errors.NewConflictError("job %s already exists", j.ID)
	}
	f.jobs[j.ID] = j
	return j.Clone(), nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) (*job.JobDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	j.Status = job.StatusCanceled
	j.Trigger = nil
	return j.Clone(), nil
}

func (f *fakeJobs) Reschedule(_ context.Context, id string, t trigger.Trigger) (*job.JobDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	f.rescheduled = append(f.rescheduled, id)
	j.Trigger = t
	return j.Clone(), nil
}

func (f *fakeJobs) Patch(_ context.Context, id string, p *job.Patch) (*job.JobDetails, error) {
	if err := job.CheckPatchTarget(id, p); err != nil {
		return nil, err
	}
	if p.Status != nil {
		return nil, errors.NewInvalidRequestError("status is managed by the scheduler")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	f.patched = append(f.patched, p)
	f.jobs[id] = job.ApplyPatch(j, p)
	return f.jobs[id].Clone(), nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*job.JobDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return j.Clone(), nil
}

func (f *fakeJobs) List(_ context.Context, statuses ...job.Status) ([]*job.JobDetails, error) {
	if f.failList != nil {
		return nil, f.failList
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*job.JobDetails
	for _, j := range f.jobs {
		if len(statuses) == 0 || containsStatus(statuses, j.Status) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func containsStatus(statuses []job.Status, s job.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

type fakeLeader struct{ role leader.Role }

func (f fakeLeader) Role() leader.Role   { return f.role }
func (f fakeLeader) TokenPrefix() string { return "abcd1234" }
func (f fakeLeader) Owner() string       { return "node-a" }

func newTestServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	s := New(am.ServerConfig{}, deps, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})
	return s, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

const j1Body = `{"id":"J1","recipient":{"type":"in-process","inProcess":{"handler":"noop"}},"schedule":{"every":"1m","repeat":2}}`

func TestJobLifecycleOverHTTP(t *testing.T) {
	jobs := newFakeJobs()
	_, ts := newTestServer(t, Deps{Jobs: jobs})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/jobs", j1Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created job.JobDetails
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "J1", created.ID)
	assert.Equal(t, job.StatusScheduled, created.Status)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/jobs", j1Body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/jobs/J1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got job.JobDetails
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "J1", got.ID)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/jobs?status=scheduled", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListJobsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	resp, body = do(t, http.MethodDelete, ts.URL+"/api/jobs/J1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, job.StatusCanceled, got.Status)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/jobs?status=SCHEDULED,RETRY", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Jobs, "empty lists encode as []")
}

func TestErrorMapping(t *testing.T) {
	jobs := newFakeJobs()
	_, ts := newTestServer(t, Deps{Jobs: jobs})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "missing")

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/jobs", `{"recipient":{"type":"in-process","inProcess":{"handler":"noop"}},"schedule":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/jobs?status=PAUSED", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	jobs.failList = errors.New("connection reset by peer")
	resp, body = do(t, http.MethodGet, ts.URL+"/api/jobs", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "connection reset", "internal errors are not echoed")

	resp, _ = do(t, http.MethodPut, ts.URL+"/api/jobs/J1", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPatchRoutesToRescheduleOrMerge(t *testing.T) {
	jobs := newFakeJobs()
	_, ts := newTestServer(t, Deps{Jobs: jobs})
	resp, _ := do(t, http.MethodPost, ts.URL+"/api/jobs", j1Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, http.MethodPatch, ts.URL+"/api/jobs/J1", `{"schedule":{"every":"5m"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []string{"J1"}, jobs.rescheduled)

	resp, body = do(t, http.MethodPatch, ts.URL+"/api/jobs/J1", `{"priority":9}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got job.JobDetails
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 9, got.Priority)

	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/jobs/J1", `{"status":"EXECUTED"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/jobs/J1", `{"id":"J2","priority":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/jobs/J1", `{"schedule":{"every":"soon"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/jobs/J1", `{"executionTimeoutMs":-5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaderAndHealth(t *testing.T) {
	_, ts := newTestServer(t, Deps{Jobs: newFakeJobs(), Leader: fakeLeader{role: leader.Leader}})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/leader", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr LeaderResponse
	require.NoError(t, json.Unmarshal(body, &lr))
	assert.Equal(t, "leader", lr.Role)
	assert.Equal(t, "abcd1234", lr.Token)

	resp, body = do(t, http.MethodGet, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hr HealthResponse
	require.NoError(t, json.Unmarshal(body, &hr))
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "leader", hr.Role)
	assert.NotZero(t, hr.HeapAlloc)
}

func TestLeaderUnavailableWithoutElection(t *testing.T) {
	_, ts := newTestServer(t, Deps{Jobs: newFakeJobs()})
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/leader", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveFire(true, 20*time.Millisecond)
	m.SetLeader(true)

	_, ts := newTestServer(t, Deps{Jobs: newFakeJobs(), Gatherer: reg})
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pulsed_job_fires_total")
	assert.Contains(t, string(body), "pulsed_leader 1")
}

func TestJobsWebSocketStreamsStatusEvents(t *testing.T) {
	feed := stream.New(nil)
	t.Cleanup(feed.Close)
	s, ts := newTestServer(t, Deps{Jobs: newFakeJobs(), Feed: feed})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs?job=J1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.clients.Load() == 1 }, time.Second, 5*time.Millisecond)

	feed.PublishJobStatusChange(&job.JobDetails{ID: "other", Status: job.StatusScheduled})
	feed.PublishJobStatusChange(&job.JobDetails{ID: "J1", Status: job.StatusRunning, ExecutionCounter: 1})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev stream.StatusEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "J1", ev.JobID)
	assert.Equal(t, job.StatusRunning, ev.Status)
	assert.Nil(t, ev.Job)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.clients.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://pulsed.local/ws/jobs", nil)
	assert.True(t, checkOrigin(r))

	r.Header.Set("Origin", "http://pulsed.local")
	assert.True(t, checkOrigin(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, checkOrigin(r))
}

func TestAddrDefaultsPort(t *testing.T) {
	s := New(am.ServerConfig{BindAddress: "127.0.0.1"}, Deps{}, nil)
	assert.Equal(t, "127.0.0.1:8480", s.Addr())
}
