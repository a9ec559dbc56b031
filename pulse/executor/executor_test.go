package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
)

func httpJob(target string) *job.JobDetails {
	return &job.JobDetails{
		ID:            "J1",
		CorrelationID: "corr-1",
		Status:        job.StatusRunning,
		Recipient:     job.NewHTTPRecipient(target, "POST", json.RawMessage(`{"hello":"world"}`)),
	}
}

func TestResolverRejectsDuplicateType(t *testing.T) {
	r := NewResolver(NewHTTPExecutor(nil, time.Second, time.Minute))
	assert.Panics(t, func() {
		r.Register(NewHTTPExecutor(nil, time.Second, time.Minute))
	})
}

func TestResolverValidate(t *testing.T) {
	inProcess := NewInProcessExecutor(time.Second, 0)
	inProcess.Register("known", func(context.Context, *job.JobDetails, json.RawMessage) error { return nil })
	r := NewResolver(NewHTTPExecutor(nil, time.Second, time.Minute), inProcess)

	tests := []struct {
		name    string
		mutate  func(j *job.JobDetails)
		wantErr bool
	}{
		{name: "valid http job"},
		{
			name:    "timeout above maximum",
			mutate:  func(j *job.JobDetails) { j.ExecutionTimeout = 2 * time.Minute },
			wantErr: true,
		},
		{
			name:    "negative timeout",
			mutate:  func(j *job.JobDetails) { j.ExecutionTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "malformed recipient",
			mutate:  func(j *job.JobDetails) { j.Recipient.HTTP.URL = "not a url" },
			wantErr: true,
		},
		{
			name:    "unregistered executor",
			mutate:  func(j *job.JobDetails) { j.Recipient = job.NewSinkRecipient("http://sink.local/x", "", nil) },
			wantErr: true,
		},
		{
			name: "known in-process handler without limit",
			mutate: func(j *job.JobDetails) {
				j.Recipient = job.NewInProcessRecipient("known", nil)
				j.ExecutionTimeout = time.Hour
			},
		},
		{
			name:    "unknown in-process handler",
			mutate:  func(j *job.JobDetails) { j.Recipient = job.NewInProcessRecipient("missing", nil) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := httpJob("http://example.com/hook")
			if tt.mutate != nil {
				tt.mutate(j)
			}
			err := r.Validate(j)
			if tt.wantErr {
				assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTimeoutPrefersJobValue(t *testing.T) {
	e := NewHTTPExecutor(nil, 5*time.Second, time.Minute)
	j := httpJob("http://example.com")
	assert.Equal(t, 5*time.Second, Timeout(e, j))

	j.ExecutionTimeout = 750 * time.Millisecond
	assert.Equal(t, 750*time.Millisecond, Timeout(e, j))
}

func TestHTTPExecutorDelivers(t *testing.T) {
	var (
		mu      sync.Mutex
		got     *http.Request
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, gotBody = r, body
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	j := httpJob(srv.URL + "/hook")
	j.Recipient.HTTP.Method = "put"
	j.Recipient.HTTP.Headers = map[string]string{"Authorization": "Bearer abc"}
	j.Recipient.HTTP.QueryParams = map[string]string{"tenant": "t1"}
	j.ExecutionCounter = 2

	e := NewHTTPExecutor(nil, time.Second, time.Minute)
	require.NoError(t, e.Execute(context.Background(), j))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/hook", got.URL.Path)
	assert.Equal(t, "t1", got.URL.Query().Get("tenant"))
	assert.Equal(t, "Bearer abc", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "J1", got.Header.Get(HeaderJobID))
	assert.Equal(t, "corr-1", got.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "3", got.Header.Get(HeaderExecution))
	assert.JSONEq(t, `{"hello":"world"}`, string(gotBody))
}

func TestHTTPExecutorFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "downstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPExecutor(nil, time.Second, 0).Execute(context.Background(), httpJob(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 502")
	assert.Contains(t, errors.FlattenDetails(err), "downstream exploded")
	assert.Contains(t, errors.FlattenDetails(err), "Job ID: J1")
}

func TestHTTPExecutorDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewHTTPExecutor(nil, time.Second, 0).Execute(ctx, httpJob(srv.URL))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "got %v", err)
}

func TestSinkExecutorPostsCloudEvent(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := &job.JobDetails{
		ID:            "J2",
		CorrelationID: "corr-2",
		Recipient:     job.NewSinkRecipient(srv.URL+"/events", "com.example.tick", json.RawMessage(`{}`)),
	}
	e := NewSinkExecutor(nil, nil, time.Second, time.Minute)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	require.NoError(t, e.Execute(context.Background(), j))

	h := <-headers
	assert.Equal(t, "1.0", h.Get("ce-specversion"))
	assert.Equal(t, "com.example.tick", h.Get("ce-type"))
	assert.Equal(t, DefaultCESource, h.Get("ce-source"))
	assert.Equal(t, "J2", h.Get("ce-subject"))
	assert.Equal(t, "corr-2", h.Get("ce-correlationid"))
	assert.Equal(t, fixed.Format(time.RFC3339Nano), h.Get("ce-time"))
	assert.NotEmpty(t, h.Get("ce-id"))
}

func TestSinkExecutorRedisRequiresClient(t *testing.T) {
	e := NewSinkExecutor(nil, nil, time.Second, time.Minute)
	j := &job.JobDetails{ID: "J3", Recipient: job.NewSinkRecipient("redis://cache/ticks", "", nil)}

	assert.True(t, errors.IsInvalidRequestError(e.ValidateJob(j)))
	assert.True(t, errors.IsServiceUnavailableError(e.Execute(context.Background(), j)))
}

func TestRedisChannel(t *testing.T) {
	ch, err := redisChannel("redis://cache:6379/jobs.fired")
	require.NoError(t, err)
	assert.Equal(t, "jobs.fired", ch)

	_, err = redisChannel("redis://cache:6379/")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestInProcessExecutor(t *testing.T) {
	e := NewInProcessExecutor(time.Second, 0)
	var payload string
	e.Register("echo", func(_ context.Context, j *job.JobDetails, p json.RawMessage) error {
		payload = string(p)
		return nil
	})
	e.Register("fail", func(context.Context, *job.JobDetails, json.RawMessage) error {
		return errors.New("handler failed")
	})

	assert.Panics(t, func() { e.Register("echo", nil) })
	assert.Equal(t, []string{"echo", "fail"}, e.Names())

	ok := &job.JobDetails{ID: "a", Recipient: job.NewInProcessRecipient("echo", json.RawMessage(`42`))}
	require.NoError(t, e.Execute(context.Background(), ok))
	assert.Equal(t, "42", payload)

	bad := &job.JobDetails{ID: "b", Recipient: job.NewInProcessRecipient("fail", nil)}
	assert.EqualError(t, e.Execute(context.Background(), bad), "handler failed")
}

func TestBlockedAddresses(t *testing.T) {
	tests := []struct {
		addr    string
		blocked bool
	}{
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"::1", true},
		{"fd00::1", true},
		{"::ffff:10.0.0.1", true},
		{"8.8.8.8", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.blocked, isBlockedAddr(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestCheckTarget(t *testing.T) {
	mustURL := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}
	assert.Error(t, checkTarget(mustURL("file:///etc/passwd"), false))
	assert.NoError(t, checkTarget(mustURL("http://localhost:8080"), false))
	assert.Error(t, checkTarget(mustURL("http://localhost:8080"), true))
	assert.Error(t, checkTarget(mustURL("http://10.0.0.5/"), true))
	assert.NoError(t, checkTarget(mustURL("https://example.com/"), true))
}

func TestFencedClientRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	err := NewHTTPExecutor(NewClient(true), time.Second, 0).Execute(context.Background(), httpJob(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private IP address blocked")
}

func TestNewDefaultResolver(t *testing.T) {
	cfg := am.ExecutorConfig{
		DefaultTimeout: 5 * time.Second,
		HTTP:           am.ExecutorKindConfig{MaxTimeout: time.Minute},
		Sink:           am.ExecutorKindConfig{MaxTimeout: 30 * time.Second},
	}
	r, inProcess := NewDefaultResolver(cfg, nil)
	require.NotNil(t, inProcess)
	assert.Equal(t, []job.RecipientType{job.RecipientHTTP, job.RecipientInProcess, job.RecipientSink}, r.Types())

	sink, err := r.Get(job.RecipientSink)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sink.MaxTimeout())
	assert.Equal(t, 5*time.Second, sink.DefaultTimeout())
}

func TestRegisterBuiltins(t *testing.T) {
	e := NewInProcessExecutor(time.Second, 0)
	RegisterBuiltins(e, nil)
	assert.Equal(t, []string{HandlerLog, HandlerNoop}, e.Names())

	j := &job.JobDetails{ID: "J1", Recipient: job.NewInProcessRecipient(HandlerLog, json.RawMessage(`{"n":1}`))}
	require.NoError(t, e.Execute(context.Background(), j))

	assert.Panics(t, func() { RegisterBuiltins(e, nil) })
}
