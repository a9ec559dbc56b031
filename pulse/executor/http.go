package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
)

// maxErrorBody caps how much of a failed response is kept in the error
const maxErrorBody = 512

// Headers set on every delivery
const (
	HeaderJobID         = "X-Pulsed-Job-Id"
	HeaderCorrelationID = "X-Pulsed-Correlation-Id"
	HeaderExecution     = "X-Pulsed-Execution"
)

// HTTPExecutor sends the job payload to an HTTP endpoint.
// Any non-2xx response is a failed fire.
type HTTPExecutor struct {
	timeouts
	client *http.Client
}

// NewHTTPExecutor creates an executor using client; nil selects NewClient(false)
func NewHTTPExecutor(client *http.Client, defaultTimeout, maxTimeout time.Duration) *HTTPExecutor {
	if client == nil {
		client = NewClient(false)
	}
	return &HTTPExecutor{
		timeouts: timeouts{defaultTimeout: defaultTimeout, maxTimeout: maxTimeout},
		client:   client,
	}
}

func (e *HTTPExecutor) Type() job.RecipientType { return job.RecipientHTTP }

func (e *HTTPExecutor) Execute(ctx context.Context, j *job.JobDetails) error {
	r := j.Recipient.HTTP
	if r == nil {
		return errors.NewInvalidRequestError("job %s has no http recipient", j.ID)
	}

	target, err := url.Parse(r.URL)
	if err != nil {
		return errors.Wrapf(err, "invalid recipient url for job %s", j.ID)
	}
	if len(r.QueryParams) > 0 {
		q := target.Query()
		for k, v := range r.QueryParams {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(r.Payload) > 0 && method != http.MethodGet {
		body = bytes.NewReader(r.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for job %s", j.ID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setJobHeaders(req.Header, j)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	return send(e.client, req, j)
}

func setJobHeaders(h http.Header, j *job.JobDetails) {
	h.Set(HeaderJobID, j.ID)
	if j.CorrelationID != "" {
		h.Set(HeaderCorrelationID, j.CorrelationID)
	}
	h.Set(HeaderExecution, strconv.Itoa(j.ExecutionCounter+1))
}

// send performs req and turns transport failures and non-2xx responses into errors
func send(client *http.Client, req *http.Request, j *job.JobDetails) error {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.WithDetailf(errors.Wrapf(errors.ErrTimeout, "%s %s", req.Method, req.URL.Redacted()),
				"Job ID: %s", j.ID)
		}
		return errors.WithDetailf(errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted()), "Job ID: %s", j.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = errors.Newf("%s %s returned %d", req.Method, req.URL.Redacted(), resp.StatusCode)
	if len(snippet) > 0 {
		err = errors.WithDetail(err, string(snippet))
	}
	return errors.WithDetailf(err, "Job ID: %s", j.ID)
}
