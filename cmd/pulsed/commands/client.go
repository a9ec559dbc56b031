package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
)

// apiClient talks to a running pulsed admin API
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string) (*apiClient, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return nil, errors.Newf("invalid server address %q", server)
	}
	c := cleanhttp.DefaultClient()
	c.Timeout = 30 * time.Second
	return &apiClient{base: strings.TrimRight(u.String(), "/"), http: c}, nil
}

// apiError carries the admin API's error body
type apiError struct {
	Status  int
	Message string   `json:"error"`
	Details []string `json:"details"`
	Hints   []string `json:"hints"`
}

func (e *apiError) Error() string {
	msg := e.Message
	for _, d := range e.Details {
		msg += "\n  " + d
	}
	for _, h := range e.Hints {
		msg += "\n  hint: " + h
	}
	return msg
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "%s %s", method, path), "is `pulsed serve` running? set --server")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode response")
}

func (c *apiClient) CreateJob(ctx context.Context, d job.Description) (*job.JobDetails, error) {
	var j job.JobDetails
	if err := c.do(ctx, http.MethodPost, "/api/jobs", d, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *apiClient) CancelJob(ctx context.Context, id string) (*job.JobDetails, error) {
	var j job.JobDetails
	if err := c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
