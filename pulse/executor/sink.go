package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
)

// Defaults for events whose recipient leaves them blank
const (
	DefaultCEType   = "pulsed.job.fired"
	DefaultCESource = "pulsed"
	ceSpecVersion   = "1.0"
)

// Event is the JSON envelope published to redis sinks
type Event struct {
	SpecVersion   string          `json:"specversion"`
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	Type          string          `json:"type"`
	Time          time.Time       `json:"time"`
	Subject       string          `json:"subject"`
	CorrelationID string          `json:"correlationid,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// SinkExecutor emits an event per fire. http(s) sinks receive a binary-mode
// CloudEvent POST; redis://host/channel sinks receive a PUBLISH of Event.
type SinkExecutor struct {
	timeouts
	client *http.Client
	redis  redis.UniversalClient
	now    func() time.Time
}

// NewSinkExecutor creates a sink executor. rdb may be nil, in which case
// redis sinks are rejected at validation time.
func NewSinkExecutor(client *http.Client, rdb redis.UniversalClient, defaultTimeout, maxTimeout time.Duration) *SinkExecutor {
	if client == nil {
		client = NewClient(false)
	}
	return &SinkExecutor{
		timeouts: timeouts{defaultTimeout: defaultTimeout, maxTimeout: maxTimeout},
		client:   client,
		redis:    rdb,
		now:      time.Now,
	}
}

func (e *SinkExecutor) Type() job.RecipientType { return job.RecipientSink }

// ValidateJob rejects redis sinks when no redis client is configured
func (e *SinkExecutor) ValidateJob(j *job.JobDetails) error {
	if j.Recipient.Sink == nil {
		return nil
	}
	if strings.HasPrefix(j.Recipient.Sink.SinkURL, "redis://") {
		if e.redis == nil {
			return errors.NewInvalidRequestError("redis sinks require redis to be configured")
		}
		if _, err := redisChannel(j.Recipient.Sink.SinkURL); err != nil {
			return err
		}
	}
	return nil
}

func (e *SinkExecutor) Execute(ctx context.Context, j *job.JobDetails) error {
	s := j.Recipient.Sink
	if s == nil {
		return errors.NewInvalidRequestError("job %s has no sink recipient", j.ID)
	}
	ev := e.event(j, s)
	if strings.HasPrefix(s.SinkURL, "redis://") {
		return e.publish(ctx, s.SinkURL, ev)
	}
	return e.post(ctx, s.SinkURL, ev, j)
}

func (e *SinkExecutor) event(j *job.JobDetails, s *job.SinkRecipient) Event {
	ev := Event{
		SpecVersion:   ceSpecVersion,
		ID:            uuid.NewString(),
		Source:        s.CESource,
		Type:          s.CEType,
		Time:          e.now().UTC(),
		Subject:       j.ID,
		CorrelationID: j.CorrelationID,
		Data:          s.Payload,
	}
	if ev.Source == "" {
		ev.Source = DefaultCESource
	}
	if ev.Type == "" {
		ev.Type = DefaultCEType
	}
	return ev
}

func (e *SinkExecutor) post(ctx context.Context, sinkURL string, ev Event, j *job.JobDetails) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sinkURL, bytes.NewReader(ev.Data))
	if err != nil {
		return errors.Wrapf(err, "failed to build sink request for job %s", j.ID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ce-specversion", ev.SpecVersion)
	req.Header.Set("ce-id", ev.ID)
	req.Header.Set("ce-source", ev.Source)
	req.Header.Set("ce-type", ev.Type)
	req.Header.Set("ce-time", ev.Time.Format(time.RFC3339Nano))
	req.Header.Set("ce-subject", ev.Subject)
	if ev.CorrelationID != "" {
		req.Header.Set("ce-correlationid", ev.CorrelationID)
	}
	setJobHeaders(req.Header, j)
	return send(e.client, req, j)
}

func (e *SinkExecutor) publish(ctx context.Context, sinkURL string, ev Event) error {
	if e.redis == nil {
		return errors.Wrap(errors.ErrServiceUnavailable, "redis is not configured")
	}
	channel, err := redisChannel(sinkURL)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode sink event")
	}
	if err := e.redis.Publish(ctx, channel, data).Err(); err != nil {
		return errors.WithDetailf(errors.Wrapf(err, "failed to publish to %s", channel), "Job ID: %s", ev.Subject)
	}
	return nil
}

// redisChannel extracts the channel from redis://host/channel. The host
// names the deployment's redis and is not dialed separately.
func redisChannel(sinkURL string) (string, error) {
	u, err := url.Parse(sinkURL)
	if err != nil {
		return "", errors.NewInvalidRequestError("invalid sink url %q", sinkURL)
	}
	channel := strings.Trim(u.Path, "/")
	if channel == "" {
		return "", errors.NewInvalidRequestError("redis sink url %q has no channel", sinkURL)
	}
	return channel, nil
}
