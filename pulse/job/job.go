// Package job defines the persisted job record and its lifecycle states.
package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/trigger"
)

// Status represents the lifecycle state of a job
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRetry     Status = "RETRY"
	StatusRunning   Status = "RUNNING"
	StatusError     Status = "ERROR"
	StatusExecuted  Status = "EXECUTED"
	StatusCanceled  Status = "CANCELED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusScheduled, StatusRetry, StatusRunning, StatusError, StatusExecuted, StatusCanceled,
}

// ParseStatus accepts a status name in any case; COMPLETE is an alias of EXECUTED
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(s)); st {
	case StatusScheduled, StatusRetry, StatusRunning, StatusError, StatusExecuted, StatusCanceled:
		return st, nil
	case "COMPLETE":
		return StatusExecuted, nil
	default:
		return "", errors.NewInvalidRequestError("unknown job status %q", s)
	}
}

// IsTerminal reports whether no further transition can leave this status
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusCanceled || s == StatusError
}

// IsArmable reports whether a job in this status waits on a timer
func (s Status) IsArmable() bool {
	return s == StatusScheduled || s == StatusRetry
}

// ExceptionDetails records why the last execution attempt failed
type ExceptionDetails struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// JobDetails is the persisted job record.
type JobDetails struct {
	ID               string
	CorrelationID    string
	Status           Status
	Priority         int
	Recipient        Recipient
	Trigger          trigger.Trigger // nil on terminal states
	Retries          int
	ExecutionCounter int
	ScheduledID      string        // handle of the armed timer, "" when disarmed
	ExecutionTimeout time.Duration // 0 = executor default
	Created          time.Time
	LastUpdate       time.Time
	ExceptionDetails *ExceptionDetails
}

// FireTime returns the trigger's pending fire time, or nil
func (j *JobDetails) FireTime() *time.Time {
	if j == nil || j.Trigger == nil {
		return nil
	}
	return j.Trigger.HasNextFireTime()
}

// Clone returns a deep copy so stored records and callers never alias
func (j *JobDetails) Clone() *JobDetails {
	if j == nil {
		return nil
	}
	c := *j
	c.Recipient = j.Recipient.Clone()
	c.Trigger = trigger.Clone(j.Trigger)
	if j.ExceptionDetails != nil {
		ed := *j.ExceptionDetails
		c.ExceptionDetails = &ed
	}
	return &c
}

// wireJob is the JSON form of JobDetails; the trigger goes through the trigger codec
type wireJob struct {
	ID                 string            `json:"id"`
	CorrelationID      string            `json:"correlationId,omitempty"`
	Status             Status            `json:"status"`
	Priority           int               `json:"priority"`
	Recipient          Recipient         `json:"recipient"`
	Trigger            json.RawMessage   `json:"trigger,omitempty"`
	NextFireTime       *time.Time        `json:"nextFireTime,omitempty"`
	Retries            int               `json:"retries"`
	ExecutionCounter   int               `json:"executionCounter"`
	ScheduledID        string            `json:"scheduledId,omitempty"`
	ExecutionTimeoutMS int64             `json:"executionTimeoutMs,omitempty"`
	Created            time.Time         `json:"created"`
	LastUpdate         time.Time         `json:"lastUpdate"`
	ExceptionDetails   *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// MarshalJSON encodes the record including its trigger cursor
func (j JobDetails) MarshalJSON() ([]byte, error) {
	trig, err := trigger.Marshal(j.Trigger)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireJob{
		ID:                 j.ID,
		CorrelationID:      j.CorrelationID,
		Status:             j.Status,
		Priority:           j.Priority,
		Recipient:          j.Recipient,
		Trigger:            trig,
		NextFireTime:       j.FireTime(),
		Retries:            j.Retries,
		ExecutionCounter:   j.ExecutionCounter,
		ScheduledID:        j.ScheduledID,
		ExecutionTimeoutMS: j.ExecutionTimeout.Milliseconds(),
		Created:            j.Created,
		LastUpdate:         j.LastUpdate,
		ExceptionDetails:   j.ExceptionDetails,
	})
}

// UnmarshalJSON decodes a record written by MarshalJSON
func (j *JobDetails) UnmarshalJSON(data []byte) error {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	trig, err := trigger.Unmarshal(w.Trigger)
	if err != nil {
		return err
	}
	*j = JobDetails{
		ID:               w.ID,
		CorrelationID:    w.CorrelationID,
		Status:           w.Status,
		Priority:         w.Priority,
		Recipient:        w.Recipient,
		Trigger:          trig,
		Retries:          w.Retries,
		ExecutionCounter: w.ExecutionCounter,
		ScheduledID:      w.ScheduledID,
		ExecutionTimeout: time.Duration(w.ExecutionTimeoutMS) * time.Millisecond,
		Created:          w.Created,
		LastUpdate:       w.LastUpdate,
		ExceptionDetails: w.ExceptionDetails,
	}
	return nil
}
