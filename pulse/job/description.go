package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/trigger"
)

// Description is a request to schedule a job, as accepted by the admin API,
// the command consumer and `pulsed jobs create`.
type Description struct {
	ID                 string    `json:"id,omitempty"`
	CorrelationID      string    `json:"correlationId,omitempty"`
	Priority           int       `json:"priority,omitempty"`
	Recipient          Recipient `json:"recipient"`
	Schedule           Schedule  `json:"schedule"`
	ExecutionTimeoutMS int64     `json:"executionTimeoutMs,omitempty"`
}

// Schedule describes when a job fires. Exactly one form is used:
//
//	At                          one fire at a point in time
//	Start + Every [+ Repeat]    fixed interval; Repeat counts total fires (-1 forever)
//	Cron [+ Location, Repeat, End]
type Schedule struct {
	At       *time.Time `json:"at,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	Every    string     `json:"every,omitempty"`
	Repeat   int        `json:"repeat,omitempty"`
	Cron     string     `json:"cron,omitempty"`
	Location string     `json:"location,omitempty"`
	End      *time.Time `json:"end,omitempty"`
}

// Trigger builds the trigger for s. An interval without Start begins at now.
func (s Schedule) Trigger(now time.Time) (trigger.Trigger, error) {
	forms := 0
	if s.At != nil {
		forms++
	}
	if s.Every != "" {
		forms++
	}
	if s.Cron != "" {
		forms++
	}
	if forms != 1 {
		return nil, errors.NewInvalidRequestError("schedule must set exactly one of at, every, cron")
	}

	switch {
	case s.At != nil:
		return trigger.NewPointInTime(*s.At), nil

	case s.Every != "":
		every, err := time.ParseDuration(s.Every)
		if err != nil || every <= 0 {
			return nil, errors.NewInvalidRequestError("invalid schedule interval %q", s.Every)
		}
		start := now
		if s.Start != nil {
			start = *s.Start
		}
		return trigger.ForTotalFires(start, every, s.Repeat), nil

	default:
		limit := trigger.Unbounded
		if s.Repeat > 0 {
			limit = s.Repeat - 1
		}
		from := now
		if s.Start != nil {
			from = *s.Start
		}
		c, err := trigger.NewCron(s.Cron, s.Location, from, limit, s.End)
		if err != nil {
			return nil, errors.WithSecondaryError(errors.NewInvalidRequestError("invalid cron schedule"), err)
		}
		return c, nil
	}
}

// Build validates d and returns a new SCHEDULED record. A blank id gets a uuid.
func (d Description) Build(now time.Time) (*JobDetails, error) {
	if err := d.Recipient.Validate(); err != nil {
		return nil, err
	}
	if d.ExecutionTimeoutMS < 0 {
		return nil, errors.NewInvalidRequestError("execution timeout must be >= 0, got %dms", d.ExecutionTimeoutMS)
	}

	trig, err := d.Schedule.Trigger(now)
	if err != nil {
		return nil, err
	}
	if trig.HasNextFireTime() == nil {
		return nil, errors.NewInvalidRequestError("schedule never fires")
	}

	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &JobDetails{
		ID:               id,
		CorrelationID:    d.CorrelationID,
		Status:           StatusScheduled,
		Priority:         d.Priority,
		Recipient:        d.Recipient.Clone(),
		Trigger:          trig,
		ExecutionTimeout: time.Duration(d.ExecutionTimeoutMS) * time.Millisecond,
		Created:          now,
		LastUpdate:       now,
	}, nil
}

// ParseDescription decodes a JSON job description
func ParseDescription(data []byte) (Description, error) {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return Description{}, errors.Wrap(errors.ErrInvalidRequest, "malformed job description: "+err.Error())
	}
	return d, nil
}
