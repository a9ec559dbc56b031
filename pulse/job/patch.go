package job

import (
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/trigger"
)

// Patch is a partial JobDetails: nil fields are left untouched by ApplyPatch.
// ID is only checked against the target id, never applied.
type Patch struct {
	ID               string
	CorrelationID    *string
	Status           *Status
	Priority         *int
	Recipient        *Recipient
	Trigger          trigger.Trigger
	Retries          *int
	ExecutionCounter *int
	ScheduledID      *string
	ExecutionTimeout *time.Duration
	ExceptionDetails *ExceptionDetails
}

// CheckPatchTarget rejects a blank id or a patch addressed to a different job
func CheckPatchTarget(id string, p *Patch) error {
	if id == "" {
		return errors.NewInvalidRequestError("job id cannot be blank")
	}
	if p != nil && p.ID != "" && p.ID != id {
		return errors.NewInvalidRequestError("patch id %q differs from job id %q", p.ID, id)
	}
	return nil
}

// ApplyPatch returns a copy of base with every non-nil field of p applied.
// base is not modified.
func ApplyPatch(base *JobDetails, p *Patch) *JobDetails {
	out := base.Clone()
	if p == nil {
		return out
	}
	if p.CorrelationID != nil {
		out.CorrelationID = *p.CorrelationID
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Recipient != nil {
		out.Recipient = p.Recipient.Clone()
	}
	if p.Trigger != nil {
		out.Trigger = trigger.Clone(p.Trigger)
	}
	if p.Retries != nil {
		out.Retries = *p.Retries
	}
	if p.ExecutionCounter != nil {
		out.ExecutionCounter = *p.ExecutionCounter
	}
	if p.ScheduledID != nil {
		out.ScheduledID = *p.ScheduledID
	}
	if p.ExecutionTimeout != nil {
		out.ExecutionTimeout = *p.ExecutionTimeout
	}
	if p.ExceptionDetails != nil {
		ed := *p.ExceptionDetails
		out.ExceptionDetails = &ed
	}
	return out
}
