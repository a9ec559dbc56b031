// Package trigger turns schedule specifications into sequences of fire times.
//
// A Trigger is a cursor: HasNextFireTime peeks at the pending fire time and
// NextFireTime consumes it. Triggers do no I/O and are not safe for
// concurrent advance; the scheduler only touches a job's trigger from that
// job's lane.
package trigger

import (
	"time"
)

// Trigger produces the fire times of one job.
type Trigger interface {
	// HasNextFireTime returns the pending fire time, or nil once exhausted.
	HasNextFireTime() *time.Time
	// NextFireTime consumes the pending fire time and advances the cursor.
	// It returns the consumed time, or nil when already exhausted.
	NextFireTime() *time.Time
}

// Clone returns an independent copy of t, so a stored job and an armed timer
// never share a cursor.
func Clone(t Trigger) Trigger {
	switch v := t.(type) {
	case nil:
		return nil
	case *PointInTime:
		c := *v
		return &c
	case *Interval:
		c := *v
		return &c
	case *Cron:
		c := *v
		c.schedule = v.schedule
		return &c
	case *Retry:
		return &Retry{At: v.At, Consumed: v.Consumed, Then: Clone(v.Then)}
	default:
		return t
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
