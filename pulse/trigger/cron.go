package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/pulsed/errors"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron fires on a cron expression (five fields or descriptors such as
// "@hourly" and "@every 5m"), optionally bounded by a repeat limit and an
// end time. Last is the most recently consumed fire time, or the creation
// time before the first fire.
type Cron struct {
	Expr        string
	Location    string
	RepeatLimit int
	EndTime     *time.Time
	Last        time.Time
	FireCount   int

	schedule cron.Schedule
}

// NewCron parses expr and returns a trigger whose first fire follows from.
// location is an IANA zone name; empty means UTC.
func NewCron(expr, location string, from time.Time, repeatLimit int, endTime *time.Time) (*Cron, error) {
	c := &Cron{
		Expr:        expr,
		Location:    location,
		RepeatLimit: repeatLimit,
		EndTime:     endTime,
		Last:        from,
	}
	if err := c.parse(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cron) parse() error {
	if c.schedule != nil {
		return nil
	}
	loc := time.UTC
	if c.Location != "" {
		l, err := time.LoadLocation(c.Location)
		if err != nil {
			return errors.Wrapf(err, "invalid cron location %q", c.Location)
		}
		loc = l
	}
	sched, err := cronParser.Parse(c.Expr)
	if err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", c.Expr)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	c.schedule = sched
	return nil
}

// HasNextFireTime returns the first schedule time after Last
func (c *Cron) HasNextFireTime() *time.Time {
	if c.RepeatLimit >= 0 && c.FireCount > c.RepeatLimit {
		return nil
	}
	if err := c.parse(); err != nil {
		return nil
	}
	next := c.schedule.Next(c.Last)
	if next.IsZero() {
		return nil
	}
	if c.EndTime != nil && next.After(*c.EndTime) {
		return nil
	}
	return timePtr(next)
}

// NextFireTime consumes the pending fire time
func (c *Cron) NextFireTime() *time.Time {
	next := c.HasNextFireTime()
	if next != nil {
		c.Last = *next
		c.FireCount++
	}
	return next
}
