package trigger

import "time"

// Unbounded is the RepeatLimit of a trigger that never exhausts
const Unbounded = -1

// Interval fires at Start + FireCount*Every.
//
// RepeatLimit counts repeats after the first fire: 0 fires once, N fires
// N+1 times, Unbounded never stops.
type Interval struct {
	Start       time.Time
	Every       time.Duration
	RepeatLimit int
	FireCount   int
}

// NewInterval returns an interval trigger with no fires consumed
func NewInterval(start time.Time, every time.Duration, repeatLimit int) *Interval {
	return &Interval{Start: start, Every: every, RepeatLimit: repeatLimit}
}

// ForTotalFires builds an interval trigger from a total fire count as used by
// the job API: 0 and 1 fire once, N fires N times, Unbounded repeats forever.
func ForTotalFires(start time.Time, every time.Duration, total int) *Interval {
	limit := total - 1
	switch {
	case total < 0:
		limit = Unbounded
	case total <= 1:
		limit = 0
	}
	return NewInterval(start, every, limit)
}

func (i *Interval) exhausted() bool {
	if i.RepeatLimit >= 0 && i.FireCount > i.RepeatLimit {
		return true
	}
	// A non-positive period can only ever describe a single fire
	return i.Every <= 0 && i.FireCount > 0
}

// HasNextFireTime returns the pending fire time, or nil once the limit is reached
func (i *Interval) HasNextFireTime() *time.Time {
	if i.exhausted() {
		return nil
	}
	return timePtr(i.Start.Add(time.Duration(i.FireCount) * i.Every))
}

// NextFireTime consumes the pending fire time and increments FireCount
func (i *Interval) NextFireTime() *time.Time {
	next := i.HasNextFireTime()
	if next != nil {
		i.FireCount++
	}
	return next
}
