package trigger

import "time"

// PointInTime fires exactly once at At.
type PointInTime struct {
	At       time.Time
	Consumed bool
}

// NewPointInTime returns a trigger firing once at at
func NewPointInTime(at time.Time) *PointInTime {
	return &PointInTime{At: at}
}

// HasNextFireTime returns At until it has been consumed
func (p *PointInTime) HasNextFireTime() *time.Time {
	if p.Consumed {
		return nil
	}
	return timePtr(p.At)
}

// NextFireTime consumes At
func (p *PointInTime) NextFireTime() *time.Time {
	if p.Consumed {
		return nil
	}
	p.Consumed = true
	return timePtr(p.At)
}
