package trigger

import "time"

// Retry fires once at At and then hands over to Then, so a failed occurrence
// of a repeating job is retried without losing the rest of its schedule.
// Then may be nil or exhausted, in which case Retry exhausts after At.
type Retry struct {
	At       time.Time
	Consumed bool
	Then     Trigger
}

// NewRetry wraps then with a one-shot retry fire at at
func NewRetry(at time.Time, then Trigger) *Retry {
	// Nested retries collapse so repeated failures don't build a chain
	if r, ok := then.(*Retry); ok && r.Consumed {
		then = r.Then
	}
	return &Retry{At: at, Then: then}
}

// HasNextFireTime returns At until consumed, then defers to Then
func (r *Retry) HasNextFireTime() *time.Time {
	if !r.Consumed {
		return timePtr(r.At)
	}
	if r.Then == nil {
		return nil
	}
	return r.Then.HasNextFireTime()
}

// NextFireTime consumes At first, then advances Then
func (r *Retry) NextFireTime() *time.Time {
	if !r.Consumed {
		r.Consumed = true
		return timePtr(r.At)
	}
	if r.Then == nil {
		return nil
	}
	return r.Then.NextFireTime()
}
