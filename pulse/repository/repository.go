// Package repository stores job records and the leadership record.
//
// Three interchangeable backends implement both contracts: an in-memory
// map, SQL (sqlite or postgres through database/sql) and redis. Every job
// mutation is published to a stream.Publisher after it commits.
package repository

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
)

// JobRepository is the job record store.
type JobRepository interface {
	// Get returns the record or an error wrapping errors.ErrNotFound.
	Get(ctx context.Context, id string) (*job.JobDetails, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Save upserts the record and refreshes LastUpdate.
	Save(ctx context.Context, j *job.JobDetails) (*job.JobDetails, error)
	// SaveIf stores j only while the stored record matches expect. A
	// mismatch, including a record that appeared or vanished, fails with
	// errors.ErrConflict and writes nothing.
	SaveIf(ctx context.Context, j *job.JobDetails, expect Expect) (*job.JobDetails, error)
	// Delete removes and returns the record, or errors with errors.ErrNotFound.
	Delete(ctx context.Context, id string) (*job.JobDetails, error)
	// Merge applies the non-nil fields of patch atomically. It fails with
	// errors.ErrInvalidRequest on a blank id or a patch for another id and
	// returns nil, nil when no record exists.
	Merge(ctx context.Context, id string, patch *job.Patch) (*job.JobDetails, error)
	// FindAll streams every record in no particular order.
	FindAll(ctx context.Context) iter.Seq2[*job.JobDetails, error]
	// FindByStatus streams records whose status is in statuses.
	FindByStatus(ctx context.Context, statuses ...job.Status) iter.Seq2[*job.JobDetails, error]
	// FindByStatusBetweenDatesOrderByPriority streams records in statuses whose
	// pending fire time lies in [from, to], highest priority first. Ties are
	// broken by fire time, then id.
	FindByStatusBetweenDatesOrderByPriority(ctx context.Context, from, to time.Time, statuses ...job.Status) iter.Seq2[*job.JobDetails, error]
}

// Expect is the stored state a conditional write requires. The zero value
// requires that no record exists.
type Expect struct {
	Status      job.Status
	ScheduledID string
}

// ExpectOf captures the state of a record as it was read
func ExpectOf(j *job.JobDetails) Expect {
	return Expect{Status: j.Status, ScheduledID: j.ScheduledID}
}

// Absent reports whether expect requires a missing record
func (e Expect) Absent() bool { return e.Status == "" }

// Matches reports whether current (nil when missing) satisfies expect
func (e Expect) Matches(current *job.JobDetails) bool {
	if current == nil {
		return e.Absent()
	}
	return current.Status == e.Status && current.ScheduledID == e.ScheduledID
}

func errExpectation(id string, e Expect) error {
	if e.Absent() {
		return errors.NewConflictError("job %s already exists", id)
	}
	return errors.NewConflictError("job %s is no longer %s under handle %q", id, e.Status, e.ScheduledID)
}

// ManagementInfo is the leadership record, one per deployment.
// An empty Token means nobody holds leadership.
type ManagementInfo struct {
	ID            string     `json:"id"`
	Token         string     `json:"token,omitempty"`
	Owner         string     `json:"owner,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// Clone copies the record
func (m *ManagementInfo) Clone() *ManagementInfo {
	if m == nil {
		return nil
	}
	c := *m
	if m.LastHeartbeat != nil {
		hb := *m.LastHeartbeat
		c.LastHeartbeat = &hb
	}
	return &c
}

// ManagementRepository stores the leadership record. All access is atomic;
// callers never read-then-write it themselves.
type ManagementRepository interface {
	// GetAndUpdate atomically passes the current record (nil when absent) to
	// fn and stores fn's result. A nil result writes nothing and the current
	// record is returned.
	GetAndUpdate(ctx context.Context, id string, fn func(current *ManagementInfo) *ManagementInfo) (*ManagementInfo, error)
	// Set overwrites the record unconditionally.
	Set(ctx context.Context, info *ManagementInfo) (*ManagementInfo, error)
	// Heartbeat refreshes LastHeartbeat when the stored token matches
	// info.Token. A missing record and a token mismatch both return nil, nil:
	// either way the caller is no longer leader.
	Heartbeat(ctx context.Context, info *ManagementInfo) (*ManagementInfo, error)
	// Release clears ownership when the token matches and reports whether a
	// record was released.
	Release(ctx context.Context, info *ManagementInfo) (bool, error)
}

func hasStatus(s job.Status, statuses []job.Status) bool {
	return slices.Contains(statuses, s)
}

// inWindow reports whether j's pending fire time lies in [from, to]
func inWindow(j *job.JobDetails, from, to time.Time) bool {
	ft := j.FireTime()
	return ft != nil && !ft.Before(from) && !ft.After(to)
}

// sortByPriority orders by priority desc, fire time asc, id asc
func sortByPriority(jobs []*job.JobDetails) {
	slices.SortStableFunc(jobs, func(a, b *job.JobDetails) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		fa, fb := a.FireTime(), b.FireTime()
		if fa != nil && fb != nil && !fa.Equal(*fb) {
			return fa.Compare(*fb)
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// yieldAll streams a materialized slice
func yieldAll(jobs []*job.JobDetails) iter.Seq2[*job.JobDetails, error] {
	return func(yield func(*job.JobDetails, error) bool) {
		for _, j := range jobs {
			if !yield(j, nil) {
				return
			}
		}
	}
}

// yieldErr streams a single error
func yieldErr(err error) iter.Seq2[*job.JobDetails, error] {
	return func(yield func(*job.JobDetails, error) bool) {
		yield(nil, err)
	}
}

// Collect drains a stream into a slice, stopping at the first error
func Collect(seq iter.Seq2[*job.JobDetails, error]) ([]*job.JobDetails, error) {
	var out []*job.JobDetails
	for j, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// stamp prepares j for storage: LastUpdate always, Created once
func stamp(j *job.JobDetails, now time.Time) *job.JobDetails {
	c := j.Clone()
	if c.Created.IsZero() {
		c.Created = now
	}
	c.LastUpdate = now
	return c
}
