package scheduler

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/repository"
	"github.com/teranos/pulsed/pulse/trigger"
)

// orphanMessage is recorded on jobs found RUNNING without an execution
const orphanMessage = "execution interrupted by a leadership change; retrying"

// farFuture bounds the sweep when no load window is configured
var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Recover re-arms every SCHEDULED or RETRY job due within the load window
// that has no timer for its current handle on this instance, highest
// priority first. Local timers the stored records no longer back (jobs
// canceled or rescheduled through another instance) are disarmed. With
// includeRunning, RUNNING jobs not executing here are treated as orphans of
// a dead leader and retried immediately. It returns the number of jobs
// armed and stops at the first repository error.
func (s *Scheduler) Recover(ctx context.Context, includeRunning bool) (int, error) {
	limit := rate.Inf
	if s.cfg.RecoveryRate > 0 {
		limit = rate.Limit(s.cfg.RecoveryRate)
	}
	limiter := rate.NewLimiter(limit, 1)
	recovered := 0

	if includeRunning {
		orphans, err := repository.Collect(s.repo.FindByStatus(ctx, job.StatusRunning))
		if err != nil {
			return recovered, errors.Wrap(err, "failed to list running jobs")
		}
		if len(orphans) > 0 {
			logger.PulseOpenInfow("Recovering orphaned jobs", logger.FieldCount, len(orphans))
		}
		for _, j := range orphans {
			if s.timers.InFlight(j.ID) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return recovered, err
			}
			armed, err := s.submitBool(ctx, j.ID, s.recoverOrphan)
			if err != nil {
				s.log.Warnw("Failed to recover orphaned job", logger.FieldJobID, j.ID, logger.FieldError, err)
				continue
			}
			if armed {
				recovered++
			}
		}
	}

	// Streams are drained up front so lanes can write while the sweep runs
	horizon := s.now().Add(s.cfg.LoadWindow)
	if s.cfg.LoadWindow <= 0 {
		horizon = farFuture
	}
	due, err := repository.Collect(s.repo.FindByStatusBetweenDatesOrderByPriority(ctx,
		time.Unix(0, 0), horizon, job.StatusScheduled, job.StatusRetry))
	if err != nil {
		return recovered, errors.Wrap(err, "failed to list due jobs")
	}
	current := make(map[string]bool, len(due))
	for _, j := range due {
		if s.armedAs(j) {
			current[j.ID] = true
		}
	}
	for _, h := range s.timers.Handles() {
		if current[h.JobID] {
			continue
		}
		if _, err := s.submit(ctx, h.JobID, func(ctx context.Context) (*job.JobDetails, error) {
			return nil, s.reconcile(ctx, h.JobID)
		}); err != nil {
			s.log.Warnw("Failed to reconcile timer", logger.FieldJobID, h.JobID, logger.FieldError, err)
		}
	}

	for _, j := range due {
		if current[j.ID] || s.timers.InFlight(j.ID) {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return recovered, err
		}
		armed, err := s.submitBool(ctx, j.ID, s.rearm)
		if err != nil {
			s.log.Warnw("Failed to re-arm job", logger.FieldJobID, j.ID, logger.FieldError, err)
			continue
		}
		if armed {
			recovered++
		}
	}
	return recovered, nil
}

// submitBool runs fn on the lane; a non-nil job means armed
func (s *Scheduler) submitBool(ctx context.Context, id string, fn func(context.Context, string) (*job.JobDetails, error)) (bool, error) {
	j, err := s.submit(ctx, id, func(ctx context.Context) (*job.JobDetails, error) {
		return fn(ctx, id)
	})
	return j != nil, err
}

// reconcile drops the local timer for id unless the stored job is still
// armable under the same handle. Runs on the job's lane.
func (s *Scheduler) reconcile(ctx context.Context, id string) error {
	j, err := s.repo.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		s.disarm(id)
		return nil
	}
	if err != nil {
		return err
	}
	s.disarmStale(j)
	return nil
}

// rearm re-checks the job on its lane and arms it under a fresh handle, so
// timers a previous leader may still hold are fenced out at Begin. A local
// timer under an older handle is replaced.
func (s *Scheduler) rearm(ctx context.Context, id string) (*job.JobDetails, error) {
	saved, written, err := s.update(ctx, id, func(j *job.JobDetails) (bool, error) {
		if !j.Status.IsArmable() || s.armedAs(j) || s.timers.InFlight(id) {
			return false, nil
		}
		s.disarm(id)
		j.ScheduledID = s.newID()
		return true, nil
	})
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil || !written {
		return nil, err
	}
	if !s.arm(ctx, saved) {
		return nil, nil
	}
	return saved, nil
}

// recoverOrphan retries a RUNNING job immediately. Its retry budget is not
// charged: the execution never reported an outcome.
func (s *Scheduler) recoverOrphan(ctx context.Context, id string) (*job.JobDetails, error) {
	j, err := s.repo.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusRunning || s.timers.InFlight(id) {
		return nil, nil
	}

	expect := repository.ExpectOf(j)
	j.Status = job.StatusRetry
	j.Trigger = trigger.NewRetry(s.now(), j.Trigger)
	j.ScheduledID = s.newID()
	j.ExceptionDetails = &job.ExceptionDetails{Message: orphanMessage}

	saved, err := s.persist(ctx, j, expect)
	if errors.IsConflictError(err) {
		// The execution reported in after all
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.log.Infow("Recovered orphaned job", logger.FieldJobID, id)
	if !s.arm(ctx, saved) {
		return nil, nil
	}
	return saved, nil
}

// runLoader periodically arms jobs that entered the load window, including
// jobs created through followers
func (s *Scheduler) runLoader() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.LoadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.active.Load() {
				continue
			}
			n, err := s.Recover(s.ctx, false)
			if err != nil && s.ctx.Err() == nil {
				s.log.Warnw("Periodic load failed", logger.FieldError, err)
				continue
			}
			if n > 0 {
				s.log.Infow("Periodic load armed jobs", logger.FieldCount, n)
			}
		}
	}
}

// TimerControl is the part of timer.Service leadership changes toggle
type TimerControl interface {
	Suspend()
	Resume()
	Reset()
}

// Listener connects the scheduler and its timers to leadership changes
type Listener struct {
	s      *Scheduler
	timers TimerControl
}

// Listener returns the leadership listener for s
func (s *Scheduler) Listener(timers TimerControl) *Listener {
	return &Listener{s: s, timers: timers}
}

// OnBecameLeader resumes timers and sweeps in the background, orphans included
func (l *Listener) OnBecameLeader(_ context.Context) {
	l.timers.Resume()
	l.s.active.Store(true)

	s := l.s
	if !s.started.Load() || s.stopped.Load() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		n, err := s.Recover(s.ctx, true)
		if err != nil && s.ctx.Err() == nil {
			s.log.Errorw("Recovery sweep failed", logger.FieldError, err)
			return
		}
		logger.PulseOpenInfow("Recovery sweep complete", logger.FieldCount, n)
	}()
}

// OnBecameFollower stops firing and drops every local timer
func (l *Listener) OnBecameFollower(_ context.Context) {
	l.s.active.Store(false)
	l.timers.Suspend()
	l.timers.Reset()
}
