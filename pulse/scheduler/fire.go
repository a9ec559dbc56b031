package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/repository"
	"github.com/teranos/pulsed/pulse/timer"
	"github.com/teranos/pulsed/pulse/trigger"
)

// persistAttempts bounds how often an outcome write is retried before the
// job is left RUNNING for orphan recovery
const persistAttempts = 3

// Begin is the fire gate. It returns nil when the job is gone, no longer
// armable or re-armed under another handle; otherwise it consumes the
// pending fire, marks the job RUNNING and returns it.
func (s *Scheduler) Begin(ctx context.Context, h *timer.Handle) (*job.JobDetails, error) {
	return s.submit(ctx, h.JobID, func(ctx context.Context) (*job.JobDetails, error) {
		j, err := s.repo.Get(ctx, h.JobID)
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !j.Status.IsArmable() || j.ScheduledID != h.ID {
			s.log.Debugw("Dropping stale fire",
				logger.FieldJobID, j.ID,
				logger.FieldHandleID, h.ID,
				logger.FieldStatus, j.Status)
			return nil, nil
		}

		expect := repository.ExpectOf(j)
		j.Trigger.NextFireTime()
		j.Status = job.StatusRunning
		running, err := s.persist(ctx, j, expect)
		if errors.IsConflictError(err) {
			s.log.Debugw("Dropping fire, job changed before it started",
				logger.FieldJobID, j.ID, logger.FieldHandleID, h.ID)
			return nil, nil
		}
		return running, err
	})
}

// Complete records an execution outcome. It never blocks on the result;
// outcomes for canceled or re-armed jobs are ignored.
func (s *Scheduler) Complete(o timer.Outcome) {
	if !s.post(o.JobID, func(ctx context.Context) (*job.JobDetails, error) {
		s.complete(ctx, o)
		return nil, nil
	}) {
		s.log.Warnw("Outcome dropped, scheduler not running",
			logger.FieldJobID, o.JobID,
			logger.FieldHandleID, o.HandleID)
	}
}

func (s *Scheduler) complete(ctx context.Context, o timer.Outcome) {
	j, err := s.repo.Get(ctx, o.JobID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			s.log.Errorw("Failed to load job for outcome", logger.FieldJobID, o.JobID, logger.FieldError, err)
		}
		return
	}
	if j.Status != job.StatusRunning || j.ScheduledID != o.HandleID {
		s.log.Debugw("Ignoring outcome of superseded fire",
			logger.FieldJobID, j.ID,
			logger.FieldHandleID, o.HandleID,
			logger.FieldStatus, j.Status)
		return
	}

	expect := repository.ExpectOf(j)
	if o.Success() {
		s.succeeded(j)
	} else {
		s.failed(j, o.Err)
	}

	var saved *job.JobDetails
	err = backoff.Retry(func() error {
		var err error
		saved, err = s.persist(ctx, j, expect)
		if errors.IsConflictError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), persistAttempts-1), ctx))
	if errors.IsConflictError(err) {
		// Canceled or rescheduled elsewhere while executing
		s.log.Infow("Outcome superseded by a concurrent change",
			logger.FieldJobID, j.ID,
			logger.FieldHandleID, o.HandleID,
			logger.FieldError, err)
		return
	}
	if err != nil {
		s.log.Errorw("Failed to persist outcome, job left RUNNING for recovery",
			logger.FieldJobID, j.ID, logger.FieldError, err)
		return
	}
	s.arm(ctx, saved)

	s.log.Infow("Job fired",
		logger.FieldJobID, saved.ID,
		logger.FieldStatus, saved.Status,
		logger.FieldExecuted, saved.ExecutionCounter,
		logger.FieldRetries, saved.Retries,
		logger.FieldDurationMS, o.Finished.Sub(o.Started).Milliseconds())
}

func (s *Scheduler) succeeded(j *job.JobDetails) {
	j.ExecutionCounter++
	j.Retries = 0
	j.ExceptionDetails = nil
	j.Trigger = unwrapRetry(j.Trigger)

	if j.Trigger != nil && j.Trigger.HasNextFireTime() != nil {
		j.Status = job.StatusScheduled
		j.ScheduledID = s.newID()
		return
	}
	j.Status = job.StatusExecuted
	j.Trigger = nil
	j.ScheduledID = ""
}

func (s *Scheduler) failed(j *job.JobDetails, cause error) {
	j.Retries++
	j.ExceptionDetails = &job.ExceptionDetails{
		Message: cause.Error(),
		Details: errors.FlattenDetails(cause),
	}

	policy := s.retryPolicy()
	if j.Retries <= policy.MaxRetries {
		at := s.now().Add(retryDelay(policy, j.Retries))
		j.Status = job.StatusRetry
		j.Trigger = trigger.NewRetry(at, j.Trigger)
		j.ScheduledID = s.newID()
		s.log.Warnw("Job failed, retrying",
			logger.FieldJobID, j.ID,
			logger.FieldRetries, j.Retries,
			logger.FieldFireAt, at,
			logger.FieldError, cause)
		return
	}

	j.Status = job.StatusError
	j.Trigger = nil
	j.ScheduledID = ""
	s.log.Errorw("Job failed, retries exhausted",
		logger.FieldJobID, j.ID,
		logger.FieldRetries, j.Retries,
		logger.FieldError, cause)
}

// retryDelay is the backoff before retry number attempt (1-based)
func retryDelay(cfg am.RetryConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = max(cfg.Multiplier, 1)
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return max(d, 0)
}

// unwrapRetry drops a consumed retry wrapper, returning the schedule it guards
func unwrapRetry(t trigger.Trigger) trigger.Trigger {
	if r, ok := t.(*trigger.Retry); ok && r.Consumed {
		return r.Then
	}
	return t
}
