package scheduler

import (
	"context"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/repository"
	"github.com/teranos/pulsed/pulse/trigger"
)

// Schedule validates d, stores a SCHEDULED job and arms it when its first
// fire falls inside the load window. A duplicate id is ErrConflict.
func (s *Scheduler) Schedule(ctx context.Context, d job.Description) (*job.JobDetails, error) {
	j, err := d.Build(s.now())
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(j); err != nil {
		return nil, err
	}

	return s.submit(ctx, j.ID, func(ctx context.Context) (*job.JobDetails, error) {
		j.ScheduledID = s.newID()
		saved, err := s.persist(ctx, j, repository.Expect{})
		if err != nil {
			return nil, err
		}
		s.arm(ctx, saved)

		s.log.Infow("Job scheduled",
			logger.FieldJobID, saved.ID,
			logger.FieldRecipient, saved.Recipient.Target(),
			logger.FieldFireAt, saved.FireTime())
		return saved, nil
	})
}

// Cancel moves a non-terminal job to CANCELED and disarms it. Terminal jobs
// are returned unchanged; unknown ids are ErrNotFound.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*job.JobDetails, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	return s.submit(ctx, id, func(ctx context.Context) (*job.JobDetails, error) {
		var previous job.Status
		j, written, err := s.update(ctx, id, func(j *job.JobDetails) (bool, error) {
			if j.Status.IsTerminal() {
				return false, nil
			}
			s.disarm(id)
			previous = j.Status
			j.Status = job.StatusCanceled
			j.Trigger = nil
			j.ScheduledID = ""
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		if !written {
			return j, nil
		}

		s.log.Infow("Job canceled", logger.FieldJobID, id, logger.FieldPrevious, previous)
		return j, nil
	})
}

// Reschedule replaces the job's trigger and re-arms it as SCHEDULED with a
// fresh retry budget. Terminal jobs are rejected.
func (s *Scheduler) Reschedule(ctx context.Context, id string, t trigger.Trigger) (*job.JobDetails, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	if t == nil || t.HasNextFireTime() == nil {
		return nil, errors.NewInvalidRequestError("new trigger never fires")
	}
	return s.submit(ctx, id, func(ctx context.Context) (*job.JobDetails, error) {
		return s.rearmWith(ctx, id, func(j *job.JobDetails) error {
			if j.Status.IsTerminal() {
				return errors.NewInvalidRequestError("job %s is %s and cannot be rescheduled", id, j.Status)
			}
			j.Trigger = trigger.Clone(t)
			return nil
		})
	})
}

// Patch merges p into the job. A patch carrying a trigger reschedules; one
// without only merges. Lifecycle fields are owned by the scheduler and are
// rejected.
func (s *Scheduler) Patch(ctx context.Context, id string, p *job.Patch) (*job.JobDetails, error) {
	if err := job.CheckPatchTarget(id, p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.NewInvalidRequestError("empty patch")
	}
	if p.Status != nil || p.ScheduledID != nil || p.Retries != nil || p.ExecutionCounter != nil {
		return nil, errors.NewInvalidRequestError("status, retries, execution counter and handle are managed by the scheduler")
	}
	if p.Trigger != nil && p.Trigger.HasNextFireTime() == nil {
		return nil, errors.NewInvalidRequestError("new trigger never fires")
	}

	return s.submit(ctx, id, func(ctx context.Context) (*job.JobDetails, error) {
		checkPatch := func(j *job.JobDetails) error {
			if j.Status.IsTerminal() {
				return errors.NewInvalidRequestError("job %s is %s and cannot be patched", id, j.Status)
			}
			return s.validator.Validate(job.ApplyPatch(j, p))
		}

		if p.Trigger != nil {
			return s.rearmWith(ctx, id, func(j *job.JobDetails) error {
				if err := checkPatch(j); err != nil {
					return err
				}
				*j = *job.ApplyPatch(j, p)
				return nil
			})
		}

		merged, _, err := s.update(ctx, id, func(j *job.JobDetails) (bool, error) {
			if err := checkPatch(j); err != nil {
				return false, err
			}
			*j = *job.ApplyPatch(j, p)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		return merged, nil
	})
}

// rearmWith disarms the job, applies mutate, resets it to SCHEDULED under a
// new handle, persists and arms. mutate may reject the job as read. Runs on
// the job's lane.
func (s *Scheduler) rearmWith(ctx context.Context, id string, mutate func(*job.JobDetails) error) (*job.JobDetails, error) {
	saved, _, err := s.update(ctx, id, func(j *job.JobDetails) (bool, error) {
		if err := mutate(j); err != nil {
			return false, err
		}
		s.disarm(id)
		j.Status = job.StatusScheduled
		j.Retries = 0
		j.ScheduledID = s.newID()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.arm(ctx, saved)

	s.log.Infow("Job rescheduled", logger.FieldJobID, saved.ID, logger.FieldFireAt, saved.FireTime())
	return saved, nil
}

// Get returns the stored job
func (s *Scheduler) Get(ctx context.Context, id string) (*job.JobDetails, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs in the given statuses, or every job when none are given
func (s *Scheduler) List(ctx context.Context, statuses ...job.Status) ([]*job.JobDetails, error) {
	if len(statuses) == 0 {
		return repository.Collect(s.repo.FindAll(ctx))
	}
	return repository.Collect(s.repo.FindByStatus(ctx, statuses...))
}
