package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
)

// ListJobsResponse is the body of GET /api/jobs
type ListJobsResponse struct {
	Jobs  []*job.JobDetails `json:"jobs"`
	Count int               `json:"count"`
}

// PatchJobRequest is the body of PATCH /api/jobs/{id}. A request carrying
// only a schedule reschedules the job; anything else is merged. Lifecycle
// fields are accepted so the scheduler can reject them explicitly.
type PatchJobRequest struct {
	ID                 string                `json:"id,omitempty"`
	CorrelationID      *string               `json:"correlationId,omitempty"`
	Priority           *int                  `json:"priority,omitempty"`
	Recipient          *job.Recipient        `json:"recipient,omitempty"`
	Schedule           *job.Schedule         `json:"schedule,omitempty"`
	ExecutionTimeoutMS *int64                `json:"executionTimeoutMs,omitempty"`
	Status             *job.Status           `json:"status,omitempty"`
	Retries            *int                  `json:"retries,omitempty"`
	ExecutionCounter   *int                  `json:"executionCounter,omitempty"`
	ScheduledID        *string               `json:"scheduledId,omitempty"`
	ExceptionDetails   *job.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

func (p PatchJobRequest) scheduleOnly() bool {
	return p.Schedule != nil && p.CorrelationID == nil && p.Priority == nil && p.Recipient == nil &&
		p.ExecutionTimeoutMS == nil && p.Status == nil && p.Retries == nil &&
		p.ExecutionCounter == nil && p.ScheduledID == nil && p.ExceptionDetails == nil
}

func (p PatchJobRequest) toPatch(now time.Time) (*job.Patch, error) {
	patch := &job.Patch{
		ID:               p.ID,
		CorrelationID:    p.CorrelationID,
		Status:           p.Status,
		Priority:         p.Priority,
		Recipient:        p.Recipient,
		Retries:          p.Retries,
		ExecutionCounter: p.ExecutionCounter,
		ScheduledID:      p.ScheduledID,
		ExceptionDetails: p.ExceptionDetails,
	}
	if p.ExecutionTimeoutMS != nil {
		if *p.ExecutionTimeoutMS < 0 {
			return nil, errors.NewInvalidRequestError("execution timeout must be >= 0")
		}
		d := time.Duration(*p.ExecutionTimeoutMS) * time.Millisecond
		patch.ExecutionTimeout = &d
	}
	if p.Schedule != nil {
		t, err := p.Schedule.Trigger(now)
		if err != nil {
			return nil, err
		}
		patch.Trigger = t
	}
	return patch, nil
}

// handleCreateJob handles POST /api/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var d job.Description
	if !readJSON(w, r, &d) {
		return
	}

	j, err := s.deps.Jobs.Schedule(r.Context(), d)
	if err != nil {
		writeServiceError(w, s.log, err, "failed to schedule job")
		return
	}
	logger.AddPulseSymbol(s.log).Infow("Job created via API",
		logger.FieldJobID, j.ID,
		logger.FieldRecipient, j.Recipient.Target())
	_ = writeJSON(w, http.StatusCreated, j)
}

// handleListJobs handles GET /api/jobs, optionally filtered by
// ?status=SCHEDULED,RETRY (repeatable)
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		writeServiceError(w, s.log, err, "invalid status filter")
		return
	}

	jobs, err := s.deps.Jobs.List(r.Context(), statuses...)
	if err != nil {
		writeServiceError(w, s.log, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*job.JobDetails{}
	}
	_ = writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func parseStatuses(values []string) ([]job.Status, error) {
	var statuses []job.Status
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			st, err := job.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, st)
		}
	}
	return statuses, nil
}

// handleGetJob handles GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.log, err, "failed to load job")
		return
	}
	_ = writeJSON(w, http.StatusOK, j)
}

// handleCancelJob handles DELETE /api/jobs/{id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := s.deps.Jobs.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.log, err, "failed to cancel job")
		return
	}
	logger.AddPulseSymbol(s.log).Infow("Job canceled via API", logger.FieldJobID, id)
	_ = writeJSON(w, http.StatusOK, j)
}

// handlePatchJob handles PATCH /api/jobs/{id}
func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req PatchJobRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = id
	}

	patch, err := req.toPatch(s.now())
	if err != nil {
		writeServiceError(w, s.log, err, "invalid patch")
		return
	}

	var j *job.JobDetails
	if req.scheduleOnly() && req.ID == id {
		j, err = s.deps.Jobs.Reschedule(r.Context(), id, patch.Trigger)
	} else {
		j, err = s.deps.Jobs.Patch(r.Context(), id, patch)
	}
	if err != nil {
		writeServiceError(w, s.log, err, "failed to update job")
		return
	}
	_ = writeJSON(w, http.StatusOK, j)
}
