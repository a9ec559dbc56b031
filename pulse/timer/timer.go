// Package timer arms one in-memory timer per scheduled job and runs the
// job's executor when it fires.
//
// The service owns no job state. At fire time it asks its Dispatcher (the
// scheduler) whether the fire is still wanted, executes, and hands the
// outcome back. Concurrency across jobs is bounded by a semaphore.
package timer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/executor"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/metrics"
)

// Dispatcher gates and records fires. Begin returns the job to execute,
// or nil when the fire must be dropped (canceled, stale or already
// handled). Complete receives every outcome of a job Begin returned.
type Dispatcher interface {
	Begin(ctx context.Context, h *Handle) (*job.JobDetails, error)
	Complete(o Outcome)
}

// Handle identifies one armed timer. Its ID is the job's ScheduledID at
// arming time, which lets the scheduler detect stale fires.
type Handle struct {
	ID     string
	JobID  string
	FireAt time.Time

	timer    *time.Timer
	canceled bool // guarded by Service.mu
}

// Outcome is the result of one execution
type Outcome struct {
	JobID    string
	HandleID string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Success reports whether the execution succeeded
func (o Outcome) Success() bool { return o.Err == nil }

// Config bounds the service
type Config struct {
	MaxConcurrent   int64
	ShutdownTimeout time.Duration
}

// ConfigFrom adapts the timer section of the pulsed configuration
func ConfigFrom(c am.TimerConfig) Config {
	return Config{MaxConcurrent: c.MaxConcurrent, ShutdownTimeout: c.ShutdownTimeout}
}

// Service arms and fires job timers
type Service struct {
	resolver   *executor.Resolver
	dispatcher Dispatcher
	cfg        Config
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted

	// ctx scopes executions; canceled when Shutdown gives up waiting
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	armed     map[string]*Handle // job id -> handle
	inFlight  map[string]int     // job id -> running executions
	suspended bool
	closed    bool
	wg        sync.WaitGroup
}

// NewService creates an active service. dispatcher may be set later with
// SetDispatcher, before the first job is armed.
func NewService(resolver *executor.Resolver, dispatcher Dispatcher, cfg Config, log *zap.SugaredLogger) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		resolver:   resolver,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.AddPulseSymbol(log.Named("timer")),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
		armed:      make(map[string]*Handle),
		inFlight:   make(map[string]int),
	}
}

// SetDispatcher breaks the construction cycle between service and scheduler
func (s *Service) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// SetMetrics attaches collectors; nil disables them
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// ScheduleJob arms a timer firing j at fireAt; past times fire immediately.
// The handle id is j.ScheduledID. An armed handle for the same job is
// canceled first.
func (s *Service) ScheduleJob(_ context.Context, j *job.JobDetails, fireAt time.Time) (*Handle, error) {
	if j == nil || j.ID == "" || j.ScheduledID == "" {
		return nil, errors.AssertionFailedf("job must carry an id and a handle id to be armed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "timer service is shut down")
	}
	if s.suspended {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "timer service is suspended")
	}
	if old := s.armed[j.ID]; old != nil {
		s.disarmLocked(old)
	}

	h := &Handle{ID: j.ScheduledID, JobID: j.ID, FireAt: fireAt}
	delay := max(time.Until(fireAt), 0)
	// fire blocks on s.mu until this function returns, so h is complete by then
	h.timer = time.AfterFunc(delay, func() { s.fire(h) })
	s.armed[j.ID] = h
	s.metrics.SetArmed(len(s.armed))

	s.log.Debugw("Armed timer",
		logger.FieldJobID, j.ID,
		logger.FieldHandleID, h.ID,
		logger.FieldFireAt, fireAt,
		logger.FieldDelay, delay)
	return h, nil
}

// RemoveJob cancels h. It reports whether h was still armed; false means it
// already fired, was replaced or was removed.
func (s *Service) RemoveJob(h *Handle) bool {
	if h == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed[h.JobID] != h {
		h.canceled = true
		return false
	}
	s.disarmLocked(h)
	s.metrics.SetArmed(len(s.armed))
	return true
}

func (s *Service) disarmLocked(h *Handle) {
	h.canceled = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if s.armed[h.JobID] == h {
		delete(s.armed, h.JobID)
	}
}

// Handle returns the armed handle for jobID
func (s *Service) Handle(jobID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.armed[jobID]
	return h, ok
}

// Handles snapshots the pending handles
func (s *Service) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.armed))
	for _, h := range s.armed {
		out = append(out, h)
	}
	return out
}

// IsArmed reports whether jobID has a pending timer
func (s *Service) IsArmed(jobID string) bool {
	_, ok := s.Handle(jobID)
	return ok
}

// InFlight reports whether jobID is executing on this instance
func (s *Service) InFlight(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[jobID] > 0
}

// Armed is the number of pending timers
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// Suspend stops timers from firing or being armed. Pending timers stay
// registered; a timer that comes due while suspended is disarmed unfired.
func (s *Service) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

// Resume lifts Suspend
func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
}

// Suspended reports whether the service is suspended
func (s *Service) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Reset disarms every pending timer. The service stays usable.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.armed {
		s.disarmLocked(h)
	}
	s.metrics.SetArmed(0)
}

// Shutdown disarms everything and waits for in-flight executions. When ctx
// (or the configured shutdown timeout) expires first, running executions
// are canceled and ErrTimeout is returned. Calling it again is safe.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Reset()

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return errors.Wrap(errors.ErrTimeout, "timed out waiting for running jobs")
	}
}

// fire runs on the timer goroutine
func (s *Service) fire(h *Handle) {
	s.mu.Lock()
	if h.canceled || s.armed[h.JobID] != h {
		s.mu.Unlock()
		return
	}
	if s.closed || s.suspended {
		// Leave no stale entry behind so a later sweep can re-arm the job
		s.disarmLocked(h)
		s.metrics.SetArmed(len(s.armed))
		s.mu.Unlock()
		return
	}
	// Claim: from here RemoveJob reports false and the fire proceeds to Begin,
	// where the scheduler re-checks status and handle id.
	delete(s.armed, h.JobID)
	s.inFlight[h.JobID]++
	s.wg.Add(1)
	dispatcher, m := s.dispatcher, s.metrics
	m.SetArmed(len(s.armed))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.inFlight[h.JobID]--; s.inFlight[h.JobID] <= 0 {
			delete(s.inFlight, h.JobID)
		}
		s.mu.Unlock()
		s.wg.Done()
	}()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	j, err := dispatcher.Begin(s.ctx, h)
	if err != nil {
		s.log.Errorw("Failed to begin job",
			logger.FieldJobID, h.JobID,
			logger.FieldHandleID, h.ID,
			logger.FieldError, err)
		return
	}
	if j == nil {
		s.log.Debugw("Fire dropped", logger.FieldJobID, h.JobID, logger.FieldHandleID, h.ID)
		return
	}

	outcome := s.execute(j, h)
	m.ObserveFire(outcome.Success(), outcome.Finished.Sub(outcome.Started))
	dispatcher.Complete(outcome)
}

type execResult struct {
	err error
}

// execute runs the executor under its deadline. Panics and executors that
// ignore their context both come back as failures.
func (s *Service) execute(j *job.JobDetails, h *Handle) Outcome {
	o := Outcome{JobID: j.ID, HandleID: h.ID, Started: time.Now()}

	e, err := s.resolver.Get(j.Recipient.Type)
	if err != nil {
		o.Err = err
		o.Finished = time.Now()
		return o
	}

	timeout := executor.Timeout(e, j)
	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
	}
	defer cancel()

	s.log.Debugw("Executing job",
		logger.FieldJobID, j.ID,
		logger.FieldRecipient, j.Recipient.Target(),
		logger.FieldExecuted, j.ExecutionCounter)

	result := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- execResult{err: errors.Newf("executor panicked: %v", r)}
			}
		}()
		result <- execResult{err: e.Execute(ctx, j)}
	}()

	select {
	case r := <-result:
		o.Err = r.err
		if o.Err == nil && ctx.Err() != nil {
			o.Err = ctx.Err()
		}
	case <-ctx.Done():
		o.Err = ctx.Err()
	}
	if errors.Is(o.Err, context.DeadlineExceeded) && !errors.Is(o.Err, errors.ErrTimeout) {
		o.Err = errors.Wrapf(errors.ErrTimeout, "job %s exceeded its %s execution timeout", j.ID, timeout)
	}
	o.Finished = time.Now()
	return o
}
