// Package scheduler owns the job state machine.
//
//	SCHEDULED → RUNNING → EXECUTED | SCHEDULED | RETRY | ERROR
//	RETRY     → RUNNING
//	any non-terminal → CANCELED
//
// Every transition of a job runs on that job's lane, one goroutine chosen by
// hashing the job id, so transitions of one job never interleave. Each
// transition disarms the old timer, mutates, persists, and only then arms
// the new timer: a failed write never leaves a timer behind.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/metrics"
	"github.com/teranos/pulsed/pulse/repository"
	"github.com/teranos/pulsed/pulse/timer"
)

// TimerService is the part of timer.Service the scheduler drives
type TimerService interface {
	ScheduleJob(ctx context.Context, j *job.JobDetails, fireAt time.Time) (*timer.Handle, error)
	RemoveJob(h *timer.Handle) bool
	Handle(jobID string) (*timer.Handle, bool)
	Handles() []*timer.Handle
	InFlight(jobID string) bool
}

// Validator rejects jobs no executor can run; *executor.Resolver implements it
type Validator interface {
	Validate(j *job.JobDetails) error
}

// Config tunes lanes, the load window and retries
type Config struct {
	Lanes        int
	LaneBuffer   int
	LoadWindow   time.Duration
	LoadInterval time.Duration
	RecoveryRate float64
	Retry        am.RetryConfig
}

// ConfigFrom adapts the scheduler and retry sections of the pulsed configuration
func ConfigFrom(c *am.Config) Config {
	return Config{
		Lanes:        c.Scheduler.Lanes,
		LaneBuffer:   c.Scheduler.LaneBuffer,
		LoadWindow:   c.Scheduler.LoadWindow,
		LoadInterval: c.Scheduler.LoadInterval,
		RecoveryRate: c.Scheduler.RecoveryRate,
		Retry:        c.Retry,
	}
}

// command is one unit of work on a lane. reply is nil for fire-and-forget
// commands such as outcomes.
type command struct {
	jobID string
	run   func(ctx context.Context) (*job.JobDetails, error)
	reply chan result
}

type result struct {
	job *job.JobDetails
	err error
}

// Scheduler drives jobs through their lifecycle
type Scheduler struct {
	repo      repository.JobRepository
	timers    TimerService
	validator Validator
	cfg       Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	lanes   []chan command
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
	// active gates the periodic loader; false on followers
	active atomic.Bool

	// retry is hot-reloadable, so it lives outside cfg
	retryMu sync.RWMutex
	retry   am.RetryConfig

	now   func() time.Time
	newID func() string
}

// New creates a stopped scheduler; call Start before use
func New(repo repository.JobRepository, timers TimerService, validator Validator, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.LaneBuffer < 0 {
		cfg.LaneBuffer = 0
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		repo:      repo,
		timers:    timers,
		validator: validator,
		cfg:       cfg,
		retry:     cfg.Retry,
		log:       logger.AddPulseSymbol(log.Named("scheduler")),
		lanes:     make([]chan command, cfg.Lanes),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for i := range s.lanes {
		s.lanes[i] = make(chan command, cfg.LaneBuffer)
	}
	s.active.Store(true)
	return s
}

// SetRetryPolicy replaces the retry budget and backoff for failures
// recorded from now on
func (s *Scheduler) SetRetryPolicy(r am.RetryConfig) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.retry = r
}

func (s *Scheduler) retryPolicy() am.RetryConfig {
	s.retryMu.RLock()
	defer s.retryMu.RUnlock()
	return s.retry
}

// SetMetrics attaches collectors; call before Start
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start launches the lanes and, when configured, the periodic loader
func (s *Scheduler) Start(_ context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	for i, lane := range s.lanes {
		s.wg.Add(1)
		go s.runLane(i, lane)
	}
	if s.cfg.LoadInterval > 0 {
		s.wg.Add(1)
		go s.runLoader()
	}
	logger.PulseOpenInfow("Scheduler started",
		"lanes", len(s.lanes),
		"load_window", s.cfg.LoadWindow,
		logger.FieldInterval, s.cfg.LoadInterval)
	return nil
}

// Stop halts lanes and the loader. Commands still queued are answered with
// ErrServiceUnavailable.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.PulseCloseInfow("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, "timed out stopping scheduler")
	}
}

func (s *Scheduler) lane(jobID string) chan command {
	return s.lanes[xxhash.Sum64String(jobID)%uint64(len(s.lanes))]
}

func (s *Scheduler) runLane(idx int, lane chan command) {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-lane:
			s.execute(cmd)
		case <-s.ctx.Done():
			// Answer whatever was queued before the stop
			for {
				select {
				case cmd := <-lane:
					if cmd.reply != nil {
						cmd.reply <- result{err: errUnavailable()}
					}
				default:
					s.log.Debugw("Lane stopped", "lane", idx)
					return
				}
			}
		}
	}
}

func (s *Scheduler) execute(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.AssertionFailedf("scheduler command panicked: %v", r)
			s.log.Errorw("Lane command panicked", logger.FieldJobID, cmd.jobID, logger.FieldError, err)
			if cmd.reply != nil {
				cmd.reply <- result{err: err}
			}
		}
	}()
	j, err := cmd.run(s.ctx)
	if cmd.reply != nil {
		cmd.reply <- result{job: j, err: err}
	}
}

// submit runs fn on the job's lane and waits for its result
func (s *Scheduler) submit(ctx context.Context, jobID string, fn func(ctx context.Context) (*job.JobDetails, error)) (*job.JobDetails, error) {
	if !s.started.Load() || s.stopped.Load() {
		return nil, errUnavailable()
	}
	cmd := command{jobID: jobID, run: fn, reply: make(chan result, 1)}

	select {
	case s.lane(jobID) <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, errUnavailable()
	}

	select {
	case r := <-cmd.reply:
		return r.job, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		select {
		case r := <-cmd.reply:
			return r.job, r.err
		default:
			return nil, errUnavailable()
		}
	}
}

// post queues fn on the job's lane without waiting. It blocks while the lane
// is full, which pushes back on the timer goroutines.
func (s *Scheduler) post(jobID string, fn func(ctx context.Context) (*job.JobDetails, error)) bool {
	if !s.started.Load() {
		return false
	}
	select {
	case s.lane(jobID) <- command{jobID: jobID, run: fn}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func errUnavailable() error {
	return errors.Wrap(errors.ErrServiceUnavailable, "scheduler is not running")
}

// persist writes j only if the stored record still matches expect, the
// state this instance read, and counts the transition. Another instance
// writing the same job in between surfaces as ErrConflict.
func (s *Scheduler) persist(ctx context.Context, j *job.JobDetails, expect repository.Expect) (*job.JobDetails, error) {
	saved, err := s.repo.SaveIf(ctx, j, expect)
	if err != nil {
		return nil, errors.WithDetailf(err, "Job ID: %s", j.ID)
	}
	s.metrics.Transition(saved.Status)
	return saved, nil
}

// casAttempts bounds how often an operation re-reads a job another
// instance keeps writing
const casAttempts = 5

// update reads id, lets mutate change it and persists the result against
// the state read. A lost race re-reads and mutates again. mutate returning
// false ends the update without a write; the job as read is returned.
func (s *Scheduler) update(ctx context.Context, id string, mutate func(j *job.JobDetails) (bool, error)) (*job.JobDetails, bool, error) {
	for attempt := 1; ; attempt++ {
		j, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		expect := repository.ExpectOf(j)
		write, err := mutate(j)
		if err != nil || !write {
			return j, false, err
		}
		saved, err := s.persist(ctx, j, expect)
		if errors.IsConflictError(err) && attempt < casAttempts {
			s.log.Debugw("Job changed concurrently, re-reading",
				logger.FieldJobID, id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return saved, true, nil
	}
}

// disarmStale removes a local timer whose handle no longer matches j
func (s *Scheduler) disarmStale(j *job.JobDetails) {
	h, ok := s.timers.Handle(j.ID)
	if !ok || (j.Status.IsArmable() && h.ID == j.ScheduledID) {
		return
	}
	if s.timers.RemoveJob(h) {
		s.log.Debugw("Disarmed superseded timer",
			logger.FieldJobID, j.ID,
			logger.FieldHandleID, h.ID,
			logger.FieldStatus, j.Status)
	}
}

// armedAs reports whether the local timer for j carries j's current handle
func (s *Scheduler) armedAs(j *job.JobDetails) bool {
	h, ok := s.timers.Handle(j.ID)
	return ok && h.ID == j.ScheduledID
}

// disarm removes the job's armed timer, if any
func (s *Scheduler) disarm(jobID string) {
	if h, ok := s.timers.Handle(jobID); ok {
		s.timers.RemoveJob(h)
	}
}

// arm starts a timer for j's pending fire when it falls inside the load
// window. Failures are logged: the job stays stored and the next sweep
// picks it up.
func (s *Scheduler) arm(ctx context.Context, j *job.JobDetails) bool {
	if !j.Status.IsArmable() || j.ScheduledID == "" {
		return false
	}
	fireAt := j.FireTime()
	if fireAt == nil {
		return false
	}
	if s.cfg.LoadWindow > 0 && fireAt.After(s.now().Add(s.cfg.LoadWindow)) {
		s.log.Debugw("Fire time outside load window, deferring to loader",
			logger.FieldJobID, j.ID, logger.FieldFireAt, *fireAt)
		return false
	}
	if _, err := s.timers.ScheduleJob(ctx, j, *fireAt); err != nil {
		if errors.IsServiceUnavailableError(err) {
			s.log.Debugw("Timer service inactive, job left for the leader", logger.FieldJobID, j.ID)
		} else {
			s.log.Warnw("Failed to arm timer", logger.FieldJobID, j.ID, logger.FieldError, err)
		}
		return false
	}
	return true
}
