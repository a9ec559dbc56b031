// Package stream publishes job status changes to in-process subscribers and
// external sinks. Publishing never blocks the repository write path.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// sinkQueueSize bounds events waiting for external sinks
	sinkQueueSize = 1024
)

// Publisher is what repositories call after every committed mutation.
type Publisher interface {
	PublishJobStatusChange(j *job.JobDetails) *job.JobDetails
}

// Nop discards notifications
type Nop struct{}

// PublishJobStatusChange returns j unchanged
func (Nop) PublishJobStatusChange(j *job.JobDetails) *job.JobDetails { return j }

// StatusEvent is the notification fanned out for each mutation
type StatusEvent struct {
	JobID            string          `json:"jobId"`
	CorrelationID    string          `json:"correlationId,omitempty"`
	Status           job.Status      `json:"status"`
	Priority         int             `json:"priority"`
	Retries          int             `json:"retries"`
	ExecutionCounter int             `json:"executionCounter"`
	NextFireTime     *time.Time      `json:"nextFireTime,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Job              *job.JobDetails `json:"job,omitempty"`
}

// NewStatusEvent snapshots j
func NewStatusEvent(j *job.JobDetails) StatusEvent {
	snapshot := j.Clone()
	return StatusEvent{
		JobID:            j.ID,
		CorrelationID:    j.CorrelationID,
		Status:           j.Status,
		Priority:         j.Priority,
		Retries:          j.Retries,
		ExecutionCounter: j.ExecutionCounter,
		NextFireTime:     j.FireTime(),
		Timestamp:        j.LastUpdate,
		Job:              snapshot,
	}
}

// Sink is an external destination for status events (redis, audit trail)
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev StatusEvent) error
}

// Streams fans out status events. Subscribers get a buffered channel and
// miss events when they fall behind; sinks are fed from one background
// goroutine started by Start.
type Streams struct {
	mu          sync.RWMutex
	subscribers []chan StatusEvent
	sinks       []Sink

	queue   chan StatusEvent
	log     *zap.SugaredLogger
	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

// New creates a Streams publisher
func New(log *zap.SugaredLogger) *Streams {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Streams{
		queue:   make(chan StatusEvent, sinkQueueSize),
		log:     logger.AddStreamSymbol(log),
		stopped: make(chan struct{}),
	}
}

// AddSink registers an external sink; call before Start
func (s *Streams) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Subscribe returns a channel that receives every status event
func (s *Streams) Subscribe() chan StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan StatusEvent, SubscriberChannelBufferSize)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes ch
func (s *Streams) Unsubscribe(ch chan StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// PublishJobStatusChange notifies subscribers and queues the event for
// sinks. It is a pass-through: j is returned unchanged.
func (s *Streams) PublishJobStatusChange(j *job.JobDetails) *job.JobDetails {
	if j == nil {
		return nil
	}
	ev := NewStatusEvent(j)

	s.mu.RLock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the write path
		}
	}
	hasSinks := len(s.sinks) > 0
	s.mu.RUnlock()

	if hasSinks {
		select {
		case <-s.stopped:
		case s.queue <- ev:
		default:
			s.log.Warnw("Status sink queue full, dropping event",
				logger.FieldJobID, ev.JobID, logger.FieldStatus, ev.Status)
		}
	}
	return j
}

// Start delivers queued events to sinks until ctx is done or Close is called
func (s *Streams) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				s.drain(ctx)
				return
			case ev := <-s.queue:
				s.deliver(ctx, ev)
			}
		}
	}()
}

func (s *Streams) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.queue:
			s.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (s *Streams) deliver(ctx context.Context, ev StatusEvent) {
	s.mu.RLock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			s.log.Warnw("Status sink publish failed",
				"sink", sink.Name(), logger.FieldJobID, ev.JobID, logger.FieldError, err)
		}
	}
}

// Close stops sink delivery after flushing queued events and closes all
// subscriber channels. Safe to call more than once.
func (s *Streams) Close() {
	s.once.Do(func() {
		close(s.stopped)
		s.wg.Wait()

		s.mu.Lock()
		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = nil
		s.mu.Unlock()
	})
}
