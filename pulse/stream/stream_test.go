package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/trigger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []StatusEvent
	fail   bool
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Publish(_ context.Context, ev StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.fail {
		return errors.New("sink down")
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testJob(status job.Status) *job.JobDetails {
	now := time.Now()
	return &job.JobDetails{
		ID:         "J1",
		Status:     status,
		Recipient:  job.NewInProcessRecipient("noop", nil),
		Trigger:    trigger.NewPointInTime(now.Add(time.Minute)),
		Created:    now,
		LastUpdate: now,
	}
}

func TestPublishIsPassThrough(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	defer s.Close()

	j := testJob(job.StatusScheduled)
	assert.Same(t, j, s.PublishJobStatusChange(j))
	assert.Nil(t, s.PublishJobStatusChange(nil))
	assert.Same(t, j, Nop{}.PublishJobStatusChange(j))
}

func TestSubscribersReceiveSnapshots(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	defer s.Close()

	a, b := s.Subscribe(), s.Subscribe()
	j := testJob(job.StatusScheduled)
	s.PublishJobStatusChange(j)

	// Later mutation must not leak into the delivered event
	j.Status = job.StatusRunning

	for _, ch := range []chan StatusEvent{a, b} {
		ev := <-ch
		assert.Equal(t, "J1", ev.JobID)
		assert.Equal(t, job.StatusScheduled, ev.Status)
		assert.Equal(t, job.StatusScheduled, ev.Job.Status)
		require.NotNil(t, ev.NextFireTime)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	defer s.Close()

	ch := s.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < SubscriberChannelBufferSize*2; i++ {
			s.PublishJobStatusChange(testJob(job.StatusScheduled))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, SubscriberChannelBufferSize)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	defer s.Close()

	ch := s.Subscribe()
	s.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// Unknown channel is ignored
	s.Unsubscribe(make(chan StatusEvent))
}

func TestSinksReceiveEventsAndCloseFlushes(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	ok := &recordingSink{}
	failing := &recordingSink{fail: true}
	s.AddSink(ok)
	s.AddSink(failing)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		s.PublishJobStatusChange(testJob(job.StatusExecuted))
	}
	s.Close()
	s.Close()

	assert.Equal(t, 5, ok.count())
	// A failing sink is still offered every event
	assert.Equal(t, 5, failing.count())
}
