// Package consumer turns job commands published on a redis channel into
// scheduler calls. Only the leader subscribes, so each command published
// while a leader is up is applied once.
package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/job"
)

// Command actions
const (
	ActionCreate = "create"
	ActionCancel = "cancel"
)

// subscribeTimeout bounds waiting for redis to confirm a subscription
const subscribeTimeout = 5 * time.Second

// Command is one message on the command channel
type Command struct {
	Action string           `json:"action"`
	Job    *job.Description `json:"job,omitempty"`
	ID     string           `json:"id,omitempty"`
}

// JobService is the part of the scheduler commands drive
type JobService interface {
	Schedule(ctx context.Context, d job.Description) (*job.JobDetails, error)
	Cancel(ctx context.Context, id string) (*job.JobDetails, error)
}

// Consumer subscribes to the command channel while this instance leads
type Consumer struct {
	client  redis.UniversalClient
	channel string
	svc     JobService
	log     *zap.SugaredLogger

	mu     sync.Mutex
	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an unsubscribed consumer
func New(client redis.UniversalClient, channel string, svc JobService, log *zap.SugaredLogger) *Consumer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Consumer{
		client:  client,
		channel: channel,
		svc:     svc,
		log:     logger.AddStreamSymbol(log).With(logger.FieldComponent, "consumer"),
	}
}

// Channel is the subscribed channel name
func (c *Consumer) Channel() string { return c.channel }

// Subscribed reports whether the receive loop is running
func (c *Consumer) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

// Resume subscribes and starts the receive loop. It is a no-op when
// already subscribed.
func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}

	sub := c.client.Subscribe(ctx, c.channel)
	confirmCtx, cancelConfirm := context.WithTimeout(ctx, subscribeTimeout)
	defer cancelConfirm()
	if _, err := sub.Receive(confirmCtx); err != nil {
		_ = sub.Close()
		return errors.Wrapf(err, "subscribe to %s", c.channel)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.sub = sub
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.receive(loopCtx, sub.Channel(), c.done)

	c.log.Infow("Consuming job commands", "channel", c.channel)
	return nil
}

// Suspend unsubscribes and waits for the in-progress command, if any
func (c *Consumer) Suspend() {
	c.mu.Lock()
	sub, cancel, done := c.sub, c.cancel, c.done
	c.sub, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if sub == nil {
		return
	}
	cancel()
	if err := sub.Close(); err != nil {
		c.log.Debugw("Closing subscription", logger.FieldError, err)
	}
	<-done
	c.log.Infow("Stopped consuming job commands", "channel", c.channel)
}

// OnBecameLeader subscribes
func (c *Consumer) OnBecameLeader(ctx context.Context) {
	if err := c.Resume(ctx); err != nil {
		c.log.Errorw("Failed to subscribe to job commands", logger.FieldError, err)
	}
}

// OnBecameFollower unsubscribes so only the leader consumes commands
func (c *Consumer) OnBecameFollower(context.Context) {
	c.Suspend()
}

func (c *Consumer) receive(ctx context.Context, messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := c.Handle(ctx, []byte(msg.Payload)); err != nil && ctx.Err() == nil {
				c.log.Warnw("Job command rejected", logger.FieldError, err)
			}
		}
	}
}

// Handle decodes and applies one command. A create for an id that already
// exists is treated as a redelivery and succeeds.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return errors.WithSecondaryError(errors.NewInvalidRequestError("malformed job command"), err)
	}

	switch cmd.Action {
	case ActionCreate:
		if cmd.Job == nil {
			return errors.NewInvalidRequestError("create command without a job")
		}
		j, err := c.svc.Schedule(ctx, *cmd.Job)
		if errors.IsConflictError(err) {
			c.log.Infow("Ignoring duplicate create", logger.FieldJobID, cmd.Job.ID)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "create job from command")
		}
		c.log.Debugw("Created job from command", logger.FieldJobID, j.ID)
		return nil

	case ActionCancel:
		if cmd.ID == "" {
			return errors.NewInvalidRequestError("cancel command without an id")
		}
		if _, err := c.svc.Cancel(ctx, cmd.ID); err != nil {
			return errors.Wrapf(err, "cancel job %s from command", cmd.ID)
		}
		c.log.Debugw("Canceled job from command", logger.FieldJobID, cmd.ID)
		return nil

	default:
		return errors.NewInvalidRequestError("unknown command action %q", cmd.Action)
	}
}
