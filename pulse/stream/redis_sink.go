package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/pulsed/errors"
)

// RedisSink PUBLISHes each status event as JSON on a redis channel
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink publishes on "{prefix}:status"
func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	return &RedisSink{client: client, channel: prefix + ":status"}
}

// Name identifies the sink in logs
func (r *RedisSink) Name() string { return "redis:" + r.channel }

// Channel returns the pub/sub channel events are published on
func (r *RedisSink) Channel() string { return r.channel }

// Publish sends ev without the embedded job snapshot
func (r *RedisSink) Publish(ctx context.Context, ev StatusEvent) error {
	ev.Job = nil
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode status event")
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish status event for job %s", ev.JobID)
	}
	return nil
}
