// Package redisbus wraps the shared Redis broker behind the two channels
// the pipeline needs: the durable jobs list and the fire-and-forget
// events channel.
package redisbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config defines broker configuration, usable for Viper
type Config struct {
	URL               string `mapstructure:"url"`
	JobsKey           string `mapstructure:"jobs_key"`
	EventsChannel     string `mapstructure:"events_channel"`
	PopTimeoutSeconds int    `mapstructure:"pop_timeout_seconds"`
}

// Bus is a Redis-backed broker client. Jobs are a FIFO list
// (LPUSH producer side, BRPOP consumer side); events go over plain
// pub/sub and are lost when nobody listens, which is acceptable.
type Bus struct {
	client        *redis.Client
	jobsKey       string
	eventsChannel string
	popTimeout    time.Duration
}

// New connects to the broker and verifies it is reachable.
func New(config *Config) (*Bus, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid bus url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("cannot reach bus at %s: %w", opts.Addr, err)
	}
	popTimeout := time.Duration(config.PopTimeoutSeconds) * time.Second
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &Bus{
		client:        client,
		jobsKey:       config.JobsKey,
		eventsChannel: config.EventsChannel,
		popTimeout:    popTimeout,
	}, nil
}

// PushJob appends a job payload to the durable queue.
func (b *Bus) PushJob(ctx context.Context, body []byte) error {
	return b.client.LPush(ctx, b.jobsKey, body).Err()
}

// PopJob blocks up to the configured pop timeout for the next job.
// A timeout without data returns (nil, nil) so callers stay
// cancellation-responsive between polls.
func (b *Bus) PopJob(ctx context.Context) ([]byte, error) {
	res, err := b.client.BRPop(ctx, b.popTimeout, b.jobsKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// PublishEvent fans the payload out to current subscribers, if any.
func (b *Bus) PublishEvent(ctx context.Context, body []byte) error {
	return b.client.Publish(ctx, b.eventsChannel, body).Err()
}

// QueueDepth reports the number of jobs waiting in the queue.
func (b *Bus) QueueDepth(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.jobsKey).Result()
}

func (b *Bus) Close() error {
	return b.client.Close()
}
