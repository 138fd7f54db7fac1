// Package stream relays job progress to clients: workers publish events on
// a per-job Redis channel, SSE handlers subscribe and forward frames.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Bus is the progress event fan-out over Redis pub/sub. Events are
// fire-and-forget: a job with no subscribers publishes into the void.
type Bus struct {
	rdb *redis.Client
}

// NewBus creates a Bus from a Redis URL.
func NewBus(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opts)}, nil
}

// NewBusWithClient wraps an existing client.
func NewBusWithClient(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

func channelFor(jobID uuid.UUID) string {
	return fmt.Sprintf("progress:%s", jobID)
}

// Publish sends one event to the job's channel.
func (b *Bus) Publish(ctx context.Context, ev models.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(ev.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of events for the given jobs and a cleanup
// function. The channel closes when ctx is cancelled or cleanup is called;
// undecodable frames are dropped.
func (b *Bus) Subscribe(ctx context.Context, jobIDs ...uuid.UUID) (<-chan models.ProgressEvent, func()) {
	channels := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		channels[i] = channelFor(id)
	}
	pubsub := b.rdb.Subscribe(ctx, channels...)

	out := make(chan models.ProgressEvent, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }
}
