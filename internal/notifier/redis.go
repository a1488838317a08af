package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/redis/go-redis/v9"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes job statuses as JSON on a Redis channel for the
// chat front-end.
type RedisPublisher struct {
	client  publisher
	channel string
}

// NewRedisPublisher connects using a redis:// URL.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()

		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPublisher{client: client, channel: channel}, client, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, st job.Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}

	return nil
}

// Run publishes every status received until the channel closes or ctx ends.
// Publish errors are logged and do not stop the loop.
func (p *RedisPublisher) Run(ctx context.Context, statuses <-chan job.Status) {
	logger := logctx.LoggerFromContext(ctx).With("component", "redis_publisher")

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}

			if err := p.Publish(ctx, st); err != nil {
				logger.WarnContext(ctx, "failed to publish job status", "job_id", st.JobID, "err", err)
			}
		}
	}
}
