package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/philocalist9/gym-manage-sub000/internal/logging"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel     = "appointments:events"
	maxPublishRetries  = 3
	relayBufferTimeout = 2 * time.Second
)

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes events as JSON on a Redis Pub/Sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, event models.AppointmentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPublishRetries),
		ctx,
	)
	publish := func() error {
		return p.client.Publish(ctx, p.channel, data).Err()
	}
	if err := backoff.Retry(publish, policy); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Relay subscribes to channel and hands every decoded event to sink until ctx
// is cancelled. It lets each server instance feed its own websocket clients
// from events committed anywhere in the cluster.
func Relay(ctx context.Context, client *redis.Client, channel string, sink Publisher) error {
	if channel == "" {
		channel = DefaultChannel
	}

	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	logger := logging.FromContext(ctx)
	logger.Info().Str("channel", channel).Str("sink", sink.Name()).Msg("relaying appointment events")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			var event models.AppointmentEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn().Err(err).Str("channel", channel).Msg("failed to decode relayed event")
				continue
			}

			sinkCtx, cancel := context.WithTimeout(ctx, relayBufferTimeout)
			if err := sink.Publish(sinkCtx, event); err != nil {
				logger.Warn().Err(err).Str("event_id", event.ID).Msg("relay sink rejected event")
			}
			cancel()
		}
	}
}
