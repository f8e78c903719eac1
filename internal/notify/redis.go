package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisChannel = "qms:events"

// RedisPublisher broadcasts events on a Redis channel so every service
// instance can forward them to its own connected observers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, body).Err()
}

// RedisRelay subscribes to the event channel and hands every event to sink,
// normally the local realtime hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	sink    Publisher
	logger  *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, sink Publisher, logger *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, channel: channel, sink: sink, logger: logger.Named("redis-relay")}
}

// Run relays events until ctx is done. A failed or dropped subscription is
// logged and retried with backoff, so a Redis outage never ends Run.
func (r *RedisRelay) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	for {
		err := r.relay(ctx, policy)
		if ctx.Err() != nil {
			return nil
		}
		wait := policy.NextBackOff()
		r.logger.Warn("subscription lost, retrying",
			zap.String("channel", r.channel),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *RedisRelay) relay(ctx context.Context, policy *backoff.ExponentialBackOff) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	policy.Reset()
	r.logger.Info("subscribed", zap.String("channel", r.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("subscription channel closed")
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("discard malformed event", zap.Error(err))
				continue
			}
			if err := r.sink.Publish(ctx, event); err != nil {
				r.logger.Warn("relay event", zap.String("type", event.Type), zap.Error(err))
			}
		}
	}
}
