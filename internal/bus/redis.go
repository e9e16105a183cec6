package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const defaultTopic = "messenger:events"

type Option interface {
	apply(*RedisBus)
}

type optionFunc func(b *RedisBus)

func (f optionFunc) apply(b *RedisBus) { f(b) }

// Topic sets the Redis pub/sub channel shared by every instance.
func Topic(topic string) Option {
	return optionFunc(func(b *RedisBus) {
		b.topic = topic
	})
}

// BreakerSettings replaces the default circuit breaker settings.
func BreakerSettings(st gobreaker.Settings) Option {
	return optionFunc(func(b *RedisBus) {
		b.settings = st
	})
}

// RedisBus publishes envelopes to a single Redis topic and forwards every
// envelope received on it to a local Sink.
type RedisBus struct {
	client   redis.UniversalClient
	log      *zap.SugaredLogger
	topic    string
	settings gobreaker.Settings
	cb       *gobreaker.CircuitBreaker
}

func NewRedisBus(client redis.UniversalClient, logger *zap.SugaredLogger, opts ...Option) *RedisBus {
	b := &RedisBus{
		client: client,
		log:    logger,
		topic:  defaultTopic,
		settings: gobreaker.Settings{
			Name:        "redis-publish",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}

	for _, o := range opts {
		o.apply(b)
	}

	b.settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
		logger.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings)

	return b
}

func (b *RedisBus) Publish(ctx context.Context, channel, event string, data any) error {
	env, err := events.NewEnvelope(channel, event, data)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = b.cb.Execute(func() (any, error) {
		return nil, b.client.Publish(ctx, b.topic, payload).Err()
	})
	if err != nil {
		return apperr.Transport(err, "publish %s on %s", event, channel)
	}

	return nil
}

// Run subscribes to the topic and delivers envelopes to sink until ctx is
// cancelled. Malformed payloads are logged and skipped.
func (b *RedisBus) Run(ctx context.Context, sink Sink) error {
	sub := b.client.Subscribe(ctx, b.topic)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return apperr.Transport(err, "subscribe %s", b.topic)
	}
	b.log.Infow("subscribed to backplane", "topic", b.topic)

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var env events.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warnw("malformed backplane payload", "error", err)
				continue
			}

			if err := sink.Deliver(ctx, &env); err != nil {
				b.log.Warnw("deliver backplane event", "channel", env.Channel, "event", env.Event, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
