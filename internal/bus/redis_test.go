package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func newUnreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisBus_PublishUnreachable(t *testing.T) {
	client := newUnreachableClient()
	defer client.Close()

	b := NewRedisBus(client, testutil.TestLogger(t), BreakerSettings(gobreaker.Settings{
		Name:    "test",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := b.Publish(ctx, events.ConversationChannel("c1"), events.MessageNew, map[string]string{"id": "m1"})
		assert.True(t, errors.Is(err, apperr.ErrTransport), "expected transport error, got %v", err)
	}

	err := b.Publish(ctx, events.ConversationChannel("c1"), events.MessageNew, map[string]string{"id": "m1"})
	assert.True(t, errors.Is(err, apperr.ErrTransport), "expected transport error, got %v", err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState, "expected breaker to be open")
}

func TestRedisBus_PublishUnmarshalable(t *testing.T) {
	client := newUnreachableClient()
	defer client.Close()

	b := NewRedisBus(client, testutil.TestLogger(t))
	err := b.Publish(context.Background(), "conversation:c1", events.MessageNew, make(chan int))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrTransport), "expected marshal failure not to be a transport error")
}

func TestRedisBus_Options(t *testing.T) {
	client := newUnreachableClient()
	defer client.Close()

	b := NewRedisBus(client, testutil.TestLogger(t), Topic("custom"))
	assert.Equal(t, "custom", b.topic)
	assert.Equal(t, "redis-publish", b.cb.Name())
}

type sinkFunc func(ctx context.Context, env *events.Envelope) error

func (f sinkFunc) Deliver(ctx context.Context, env *events.Envelope) error { return f(ctx, env) }

func TestRedisBus_RunUnreachable(t *testing.T) {
	client := newUnreachableClient()
	defer client.Close()

	b := NewRedisBus(client, testutil.TestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := b.Run(ctx, sinkFunc(func(ctx context.Context, env *events.Envelope) error {
		t.Error("expected no deliveries")
		return nil
	}))
	assert.True(t, errors.Is(err, apperr.ErrTransport), "expected transport error, got %v", err)
}
