package bus

import (
	"context"

	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/events"
	"go.uber.org/zap"
)

const defaultQueueSize = 1024

// LocalBus delivers envelopes within a single process.
type LocalBus struct {
	log   *zap.SugaredLogger
	queue chan *events.Envelope
}

func NewLocalBus(logger *zap.SugaredLogger, size int) *LocalBus {
	if size <= 0 {
		size = defaultQueueSize
	}

	return &LocalBus{
		log:   logger,
		queue: make(chan *events.Envelope, size),
	}
}

// Publish enqueues the envelope without blocking. A full queue is reported
// as a transport error.
func (b *LocalBus) Publish(ctx context.Context, channel, event string, data any) error {
	env, err := events.NewEnvelope(channel, event, data)
	if err != nil {
		return err
	}

	select {
	case b.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apperr.Transport(nil, "local bus queue full, dropped %s on %s", event, channel)
	}
}

func (b *LocalBus) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case env := <-b.queue:
			if err := sink.Deliver(ctx, env); err != nil {
				b.log.Warnw("deliver local event", "channel", env.Channel, "event", env.Event, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
