// Package bus carries events from the chat service to subscribed clients,
// either directly through the local relay hub or across instances through
// a Redis backplane.
package bus

import (
	"context"

	"github.com/npezzotti/go-messenger/internal/events"
)

// Publisher sends an event on a named channel. Delivery is at-least-once
// and unordered across channels.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data any) error
}

// Sink receives envelopes arriving from the backplane.
type Sink interface {
	Deliver(ctx context.Context, env *events.Envelope) error
}

// Bus is a Publisher whose published envelopes are delivered to a Sink by Run.
type Bus interface {
	Publisher
	Run(ctx context.Context, sink Sink) error
}
