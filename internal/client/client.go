// Package client is the realtime half of the messenger SDK. It keeps a
// session's view of conversations, messages and presence consistent with
// the server by combining HTTP calls with events from the relay.
package client

import (
	"context"

	"github.com/npezzotti/go-messenger/internal/events"
)

// Handler receives the decoded events of one subscription. The handlers of
// a subscription are never called concurrently.
type Handler func(ev *events.Event)

type Subscription interface {
	Channel() string
	Unsubscribe() error
}

// Bus subscribes to named relay channels.
type Bus interface {
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
}
