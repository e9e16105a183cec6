package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

const (
	metricConnectedClients = "connected_clients"
	metricActiveChannels   = "active_channels"
	metricDeliveredEvents  = "delivered_events"
	metricDroppedEvents    = "dropped_events"

	authorizeTimeout = 5 * time.Second
	presenceTimeout  = 5 * time.Second
)

var ErrHubStopped = errors.New("hub stopped")

// ChannelAuthorizer decides whether user may subscribe to channel. A nil
// error grants access.
type ChannelAuthorizer interface {
	AuthorizeChannel(ctx context.Context, user types.User, channel string) error
}

// PresenceHook is told when a user's first connection joins the presence
// channel and when the last one leaves.
type PresenceHook interface {
	SetPresence(ctx context.Context, userId string, online bool) error
}

type Hub struct {
	log            *zap.SugaredLogger
	auth           ChannelAuthorizer
	presence       PresenceHook
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	subscribeChan  chan *ClientMessage
	registerChan   chan *Client
	deregisterChan chan *Client
	unloadChan     chan string
	publishChan    chan *events.Envelope
	channels       map[string]*Channel
	presenceQueue  chan presenceUpdate
	stop           chan struct{}
	done           chan struct{}
	stopOnce       sync.Once
}

func NewHub(logger *zap.SugaredLogger, auth ChannelAuthorizer, presence PresenceHook, su stats.StatsProvider) (*Hub, error) {
	if auth == nil {
		return nil, fmt.Errorf("channel authorizer is required")
	}

	for _, m := range []string{metricConnectedClients, metricActiveChannels, metricDeliveredEvents, metricDroppedEvents} {
		su.RegisterMetric(m)
	}

	return &Hub{
		log:            logger,
		auth:           auth,
		presence:       presence,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		subscribeChan:  make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client, 256),
		unloadChan:     make(chan string, 256),
		publishChan:    make(chan *events.Envelope, 512),
		channels:       make(map[string]*Channel),
		presenceQueue:  make(chan presenceUpdate, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (h *Hub) Run() {
	go h.runPresence()

	for {
		select {
		case sub := <-h.subscribeChan:
			h.handleSubscribe(sub)
		case env := <-h.publishChan:
			h.handlePublish(env)
		case client := <-h.registerChan:
			h.log.Debugw("adding connection", "user", client.user.Username)
			h.addClient(client)
			h.stats.Incr(metricConnectedClients)
		case client := <-h.deregisterChan:
			h.log.Debugw("removing connection", "user", client.user.Username)
			if h.removeClient(client) {
				h.stats.Decr(metricConnectedClients)
			}
		case name := <-h.unloadChan:
			h.handleUnload(name)
		case <-h.stop:
			h.log.Info("shutting down channels")
			for name, ch := range h.channels {
				done := make(chan bool, 1)
				ch.exit <- exitReq{shutdown: true, done: done}
				<-done
				delete(h.channels, name)
			}

			close(h.done)
			return
		}
	}
}

func (h *Hub) handleSubscribe(msg *ClientMessage) {
	name := msg.Subscribe.Channel
	ch, ok := h.channels[name]
	if !ok {
		kind, _, valid := events.ParseChannel(name)
		if !valid {
			msg.client.queueMessage(ErrChannelNotFound(msg.Id, name))
			return
		}

		ch = newChannel(h, name, kind)
		h.channels[name] = ch
		h.stats.Incr(metricActiveChannels)
		go ch.start()
	}

	select {
	case ch.joinChan <- msg:
	default:
		h.log.Warnw("join channel full", "channel", name)
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id, name))
	}
}

func (h *Hub) handlePublish(env *events.Envelope) {
	ch, ok := h.channels[env.Channel]
	if !ok {
		// nobody subscribed on this instance
		return
	}

	select {
	case ch.publishChan <- env:
		h.stats.Incr(metricDeliveredEvents)
	default:
		h.log.Warnw("publish channel full, dropping event", "channel", env.Channel, "event", env.Event)
		h.stats.Incr(metricDroppedEvents)
	}
}

// handleUnload removes an idle channel. The channel may refuse if a client
// joined after its idle timer fired.
func (h *Hub) handleUnload(name string) {
	ch, ok := h.channels[name]
	if !ok {
		return
	}

	done := make(chan bool, 1)
	ch.exit <- exitReq{done: done}
	if <-done {
		h.log.Debugw("unloaded channel", "channel", name)
		delete(h.channels, name)
		h.stats.Decr(metricActiveChannels)
	}
}

// Register adds a connected client to the hub.
func (h *Hub) Register(c *Client) error {
	select {
	case h.registerChan <- c:
		return nil
	case <-h.stop:
		return ErrHubStopped
	}
}

// Publish delivers an event to every client subscribed to channel on this
// instance.
func (h *Hub) Publish(ctx context.Context, channel, event string, data any) error {
	env, err := events.NewEnvelope(channel, event, data)
	if err != nil {
		return err
	}

	return h.Deliver(ctx, env)
}

func (h *Hub) Deliver(ctx context.Context, env *events.Envelope) error {
	select {
	case h.publishChan <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stop:
		return ErrHubStopped
	}
}

type presenceUpdate struct {
	userId string
	online bool
}

// setPresence queues a presence change. Updates are applied in order by a
// single worker so an offline never overtakes the online before it.
func (h *Hub) setPresence(user types.User, online bool) {
	if h.presence == nil {
		return
	}

	select {
	case h.presenceQueue <- presenceUpdate{userId: user.Id, online: online}:
	default:
		h.log.Warnw("presence queue full, dropping update", "user", user.Id, "online", online)
	}
}

func (h *Hub) runPresence() {
	for {
		select {
		case u := <-h.presenceQueue:
			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			if err := h.presence.SetPresence(ctx, u.userId, u.online); err != nil {
				h.log.Warnw("update presence", "user", u.userId, "online", u.online, "error", err)
			}
			cancel()
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *Client) bool {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	return true
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info("received shutdown signal")

	h.clientsLock.Lock()
	for c := range h.clients {
		c.stopClient()
	}
	h.clientsLock.Unlock()

	h.stopOnce.Do(func() { close(h.stop) })

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}
