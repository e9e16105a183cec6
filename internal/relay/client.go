package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

type Client struct {
	conn         *websocket.Conn
	hub          *Hub
	log          *zap.SugaredLogger
	user         types.User
	send         chan *ServerMessage
	channels     map[string]*Channel
	channelsLock sync.RWMutex
	stop         chan struct{}
	stopOnce     sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, h *Hub, l *zap.SugaredLogger) *Client {
	return &Client{
		conn:     conn,
		hub:      h,
		log:      l.With("user", user.Id),
		user:     user,
		send:     make(chan *ServerMessage, 256),
		channels: make(map[string]*Channel),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Errorw("failed to serialize message", "error", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warnw("ws read", "error", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debugw("error parsing message", "error", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		switch {
		case msg.Subscribe != nil:
			c.subscribe(&msg)
		case msg.Unsubscribe != nil:
			c.unsubscribe(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warnw("write message", "error", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	select {
	case c.hub.deregisterChan <- c:
	case <-c.hub.stop:
	}
	c.leaveAllChannels()
	c.stopClient()
}

func (c *Client) leaveAllChannels() {
	c.channelsLock.RLock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channelsLock.RUnlock()

	for _, ch := range channels {
		select {
		case ch.leaveChan <- &ClientMessage{Unsubscribe: &Unsubscribe{Channel: ch.name}, client: c}:
		default:
			c.log.Warnw("leave channel full", "channel", ch.name)
		}
	}
}

// subscribe authorizes the request before handing it to the hub so the hub
// loop never waits on storage.
func (c *Client) subscribe(msg *ClientMessage) {
	name := msg.Subscribe.Channel
	if c.getChannel(name) != nil {
		c.queueMessage(NoErrOK(msg.Id, name))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	err := c.hub.auth.AuthorizeChannel(ctx, c.user, name)
	cancel()
	if err != nil {
		c.log.Debugw("subscription denied", "channel", name, "error", err)
		switch {
		case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrValidation):
			c.queueMessage(ErrChannelNotFound(msg.Id, name))
		case errors.Is(err, apperr.ErrAuthorization):
			c.queueMessage(ErrForbidden(msg.Id, name))
		default:
			c.queueMessage(ErrInternalError(msg.Id, name))
		}
		return
	}

	select {
	case c.hub.subscribeChan <- msg:
	default:
		c.log.Warn("subscribe channel full")
		c.queueMessage(ErrServiceUnavailable(msg.Id, name))
	}
}

func (c *Client) unsubscribe(msg *ClientMessage) {
	name := msg.Unsubscribe.Channel
	ch := c.getChannel(name)
	if ch == nil {
		c.queueMessage(NoErrOK(msg.Id, name))
		return
	}

	select {
	case ch.leaveChan <- msg:
	default:
		c.log.Warnw("leave channel full", "channel", name)
		c.queueMessage(ErrServiceUnavailable(msg.Id, name))
	}
}

func (c *Client) delChannel(name string) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()
	delete(c.channels, name)
}

func (c *Client) addChannel(ch *Channel) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()
	c.channels[ch.name] = ch
}

func (c *Client) getChannel(name string) *Channel {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()
	return c.channels[name]
}
