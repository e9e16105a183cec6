package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/relay"
	"go.uber.org/zap"
)

const (
	requestTimeout   = 10 * time.Second
	writeWait        = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	inboxSize        = 1024
)

var ErrTransportClosed = errors.New("transport closed")

// Transport is a Bus backed by a websocket connection to the relay. The read
// goroutine queues events for a single dispatch goroutine, so handlers run
// in arrival order and may call Subscribe. A dropped connection is redialed
// with backoff and every live subscription is restored.
type Transport struct {
	log    *zap.SugaredLogger
	url    string
	token  func() string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*subscription
	pending map[int]chan *relay.Response
	nextId  int
	closed  bool

	writeMu      sync.Mutex
	inbox        chan *events.Envelope
	dispatchOnce sync.Once
	done         chan struct{}
}

// NewTransport prepares a transport for wsURL. token supplies the bearer
// token sent on every dial.
func NewTransport(logger *zap.SugaredLogger, wsURL string, token func() string) *Transport {
	return &Transport{
		log:     logger,
		url:     wsURL,
		token:   token,
		dialer:  websocket.DefaultDialer,
		subs:    make(map[string]*subscription),
		pending: make(map[int]chan *relay.Response),
		inbox:   make(chan *events.Envelope, inboxSize),
		done:    make(chan struct{}),
	}
}

type subscription struct {
	t       *Transport
	channel string
	handler Handler
	once    sync.Once
}

func (s *subscription) Channel() string {
	return s.channel
}

// Unsubscribe stops dispatch immediately and tells the relay without
// waiting for its answer, so it may be called from a handler.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		t := s.t
		t.mu.Lock()
		if t.subs[s.channel] == s {
			delete(t.subs, s.channel)
		}
		t.mu.Unlock()

		err = t.write(&relay.ClientMessage{Unsubscribe: &relay.Unsubscribe{Channel: s.channel}})
		if errors.Is(err, ErrTransportClosed) {
			err = nil
		}
	})
	return err
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if tok := t.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(apperr.Authorization("relay refused connection: %s", resp.Status))
		}
		return nil, apperr.Transport(err, "dial relay")
	}

	return conn, nil
}

func (t *Transport) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxReconnectWait
	b.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		return t.dial(ctx)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		t.log.Infow("relay unavailable, retrying", "error", err, "backoff", d)
	})
}

// Connect dials the relay and starts the read and dispatch loops.
func (t *Transport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrTransportClosed
	}
	t.conn = conn
	t.mu.Unlock()

	t.dispatchOnce.Do(func() { go t.dispatchLoop() })
	go t.readLoop(conn)
	return nil
}

func (t *Transport) write(msg *relay.ClientMessage) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if conn == nil {
		return apperr.Transport(nil, "relay not connected")
	}

	msg.Timestamp = relay.Now()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return apperr.Transport(err, "write relay message")
	}
	return nil
}

// request sends msg and waits for the relay's response to it.
func (t *Transport) request(ctx context.Context, msg *relay.ClientMessage) (*relay.Response, error) {
	t.mu.Lock()
	t.nextId++
	id := t.nextId
	ch := make(chan *relay.Response, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	msg.Id = id
	if err := t.write(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, apperr.Transport(nil, "relay response timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func responseError(resp *relay.Response) error {
	switch resp.ResponseCode {
	case http.StatusOK:
		return nil
	case http.StatusForbidden, http.StatusUnauthorized:
		return apperr.Authorization("subscribe %s: %s", resp.Channel, resp.Error)
	case http.StatusNotFound:
		return apperr.NotFound("subscribe %s: %s", resp.Channel, resp.Error)
	case http.StatusBadRequest:
		return apperr.Validation("subscribe %s: %s", resp.Channel, resp.Error)
	default:
		return apperr.Transport(nil, "subscribe %s: %d %s", resp.Channel, resp.ResponseCode, resp.Error)
	}
}

// subscribe asks the relay for channel, retrying transport failures.
func (t *Transport) subscribe(ctx context.Context, channel string) error {
	operation := func() error {
		resp, err := t.request(ctx, &relay.ClientMessage{Subscribe: &relay.Subscribe{Channel: channel}})
		if err == nil {
			err = responseError(resp)
		}
		if err != nil && !errors.Is(err, apperr.ErrTransport) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = requestTimeout * 3
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Subscribe registers h for channel. A channel has at most one
// subscription per transport.
func (t *Transport) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	sub := &subscription{t: t, channel: channel, handler: h}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if _, ok := t.subs[channel]; ok {
		t.mu.Unlock()
		return nil, apperr.Conflict("already subscribed to %s", channel)
	}
	t.subs[channel] = sub
	t.mu.Unlock()

	if err := t.subscribe(ctx, channel); err != nil {
		t.mu.Lock()
		if t.subs[channel] == sub {
			delete(t.subs, channel)
		}
		t.mu.Unlock()
		return nil, err
	}

	return sub, nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.Warnw("relay connection lost", "error", err)
				t.reconnect()
			}
			return
		}

		var msg relay.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.log.Debugw("malformed relay message", "error", err)
			continue
		}

		switch {
		case msg.Response != nil:
			t.mu.Lock()
			ch, ok := t.pending[msg.Id]
			t.mu.Unlock()
			if ok {
				ch <- msg.Response
			}
		case msg.Event != nil:
			select {
			case t.inbox <- msg.Event:
			case <-t.done:
				return
			}
		}
	}
}

func (t *Transport) dispatchLoop() {
	for {
		select {
		case env := <-t.inbox:
			t.dispatch(env)
		case <-t.done:
			return
		}
	}
}

func (t *Transport) dispatch(env *events.Envelope) {
	ev, err := events.Decode(env)
	if err != nil {
		t.log.Debugw("dropping event", "channel", env.Channel, "event", env.Event, "error", err)
		return
	}

	t.mu.Lock()
	sub, ok := t.subs[ev.Channel]
	t.mu.Unlock()
	if ok {
		sub.handler(ev)
	}
}

// reconnect redials, starts a new read loop and restores subscriptions.
func (t *Transport) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := t.dialWithBackoff(ctx)
	if err != nil {
		t.log.Errorw("relay reconnect failed", "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	channels := make([]string, 0, len(t.subs))
	for ch := range t.subs {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	go t.readLoop(conn)

	for _, ch := range channels {
		if err := t.subscribe(ctx, ch); err != nil {
			t.log.Warnw("resubscribe failed", "channel", ch, "error", err)
		}
	}
	t.log.Infow("relay reconnected", "channels", len(channels))
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()
	close(t.done)

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close relay connection: %w", err)
	}
	return nil
}
