package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeAuthorizer struct {
	members map[string][]string
}

func (f *fakeAuthorizer) AuthorizeChannel(ctx context.Context, user types.User, channel string) error {
	kind, subject, ok := events.ParseChannel(channel)
	if !ok {
		return apperr.NotFound("channel %q", channel)
	}
	switch kind {
	case events.ChannelUser:
		if subject != user.EmailAddress {
			return apperr.Authorization("not your channel")
		}
	case events.ChannelConversation:
		for _, id := range f.members[subject] {
			if id == user.Id {
				return nil
			}
		}
		return apperr.Authorization("not a member")
	}
	return nil
}

type fakePresence struct {
	mu    sync.Mutex
	calls map[string][]bool
}

func (f *fakePresence) SetPresence(ctx context.Context, userId string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]bool)
	}
	f.calls[userId] = append(f.calls[userId], online)
	return nil
}

func (f *fakePresence) get(userId string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls[userId]...)
}

func newTestStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()
	return su
}

func newTestHub(t *testing.T, auth ChannelAuthorizer, presence PresenceHook) *Hub {
	h, err := NewHub(testutil.TestLogger(t), auth, presence, newTestStats())
	require.NoError(t, err, "expected no error creating hub")
	go h.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

var testUsers = map[string]types.User{
	"u1": {Id: "u1", Username: "alice", EmailAddress: "alice@example.com"},
	"u2": {Id: "u2", Username: "bob", EmailAddress: "bob@example.com"},
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := testUsers[r.URL.Query().Get("user")]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(user, conn, h, testutil.TestLogger(t))
		if err := h.Register(c); err != nil {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "expected dial to succeed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireMessage struct {
	Id       int              `json:"id"`
	Response *Response        `json:"response"`
	Event    *events.Envelope `json:"event"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wireMessage) bool) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "expected to read a message")
		var msg wireMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		if match(msg) {
			return msg
		}
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, id int, channel string) *Response {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: id}, Subscribe: &Subscribe{Channel: channel}}))
	msg := readUntil(t, conn, func(m wireMessage) bool { return m.Id == id && m.Response != nil })
	return msg.Response
}

func isEvent(name string) func(wireMessage) bool {
	return func(m wireMessage) bool { return m.Event != nil && m.Event.Event == name }
}

func TestHub_SubscribeAndPublish(t *testing.T) {
	h := newTestHub(t, &fakeAuthorizer{members: map[string][]string{"c1": {"u1", "u2"}}}, nil)
	srv := newTestServer(t, h)

	a := dial(t, srv, "u1")
	b := dial(t, srv, "u2")

	assert.Equal(t, http.StatusOK, subscribe(t, a, 1, events.ConversationChannel("c1")).ResponseCode)
	assert.Equal(t, http.StatusOK, subscribe(t, b, 1, events.ConversationChannel("c1")).ResponseCode)

	msg := types.Message{Id: "m1", ConversationId: "c1", SenderId: "u1", Body: "hello"}
	require.NoError(t, h.Publish(context.Background(), events.ConversationChannel("c1"), events.MessageNew, msg))

	for _, conn := range []*websocket.Conn{a, b} {
		got := readUntil(t, conn, isEvent(events.MessageNew))
		ev, err := events.Decode(got.Event)
		require.NoError(t, err)
		assert.Equal(t, "hello", ev.Message.Body)
	}
}

func TestHub_SubscribeDenied(t *testing.T) {
	h := newTestHub(t, &fakeAuthorizer{members: map[string][]string{"c1": {"u1"}}}, nil)
	srv := newTestServer(t, h)
	b := dial(t, srv, "u2")

	tcases := []struct {
		name    string
		channel string
		code    int
	}{
		{name: "not a member", channel: events.ConversationChannel("c1"), code: http.StatusForbidden},
		{name: "someone else's user channel", channel: events.UserChannel("alice@example.com"), code: http.StatusForbidden},
		{name: "unknown channel", channel: "private-x", code: http.StatusNotFound},
	}

	for i, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			res := subscribe(t, b, i+1, tc.channel)
			assert.Equal(t, tc.code, res.ResponseCode)
		})
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := newTestHub(t, &fakeAuthorizer{}, nil)
	srv := newTestServer(t, h)
	a := dial(t, srv, "u1")

	channel := events.UserChannel("alice@example.com")
	require.Equal(t, http.StatusOK, subscribe(t, a, 1, channel).ResponseCode)

	require.NoError(t, a.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: 2}, Unsubscribe: &Unsubscribe{Channel: channel}}))
	readUntil(t, a, func(m wireMessage) bool { return m.Id == 2 && m.Response != nil })

	require.NoError(t, h.Publish(context.Background(), channel, events.ConversationDelete, types.Conversation{Id: "c1"}))
	require.NoError(t, h.Publish(context.Background(), events.UserChannel("bob@example.com"), events.ConversationDelete, types.Conversation{Id: "c1"}))

	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "expected no event after unsubscribe")
}

func TestHub_Presence(t *testing.T) {
	presence := &fakePresence{}
	h := newTestHub(t, &fakeAuthorizer{}, presence)
	srv := newTestServer(t, h)

	a := dial(t, srv, "u1")
	require.Equal(t, http.StatusOK, subscribe(t, a, 1, events.PresenceChannel).ResponseCode)
	snap := readUntil(t, a, isEvent(events.SubscriptionSucceeded))
	ev, err := events.Decode(snap.Event)
	require.NoError(t, err)
	require.Len(t, ev.Members, 1)
	assert.Equal(t, "u1", ev.Members[0].Id)

	b := dial(t, srv, "u2")
	require.Equal(t, http.StatusOK, subscribe(t, b, 1, events.PresenceChannel).ResponseCode)
	snap = readUntil(t, b, isEvent(events.SubscriptionSucceeded))
	ev, err = events.Decode(snap.Event)
	require.NoError(t, err)
	assert.Len(t, ev.Members, 2)

	added := readUntil(t, a, isEvent(events.MemberAdded))
	ev, err = events.Decode(added.Event)
	require.NoError(t, err)
	assert.Equal(t, "u2", ev.Member.Id)
	assert.Equal(t, "bob@example.com", ev.Member.Info.Email)

	b.Close()
	removed := readUntil(t, a, isEvent(events.MemberRemoved))
	ev, err = events.Decode(removed.Event)
	require.NoError(t, err)
	assert.Equal(t, "u2", ev.Member.Id)
	assert.False(t, ev.Member.Info.ActiveStatus)

	assert.Eventually(t, func() bool {
		calls := presence.get("u2")
		return len(calls) == 2 && calls[0] && !calls[1]
	}, time.Second, 10*time.Millisecond, "expected online then offline presence updates")
}

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := NoErrOK(1, "conversation:c1")

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"channel":"conversation:c1"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err)
	assert.JSONEq(t, expected, string(bytes))
}

func TestChannel_addRemoveClient(t *testing.T) {
	h, err := NewHub(testutil.TestLogger(t), &fakeAuthorizer{}, nil, newTestStats())
	require.NoError(t, err)

	ch := newChannel(h, events.PresenceChannel, events.ChannelPresence)
	ch.killTimer = time.NewTimer(idleChannelTimeout)
	ch.killTimer.Stop()

	user := types.User{Id: "u1"}
	c1 := &Client{user: user, channels: make(map[string]*Channel), log: testutil.TestLogger(t)}
	c2 := &Client{user: user, channels: make(map[string]*Channel), log: testutil.TestLogger(t)}

	assert.True(t, ch.addClient(c1), "expected first client for user")
	assert.False(t, ch.addClient(c2), "expected second client not to be first")
	assert.Equal(t, 1, ch.userCount())
	assert.Equal(t, ch, c1.getChannel(ch.name))

	last, ok := ch.removeClient(c1)
	assert.True(t, ok)
	assert.False(t, last, "expected user to still have a client")

	last, ok = ch.removeClient(c2)
	assert.True(t, ok)
	assert.True(t, last, "expected last client for user")
	assert.Nil(t, c2.getChannel(ch.name))

	_, ok = ch.removeClient(c2)
	assert.False(t, ok, "expected removing twice to report not subscribed")
}

func TestChannel_handleExitRefusedWithClients(t *testing.T) {
	h, err := NewHub(testutil.TestLogger(t), &fakeAuthorizer{}, nil, newTestStats())
	require.NoError(t, err)

	ch := newChannel(h, events.ConversationChannel("c1"), events.ChannelConversation)
	ch.killTimer = time.NewTimer(idleChannelTimeout)
	ch.killTimer.Stop()
	c := &Client{user: types.User{Id: "u1"}, channels: make(map[string]*Channel), log: testutil.TestLogger(t)}
	ch.addClient(c)

	done := make(chan bool, 1)
	assert.False(t, ch.handleExit(exitReq{done: done}))
	assert.False(t, <-done)

	assert.True(t, ch.handleExit(exitReq{shutdown: true, done: done}))
	assert.True(t, <-done)
	assert.Nil(t, c.getChannel(ch.name), "expected channel removed from client")
}

func TestChannel_handleTimeout(t *testing.T) {
	h, err := NewHub(testutil.TestLogger(t), &fakeAuthorizer{}, nil, newTestStats())
	require.NoError(t, err)

	ch := newChannel(h, events.ConversationChannel("c1"), events.ChannelConversation)
	ch.handleTimeout()

	select {
	case name := <-h.unloadChan:
		assert.Equal(t, ch.name, name)
	default:
		t.Error("timeout: handleTimeout did not send unload request")
	}
}
