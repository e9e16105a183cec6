package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/types"
)

var (
	alice = types.User{Id: "u1", Username: "alice", EmailAddress: "alice@example.com"}
	bob   = types.User{Id: "u2", Username: "bob", EmailAddress: "bob@example.com"}

	t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func msg(id, convId string, sec int) types.Message {
	return types.Message{
		Id:             id,
		ConversationId: convId,
		SenderId:       bob.Id,
		Body:           "body " + id,
		SeenIds:        []string{bob.Id},
		CreatedAt:      at(sec),
	}
}

// fakeBus delivers events synchronously to the handler subscribed to a
// channel.
type fakeBus struct {
	mu      sync.Mutex
	subs    map[string]*fakeSub
	history []string
	err     error
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]*fakeSub)}
}

type fakeSub struct {
	bus     *fakeBus
	channel string
	handler Handler
}

func (s *fakeSub) Channel() string { return s.channel }

func (s *fakeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.subs[s.channel] == s {
		delete(s.bus.subs, s.channel)
	}
	s.bus.history = append(s.bus.history, "unsubscribe "+s.channel)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if _, ok := b.subs[channel]; ok {
		return nil, apperr.Conflict("already subscribed to %s", channel)
	}
	s := &fakeSub{bus: b, channel: channel, handler: h}
	b.subs[channel] = s
	b.history = append(b.history, "subscribe "+channel)
	return s, nil
}

func (b *fakeBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[channel]
	return ok
}

func (b *fakeBus) log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.history...)
}

// deliver calls the handler of channel, if any, and reports whether one ran.
func (b *fakeBus) deliver(channel string, ev *events.Event) bool {
	b.mu.Lock()
	s, ok := b.subs[channel]
	b.mu.Unlock()
	if !ok {
		return false
	}
	ev.Channel = channel
	s.handler(ev)
	return true
}

// handlerFor returns the handler of channel so a test can call it after
// the subscription is gone.
func (b *fakeBus) handlerFor(channel string) Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[channel]; ok {
		return s.handler
	}
	return nil
}

func newMessageEvent(m types.Message) *events.Event {
	return &events.Event{Kind: events.KindMessageNew, Message: &m}
}

// fakeAPI implements API. SendMessage blocks on gate when set.
type fakeAPI struct {
	mu       sync.Mutex
	user     types.User
	convs    []types.Conversation
	messages map[string][]types.Message
	sent     []SendRequest
	seen     []string
	statuses []bool

	sendErr error
	reply   func(req SendRequest) types.Message
	gate    chan struct{}
	suggest func(ctx context.Context, topic string) (string, error)
	nextId  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{user: alice, messages: make(map[string][]types.Message)}
}

func (a *fakeAPI) SendMessage(ctx context.Context, req SendRequest) (types.Message, error) {
	if a.gate != nil {
		<-a.gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, req)
	if a.sendErr != nil {
		return types.Message{}, a.sendErr
	}
	if a.reply != nil {
		return a.reply(req), nil
	}
	a.nextId++
	return types.Message{
		Id:             fmt.Sprintf("srv-%d", a.nextId),
		ConversationId: req.ConversationId,
		SenderId:       a.user.Id,
		Body:           req.Body,
		ImageUrl:       req.ImageUrl,
		ClientId:       req.ClientId,
		SeenIds:        []string{a.user.Id},
		CreatedAt:      time.Now(),
	}, nil
}

func (a *fakeAPI) MarkSeen(ctx context.Context, conversationId string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, conversationId)
	return nil
}

func (a *fakeAPI) seenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func (a *fakeAPI) Suggest(ctx context.Context, topic string) (string, error) {
	if a.suggest != nil {
		return a.suggest(ctx, topic)
	}
	return "suggested " + topic, nil
}

func (a *fakeAPI) Session(ctx context.Context) (types.User, error) {
	return a.user, nil
}

func (a *fakeAPI) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	return a.convs, nil
}

func (a *fakeAPI) GetMessages(ctx context.Context, conversationId string) ([]types.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs, ok := a.messages[conversationId]
	if !ok {
		return nil, apperr.NotFound("conversation %q", conversationId)
	}
	return msgs, nil
}

func (a *fakeAPI) SetStatus(ctx context.Context, online bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = append(a.statuses, online)
	return nil
}

var errBoom = errors.New("boom")
