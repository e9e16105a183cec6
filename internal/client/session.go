package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

const statusTimeout = 5 * time.Second

// API is the part of the HTTP API a session depends on.
type API interface {
	Sender
	Seener
	Suggester
	Session(ctx context.Context) (types.User, error)
	ListConversations(ctx context.Context) ([]types.Conversation, error)
	GetMessages(ctx context.Context, conversationId string) ([]types.Message, error)
	SetStatus(ctx context.Context, online bool) error
}

type SessionOption interface {
	apply(*Session)
}

type sessionOptionFunc func(s *Session)

func (f sessionOptionFunc) apply(s *Session) { f(s) }

func WithSessionUploader(u Uploader) SessionOption {
	return sessionOptionFunc(func(s *Session) {
		s.uploader = u
	})
}

// WithActiveDeleted is called after the open conversation was deleted and
// released.
func WithActiveDeleted(fn func(types.Conversation)) SessionOption {
	return sessionOptionFunc(func(s *Session) {
		s.activeDeleted = fn
	})
}

// Session owns the realtime state of one signed in user. Nothing it holds
// outlives Close.
type Session struct {
	log           *zap.SugaredLogger
	api           API
	bus           Bus
	user          types.User
	uploader      Uploader
	activeDeleted func(types.Conversation)

	Presence      *PresenceRegistry
	Messages      *MessageStore
	Conversations *ConversationList

	binder      *Binder
	presenceSub Subscription

	mu       sync.Mutex
	composer *Composer
	closed   bool
}

// OpenSession loads the signed in user and their conversations, subscribes
// to the personal and presence channels and reports the user online.
func OpenSession(ctx context.Context, logger *zap.SugaredLogger, api API, bus Bus, opts ...SessionOption) (*Session, error) {
	user, err := api.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	s := &Session{
		log:      logger.With("user", user.Id),
		api:      api,
		bus:      bus,
		user:     user,
		Presence: NewPresenceRegistry(),
		Messages: NewMessageStore(),
	}
	for _, o := range opts {
		o.apply(s)
	}
	s.binder = NewBinder(s.log, bus, s.Messages, api)
	s.Conversations = NewConversationList(s.log, s.activeConversation, s.onActiveDeleted)

	convs, err := api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	if err := s.Conversations.Start(ctx, bus, user.EmailAddress, convs); err != nil {
		return nil, err
	}

	s.presenceSub, err = bus.Subscribe(ctx, events.PresenceChannel, s.Presence.Handle)
	if err != nil {
		s.Conversations.Stop()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}

	s.setStatus(true)
	return s, nil
}

func (s *Session) User() types.User {
	return s.user
}

func (s *Session) activeConversation() string {
	if bd := s.binder.Current(); bd != nil {
		return bd.ConversationId()
	}
	return ""
}

func (s *Session) onActiveDeleted(conv types.Conversation) {
	s.closeComposer()
	if err := s.binder.Release(); err != nil {
		s.log.Warnw("release deleted conversation", "conversation", conv.Id, "error", err)
	}
	if s.activeDeleted != nil {
		s.activeDeleted(conv)
	}
}

func (s *Session) closeComposer() {
	s.mu.Lock()
	c := s.composer
	s.composer = nil
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// OpenConversation fetches a conversation's history, binds it and returns
// a composer for it. Any previously open conversation is released.
func (s *Session) OpenConversation(ctx context.Context, conversationId string) (*Binding, *Composer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, errors.New("session closed")
	}
	if c := s.composer; c != nil && c.conversationId == conversationId {
		s.mu.Unlock()
		if bd := s.binder.Current(); bd != nil && bd.ConversationId() == conversationId {
			return bd, c, nil
		}
	} else {
		s.mu.Unlock()
	}

	msgs, err := s.api.GetMessages(ctx, conversationId)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}

	s.closeComposer()
	bd, err := s.binder.Bind(ctx, conversationId, msgs)
	if err != nil {
		return nil, nil, err
	}

	opts := []ComposerOption{WithSuggester(s.api)}
	if s.uploader != nil {
		opts = append(opts, WithUploader(s.uploader))
	}
	c := NewComposer(s.log, s.Messages, s.api, s.user, conversationId, opts...)

	s.mu.Lock()
	s.composer = c
	s.mu.Unlock()

	return bd, c, nil
}

// CloseConversation releases the open conversation, if any.
func (s *Session) CloseConversation() error {
	s.closeComposer()
	return s.binder.Release()
}

func (s *Session) setStatus(online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if err := s.api.SetStatus(ctx, online); err != nil {
		s.log.Debugw("set status failed", "online", online, "error", err)
	}
}

// Close releases every subscription, clears local state and reports the
// user offline.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeComposer()
	errs := []error{s.binder.Release(), s.Conversations.Stop()}
	if s.presenceSub != nil {
		errs = append(errs, s.presenceSub.Unsubscribe())
	}
	s.Presence.Reset()
	s.Messages.Clear()
	s.setStatus(false)

	return errors.Join(errs...)
}
