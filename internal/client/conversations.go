package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

// ConversationList mirrors the session user's conversations from their
// personal channel.
type ConversationList struct {
	log             *zap.SugaredLogger
	onActiveDeleted func(types.Conversation)
	active          func() string

	mu       sync.RWMutex
	convs    []types.Conversation
	sub      Subscription
	onChange func([]types.Conversation)
}

// NewConversationList requires onActiveDeleted, which is called when the
// conversation reported by active is deleted.
func NewConversationList(logger *zap.SugaredLogger, active func() string, onActiveDeleted func(types.Conversation)) *ConversationList {
	if onActiveDeleted == nil {
		panic("client: ConversationList requires an active-deleted callback")
	}

	return &ConversationList{
		log:             logger,
		active:          active,
		onActiveDeleted: onActiveDeleted,
	}
}

// Start seeds the list and subscribes to email's personal channel.
func (l *ConversationList) Start(ctx context.Context, bus Bus, email string, initial []types.Conversation) error {
	l.Reset(initial)

	sub, err := bus.Subscribe(ctx, events.UserChannel(email), l.Handle)
	if err != nil {
		return fmt.Errorf("subscribe conversation list: %w", err)
	}

	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	return nil
}

func (l *ConversationList) Stop() error {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.convs = nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (l *ConversationList) OnChange(fn func([]types.Conversation)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *ConversationList) Reset(convs []types.Conversation) {
	l.mu.Lock()
	l.convs = slices.Clone(convs)
	l.mu.Unlock()

	l.changed()
}

func (l *ConversationList) List() []types.Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.convs)
}

func (l *ConversationList) Get(id string) (types.Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexLocked(id); i >= 0 {
		return l.convs[i], true
	}
	return types.Conversation{}, false
}

func (l *ConversationList) indexLocked(id string) int {
	return slices.IndexFunc(l.convs, func(c types.Conversation) bool { return c.Id == id })
}

func (l *ConversationList) changed() {
	l.mu.RLock()
	fn := l.onChange
	convs := slices.Clone(l.convs)
	l.mu.RUnlock()
	if fn != nil {
		fn(convs)
	}
}

// Handle applies a personal channel event.
func (l *ConversationList) Handle(ev *events.Event) {
	if ev.Conversation == nil {
		return
	}
	conv := *ev.Conversation

	switch ev.Kind {
	case events.KindConversationNew:
		l.add(conv)
	case events.KindConversationUpdate:
		l.updatePreview(conv)
	case events.KindConversationDelete:
		l.remove(conv)
	}
}

func (l *ConversationList) add(conv types.Conversation) {
	l.mu.Lock()
	if l.indexLocked(conv.Id) >= 0 {
		l.mu.Unlock()
		return
	}
	l.convs = append([]types.Conversation{conv}, l.convs...)
	l.mu.Unlock()

	l.changed()
}

// updatePreview only touches the message preview.
func (l *ConversationList) updatePreview(conv types.Conversation) {
	l.mu.Lock()
	i := l.indexLocked(conv.Id)
	if i < 0 {
		l.mu.Unlock()
		return
	}
	l.convs[i].Messages = conv.Messages
	l.mu.Unlock()

	l.changed()
}

func (l *ConversationList) remove(conv types.Conversation) {
	l.mu.Lock()
	i := l.indexLocked(conv.Id)
	if i >= 0 {
		l.convs = slices.Delete(l.convs, i, i+1)
	}
	l.mu.Unlock()

	if i >= 0 {
		l.changed()
	}
	if l.active != nil && l.active() == conv.Id {
		l.onActiveDeleted(conv)
	}
}

// SenderLabel is the name to show for a message's sender. Other members of
// an anonymous conversation are not identified.
func SenderLabel(conv types.Conversation, msg types.Message, viewerId string) string {
	if msg.SenderId == viewerId {
		return "You"
	}
	if conv.IsAnonymous {
		return "Anonymous"
	}
	if msg.Sender != nil && msg.Sender.Username != "" {
		return msg.Sender.Username
	}
	for _, u := range conv.Members {
		if u.Id == msg.SenderId {
			return u.Username
		}
	}
	return "Unknown"
}
