package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

const markSeenTimeout = 10 * time.Second

// Seener records that the session user has seen a conversation.
type Seener interface {
	MarkSeen(ctx context.Context, conversationId string) error
}

// Binder keeps at most one conversation bound to the message store.
type Binder struct {
	log   *zap.SugaredLogger
	bus   Bus
	store *MessageStore
	seen  Seener

	// bindMu serializes Bind calls; mu only guards current so handlers
	// never wait on a subscribe in flight.
	bindMu  sync.Mutex
	mu      sync.Mutex
	current *Binding
}

func NewBinder(logger *zap.SugaredLogger, bus Bus, store *MessageStore, seen Seener) *Binder {
	return &Binder{
		log:   logger,
		bus:   bus,
		store: store,
		seen:  seen,
	}
}

// Binding is the live subscription of one open conversation.
type Binding struct {
	binder         *Binder
	conversationId string
	sub            Subscription
	ctx            context.Context
	cancel         context.CancelFunc

	mu       sync.Mutex
	released bool
}

// Bind seeds the store with initial and subscribes to the conversation's
// channel. Binding the open conversation again returns its binding; binding
// another one releases the current binding first.
func (b *Binder) Bind(ctx context.Context, conversationId string, initial []types.Message) (*Binding, error) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	b.mu.Lock()
	prev := b.current
	if prev != nil && prev.conversationId == conversationId {
		b.mu.Unlock()
		return prev, nil
	}
	b.current = nil
	b.mu.Unlock()

	if prev != nil {
		if err := prev.release(); err != nil {
			b.log.Warnw("release binding", "conversation", prev.conversationId, "error", err)
		}
	}

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bd := &Binding{
		binder:         b,
		conversationId: conversationId,
		ctx:            bctx,
		cancel:         cancel,
	}

	b.store.Reset(conversationId, initial)
	sub, err := b.bus.Subscribe(ctx, events.ConversationChannel(conversationId), bd.handle)
	if err != nil {
		cancel()
		b.store.Clear()
		return nil, fmt.Errorf("bind conversation %q: %w", conversationId, err)
	}
	bd.sub = sub

	b.mu.Lock()
	b.current = bd
	b.mu.Unlock()

	bd.markSeen()
	return bd, nil
}

// Current returns the bound conversation, or nil.
func (b *Binder) Current() *Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Release unbinds whatever conversation is open.
func (b *Binder) Release() error {
	b.mu.Lock()
	cur := b.current
	b.current = nil
	b.mu.Unlock()

	if cur == nil {
		return nil
	}
	return cur.release()
}

func (bd *Binding) ConversationId() string {
	return bd.conversationId
}

// Release unsubscribes and drops the conversation's local state. It is safe
// to call more than once.
func (bd *Binding) Release() error {
	b := bd.binder
	b.mu.Lock()
	if b.current == bd {
		b.current = nil
	}
	b.mu.Unlock()

	return bd.release()
}

func (bd *Binding) release() error {
	bd.mu.Lock()
	if bd.released {
		bd.mu.Unlock()
		return nil
	}
	bd.released = true
	bd.mu.Unlock()

	bd.cancel()
	var err error
	if bd.sub != nil {
		err = bd.sub.Unsubscribe()
	}
	if bd.binder.store.ConversationId() == bd.conversationId {
		bd.binder.store.Clear()
	}
	return err
}

func (bd *Binding) isReleased() bool {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.released
}

func (bd *Binding) handle(ev *events.Event) {
	if bd.isReleased() {
		return
	}

	store := bd.binder.store
	switch ev.Kind {
	case events.KindMessageNew:
		if ev.Message.ConversationId != bd.conversationId {
			return
		}
		if store.AddConfirmed(*ev.Message) {
			bd.markSeen()
		}
	case events.KindMessageUpdate:
		if ev.Message.ConversationId == bd.conversationId {
			store.UpdateConfirmed(*ev.Message)
		}
	case events.KindMessageDelete:
		if ev.MessageRef.ConversationId == bd.conversationId {
			store.RemoveConfirmed(ev.MessageRef.Id)
		}
	}
}

func (bd *Binding) markSeen() {
	if bd.binder.seen == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(bd.ctx, markSeenTimeout)
		defer cancel()
		if err := bd.binder.seen.MarkSeen(ctx, bd.conversationId); err != nil && bd.ctx.Err() == nil {
			bd.binder.log.Debugw("mark seen failed", "conversation", bd.conversationId, "error", err)
		}
	}()
}
