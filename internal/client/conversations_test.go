package client

import (
	"context"
	"testing"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conv(id string, preview ...types.Message) types.Conversation {
	return types.Conversation{
		Id:        id,
		Name:      "conv " + id,
		MemberIds: []string{alice.Id, bob.Id},
		Members:   []types.User{alice, bob},
		Messages:  preview,
	}
}

func convIds(convs []types.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.Id
	}
	return out
}

func TestNewConversationList_RequiresCallback(t *testing.T) {
	assert.Panics(t, func() {
		NewConversationList(testutil.TestLogger(t), nil, nil)
	})
}

func TestConversationList_Events(t *testing.T) {
	active := "c1"
	var deleted []string
	l := NewConversationList(testutil.TestLogger(t), func() string { return active }, func(c types.Conversation) {
		deleted = append(deleted, c.Id)
	})

	bus := newFakeBus()
	require.NoError(t, l.Start(context.Background(), bus, alice.EmailAddress, []types.Conversation{conv("c1"), conv("c2")}))
	ch := events.UserChannel(alice.EmailAddress)
	require.True(t, bus.subscribed(ch))

	changes := 0
	l.OnChange(func([]types.Conversation) { changes++ })

	t.Run("new prepends", func(t *testing.T) {
		c3 := conv("c3")
		bus.deliver(ch, &events.Event{Kind: events.KindConversationNew, Conversation: &c3})
		bus.deliver(ch, &events.Event{Kind: events.KindConversationNew, Conversation: &c3})
		assert.Equal(t, []string{"c3", "c1", "c2"}, convIds(l.List()))
		assert.Equal(t, 1, changes, "duplicate new event must not change the list")
	})

	t.Run("update replaces preview only", func(t *testing.T) {
		upd := conv("c2", msg("m9", "c2", 9))
		upd.Name = "renamed"
		bus.deliver(ch, &events.Event{Kind: events.KindConversationUpdate, Conversation: &upd})

		got, ok := l.Get("c2")
		require.True(t, ok)
		assert.Equal(t, "conv c2", got.Name)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "m9", got.Messages[0].Id)
		assert.Equal(t, []string{"c3", "c1", "c2"}, convIds(l.List()), "update must not reorder")

		missing := conv("zz")
		bus.deliver(ch, &events.Event{Kind: events.KindConversationUpdate, Conversation: &missing})
		_, ok = l.Get("zz")
		assert.False(t, ok, "update of an unknown conversation must not add it")
	})

	t.Run("delete inactive", func(t *testing.T) {
		c2 := conv("c2")
		bus.deliver(ch, &events.Event{Kind: events.KindConversationDelete, Conversation: &c2})
		assert.Equal(t, []string{"c3", "c1"}, convIds(l.List()))
		assert.Empty(t, deleted)
	})

	t.Run("delete active", func(t *testing.T) {
		c1 := conv("c1")
		bus.deliver(ch, &events.Event{Kind: events.KindConversationDelete, Conversation: &c1})
		assert.Equal(t, []string{"c3"}, convIds(l.List()))
		assert.Equal(t, []string{"c1"}, deleted)
	})

	require.NoError(t, l.Stop())
	assert.False(t, bus.subscribed(ch))
	assert.Empty(t, l.List())
}

func TestSenderLabel(t *testing.T) {
	m := msg("m1", "c1", 1)
	withSender := m
	withSender.Sender = &bob
	stranger := m
	stranger.SenderId = "u9"

	anon := conv("c1")
	anon.IsAnonymous = true

	tcases := []struct {
		name   string
		conv   types.Conversation
		msg    types.Message
		viewer string
		want   string
	}{
		{name: "own message", conv: anon, msg: m, viewer: bob.Id, want: "You"},
		{name: "anonymous", conv: anon, msg: withSender, viewer: alice.Id, want: "Anonymous"},
		{name: "embedded sender", conv: conv("c1"), msg: withSender, viewer: alice.Id, want: "bob"},
		{name: "member lookup", conv: conv("c1"), msg: m, viewer: alice.Id, want: "bob"},
		{name: "unknown", conv: conv("c1"), msg: stranger, viewer: alice.Id, want: "Unknown"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SenderLabel(tc.conv, tc.msg, tc.viewer))
		})
	}
}
