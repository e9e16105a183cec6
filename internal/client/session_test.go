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

func TestSession_Lifecycle(t *testing.T) {
	api := newFakeAPI()
	api.convs = []types.Conversation{conv("c1"), conv("c2")}
	api.messages["c1"] = []types.Message{msg("m1", "c1", 1)}
	api.messages["c2"] = []types.Message{msg("n1", "c2", 1)}
	bus := newFakeBus()

	var deleted []string
	s, err := OpenSession(context.Background(), testutil.TestLogger(t), api, bus, WithActiveDeleted(func(c types.Conversation) {
		deleted = append(deleted, c.Id)
	}))
	require.NoError(t, err)
	assert.Equal(t, alice, s.User())
	assert.Equal(t, []string{"c1", "c2"}, convIds(s.Conversations.List()))
	assert.True(t, bus.subscribed(events.UserChannel(alice.EmailAddress)))
	assert.True(t, bus.subscribed(events.PresenceChannel))

	snapshot := []types.PresenceMember{member(alice.Id), member(bob.Id)}
	bus.deliver(events.PresenceChannel, &events.Event{Kind: events.KindPresenceSnapshot, Members: snapshot})
	assert.True(t, s.Presence.IsActive(bob.Id))

	_, c1, err := s.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	_, err = c1.Send(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Len(t, s.Messages.View(), 2)

	_, _, err = s.OpenConversation(context.Background(), "c2")
	require.NoError(t, err)
	assert.False(t, bus.subscribed(events.ConversationChannel("c1")))
	assert.Equal(t, []string{"n1"}, keys(s.Messages.View()))

	_, err = c1.Send(context.Background(), "late", "")
	assert.Error(t, err, "a composer for a closed conversation must not send")

	c2 := conv("c2")
	bus.deliver(events.UserChannel(alice.EmailAddress), &events.Event{Kind: events.KindConversationDelete, Conversation: &c2})
	assert.Equal(t, []string{"c2"}, deleted)
	assert.False(t, bus.subscribed(events.ConversationChannel("c2")))
	assert.Empty(t, s.Messages.View())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, bus.subscribed(events.PresenceChannel))
	assert.False(t, bus.subscribed(events.UserChannel(alice.EmailAddress)))
	assert.Empty(t, s.Presence.List())

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []bool{true, false}, api.statuses)
}

func TestSession_OpenMissingConversation(t *testing.T) {
	api := newFakeAPI()
	s, err := OpenSession(context.Background(), testutil.TestLogger(t), api, newFakeBus())
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.OpenConversation(context.Background(), "nope")
	assert.Error(t, err)
	assert.Nil(t, s.binder.Current())
}
