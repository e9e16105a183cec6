package client

import (
	"testing"
	"time"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(id string) types.PresenceMember {
	return types.PresenceMember{Id: id, Info: types.PresenceInfo{Email: id + "@example.com", ActiveStatus: true}}
}

func TestPresenceRegistry_Handle(t *testing.T) {
	r := NewPresenceRegistry()
	r.now = func() time.Time { return at(100) }

	changes := 0
	r.OnChange(func() { changes++ })

	r.Handle(&events.Event{Kind: events.KindPresenceSnapshot, Members: []types.PresenceMember{member("u1"), member("u2")}})
	assert.True(t, r.IsActive("u1"))
	assert.True(t, r.IsActive("u2"))

	u3 := member("u3")
	r.Handle(&events.Event{Kind: events.KindMemberAdded, Member: &u3})
	assert.True(t, r.IsActive("u3"))
	info, ok := r.Info("u3")
	require.True(t, ok)
	assert.Equal(t, "u3@example.com", info.Email)

	gone := types.PresenceMember{Id: "u2", Info: types.PresenceInfo{LastSeen: at(50)}}
	r.Handle(&events.Event{Kind: events.KindMemberRemoved, Member: &gone})
	e, ok := r.Get("u2")
	require.True(t, ok, "a removed member keeps its entry")
	assert.False(t, e.ActiveStatus)
	assert.Equal(t, at(50), e.LastSeen)

	r.Handle(&events.Event{Kind: events.KindPresenceSnapshot, Members: []types.PresenceMember{member("u1")}})
	e, _ = r.Get("u3")
	assert.False(t, e.ActiveStatus, "members missing from a snapshot become inactive")
	assert.Equal(t, at(100), e.LastSeen)

	assert.Equal(t, 4, changes)

	ids := []string{}
	for _, e := range r.List() {
		ids = append(ids, e.UserId)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)
}

func TestPresenceRegistry_UpdateStatus(t *testing.T) {
	r := NewPresenceRegistry()
	r.UpdateStatus("u1", true, time.Time{})
	assert.True(t, r.IsActive("u1"))

	r.UpdateStatus("u1", false, at(7))
	e, _ := r.Get("u1")
	assert.False(t, e.ActiveStatus)
	assert.Equal(t, at(7), e.LastSeen)

	r.Remove("u9", time.Time{})
	assert.False(t, r.IsActive("u9"))

	r.Reset()
	assert.Empty(t, r.List())
	assert.False(t, r.IsActive("missing"))
}
