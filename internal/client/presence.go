package client

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/types"
)

// PresenceRegistry mirrors which users are connected to the relay. It is
// rebuilt from the presence channel's subscription snapshot and kept current
// by member added and removed events.
type PresenceRegistry struct {
	mu       sync.RWMutex
	entries  map[string]types.PresenceEntry
	info     map[string]types.PresenceInfo
	onChange func()
	now      func() time.Time
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		entries: make(map[string]types.PresenceEntry),
		info:    make(map[string]types.PresenceInfo),
		now:     time.Now,
	}
}

// OnChange registers fn to run after every mutation, outside the lock.
func (r *PresenceRegistry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *PresenceRegistry) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Set replaces the registry with a snapshot. Users missing from the
// snapshot keep their last known entry, marked inactive.
func (r *PresenceRegistry) Set(members []types.PresenceMember) {
	r.mu.Lock()
	online := make(map[string]struct{}, len(members))
	for _, m := range members {
		online[m.Id] = struct{}{}
		r.put(m, true)
	}
	for id, e := range r.entries {
		if _, ok := online[id]; !ok && e.ActiveStatus {
			e.ActiveStatus = false
			e.LastSeen = r.now()
			r.entries[id] = e
		}
	}
	r.mu.Unlock()

	r.changed()
}

func (r *PresenceRegistry) Add(m types.PresenceMember) {
	r.mu.Lock()
	r.put(m, true)
	r.mu.Unlock()

	r.changed()
}

func (r *PresenceRegistry) put(m types.PresenceMember, active bool) {
	r.entries[m.Id] = types.PresenceEntry{
		UserId:       m.Id,
		ActiveStatus: active,
		LastSeen:     m.Info.LastSeen,
	}
	r.info[m.Id] = m.Info
}

// Remove marks id offline and records when it was last seen. The entry is
// kept so "last seen" can still be shown.
func (r *PresenceRegistry) Remove(id string, lastSeen time.Time) {
	if lastSeen.IsZero() {
		lastSeen = r.now()
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = types.PresenceEntry{UserId: id}
	}
	e.ActiveStatus = false
	e.LastSeen = lastSeen
	r.entries[id] = e
	r.mu.Unlock()

	r.changed()
}

func (r *PresenceRegistry) UpdateStatus(id string, active bool, lastSeen time.Time) {
	r.mu.Lock()
	e := r.entries[id]
	e.UserId = id
	e.ActiveStatus = active
	if !lastSeen.IsZero() {
		e.LastSeen = lastSeen
	}
	r.entries[id] = e
	r.mu.Unlock()

	r.changed()
}

func (r *PresenceRegistry) Get(id string) (types.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *PresenceRegistry) Info(id string) (types.PresenceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.info[id]
	return i, ok
}

func (r *PresenceRegistry) IsActive(id string) bool {
	e, ok := r.Get(id)
	return ok && e.ActiveStatus
}

// List returns every known entry ordered by user id.
func (r *PresenceRegistry) List() []types.PresenceEntry {
	r.mu.RLock()
	out := make([]types.PresenceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

func (r *PresenceRegistry) Reset() {
	r.mu.Lock()
	r.entries = make(map[string]types.PresenceEntry)
	r.info = make(map[string]types.PresenceInfo)
	r.mu.Unlock()

	r.changed()
}

// Handle applies a presence channel event.
func (r *PresenceRegistry) Handle(ev *events.Event) {
	switch ev.Kind {
	case events.KindPresenceSnapshot:
		r.Set(ev.Members)
	case events.KindMemberAdded:
		r.Add(*ev.Member)
	case events.KindMemberRemoved:
		r.Remove(ev.Member.Id, ev.Member.Info.LastSeen)
	}
}
