package client

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

type Status int

const (
	StatusPending Status = iota
	StatusFailed
)

func (s Status) String() string {
	if s == StatusFailed {
		return "failed"
	}
	return "pending"
}

// Provisional is a message that has been sent but not yet confirmed by the
// server. It only ever exists on the sending client.
type Provisional struct {
	TempId         string
	ConversationId string
	Body           string
	ImageUrl       string
	Status         Status
	CreatedAt      time.Time
	Sender         types.User
}

// Entry is one row of a conversation view. Exactly one of Message and
// Provisional is set.
type Entry struct {
	Message     *types.Message
	Provisional *Provisional
}

func (e Entry) Key() string {
	if e.Message != nil {
		return e.Message.Id
	}
	return e.Provisional.TempId
}

func (e Entry) CreatedAt() time.Time {
	if e.Message != nil {
		return e.Message.CreatedAt
	}
	return e.Provisional.CreatedAt
}

type storedMessage struct {
	msg types.Message
	seq uint64
}

type storedProvisional struct {
	p   Provisional
	seq uint64
}

// MessageStore holds the confirmed and provisional messages of the open
// conversation. Observers receive a fresh view after each mutation, in
// mutation order, and never while the store is locked.
type MessageStore struct {
	mu             sync.Mutex
	conversationId string
	confirmed      map[string]*storedMessage
	provisional    map[string]*storedProvisional
	seq            uint64
	version        uint64

	notifyMu     sync.Mutex
	notified     uint64
	observers    map[int]func([]Entry)
	nextObserver int
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		confirmed:   make(map[string]*storedMessage),
		provisional: make(map[string]*storedProvisional),
		observers:   make(map[int]func([]Entry)),
	}
}

// Observe registers fn and returns a function that removes it.
func (s *MessageStore) Observe(fn func([]Entry)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn

	return func() {
		s.notifyMu.Lock()
		delete(s.observers, id)
		s.notifyMu.Unlock()
	}
}

// commit must be called with mu held. It returns the view to publish.
func (s *MessageStore) commit() (uint64, []Entry) {
	s.version++
	return s.version, s.viewLocked()
}

func (s *MessageStore) publish(version uint64, view []Entry) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if version <= s.notified {
		return
	}
	s.notified = version
	for _, fn := range s.observers {
		fn(view)
	}
}

func (s *MessageStore) ConversationId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationId
}

// Reset drops all state and seeds the store with a conversation's history.
func (s *MessageStore) Reset(conversationId string, initial []types.Message) {
	s.mu.Lock()
	s.conversationId = conversationId
	s.confirmed = make(map[string]*storedMessage, len(initial))
	s.provisional = make(map[string]*storedProvisional)
	for _, m := range initial {
		if m.ConversationId != conversationId {
			continue
		}
		s.addLocked(m)
	}
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
}

func (s *MessageStore) Clear() {
	s.Reset("", nil)
}

func (s *MessageStore) addLocked(m types.Message) bool {
	if _, ok := s.confirmed[m.Id]; ok {
		return false
	}
	s.seq++
	s.confirmed[m.Id] = &storedMessage{msg: m, seq: s.seq}
	return true
}

// AddConfirmed appends m unless its id is already present or it belongs to
// another conversation. The provisional entry named by m's client id is
// dropped in the same mutation.
func (s *MessageStore) AddConfirmed(m types.Message) bool {
	s.mu.Lock()
	if m.ConversationId != s.conversationId || !s.addLocked(m) {
		s.mu.Unlock()
		return false
	}
	if tempId, ok := s.echoedLocked(m); ok {
		delete(s.provisional, tempId)
	}
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
	return true
}

// UpdateConfirmed replaces a known message in place. Seen ids already
// recorded locally are kept.
func (s *MessageStore) UpdateConfirmed(m types.Message) bool {
	s.mu.Lock()
	cur, ok := s.confirmed[m.Id]
	if !ok || m.ConversationId != s.conversationId {
		s.mu.Unlock()
		return false
	}
	m.SeenIds = mergeSeen(cur.msg.SeenIds, m.SeenIds)
	cur.msg = m
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
	return true
}

func mergeSeen(have, incoming []string) []string {
	out := slices.Clone(have)
	for _, id := range incoming {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// echoedLocked reports the provisional entry whose temp id m carries as its
// client id.
func (s *MessageStore) echoedLocked(m types.Message) (string, bool) {
	if m.ClientId == "" {
		return "", false
	}
	if _, ok := s.provisional[m.ClientId]; !ok {
		return "", false
	}
	return m.ClientId, true
}

func (s *MessageStore) RemoveConfirmed(id string) bool {
	s.mu.Lock()
	if _, ok := s.confirmed[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.confirmed, id)
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
	return true
}

func (s *MessageStore) newestConfirmedLocked() time.Time {
	var newest time.Time
	for _, m := range s.confirmed {
		if m.msg.CreatedAt.After(newest) {
			newest = m.msg.CreatedAt
		}
	}
	return newest
}

// AddProvisional makes p visible. Its CreatedAt is raised to the newest
// confirmed message so it trails the history.
func (s *MessageStore) AddProvisional(p Provisional) bool {
	s.mu.Lock()
	if p.ConversationId != s.conversationId {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.provisional[p.TempId]; ok {
		s.mu.Unlock()
		return false
	}
	if newest := s.newestConfirmedLocked(); p.CreatedAt.Before(newest) {
		p.CreatedAt = newest
	}
	s.seq++
	s.provisional[p.TempId] = &storedProvisional{p: p, seq: s.seq}
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
	return true
}

// Confirm swaps a provisional entry for its server copy in one mutation. If
// the relay already delivered the confirmed message only the provisional
// entry is dropped.
func (s *MessageStore) Confirm(tempId string, m types.Message) bool {
	s.mu.Lock()
	_, hadProvisional := s.provisional[tempId]
	delete(s.provisional, tempId)
	added := false
	if m.ConversationId == s.conversationId {
		added = s.addLocked(m)
	}
	if !hadProvisional && !added {
		s.mu.Unlock()
		return false
	}
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
	return true
}

func (s *MessageStore) setStatus(tempId string, status Status) bool {
	s.mu.Lock()
	p, ok := s.provisional[tempId]
	if !ok || p.p.Status == status {
		s.mu.Unlock()
		return false
	}
	p.p.Status = status
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
	return true
}

func (s *MessageStore) Fail(tempId string) bool {
	return s.setStatus(tempId, StatusFailed)
}

func (s *MessageStore) MarkPending(tempId string) bool {
	return s.setStatus(tempId, StatusPending)
}

func (s *MessageStore) Discard(tempId string) bool {
	s.mu.Lock()
	if _, ok := s.provisional[tempId]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.provisional, tempId)
	v, view := s.commit()
	s.mu.Unlock()

	s.publish(v, view)
	return true
}

func (s *MessageStore) Provisional(tempId string) (Provisional, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provisional[tempId]
	if !ok {
		return Provisional{}, false
	}
	return p.p, true
}

func (s *MessageStore) Message(id string) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.confirmed[id]
	if !ok {
		return types.Message{}, false
	}
	return m.msg, true
}

// View returns confirmed and provisional messages ordered by CreatedAt,
// ties broken by arrival.
func (s *MessageStore) View() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *MessageStore) viewLocked() []Entry {
	type row struct {
		e   Entry
		seq uint64
	}
	rows := make([]row, 0, len(s.confirmed)+len(s.provisional))
	for _, m := range s.confirmed {
		msg := m.msg
		rows = append(rows, row{e: Entry{Message: &msg}, seq: m.seq})
	}
	for _, p := range s.provisional {
		pv := p.p
		rows = append(rows, row{e: Entry{Provisional: &pv}, seq: p.seq})
	}

	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].e.CreatedAt(), rows[j].e.CreatedAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rows[i].seq < rows[j].seq
	})

	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.e
	}
	return out
}
