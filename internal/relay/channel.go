package relay

import (
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

const idleChannelTimeout = time.Second * 5

type exitReq struct {
	shutdown bool
	done     chan bool
}

// Channel fans events out to the clients subscribed to one named channel.
// Presence channels also track which users are connected.
type Channel struct {
	name        string
	kind        events.ChannelKind
	hub         *Hub
	joinChan    chan *ClientMessage
	leaveChan   chan *ClientMessage
	publishChan chan *events.Envelope
	clients     map[*Client]struct{}
	userMap     map[string]map[*Client]struct{}
	clientLock  sync.RWMutex
	log         *zap.SugaredLogger
	// killTimer unloads the channel once it has no clients
	killTimer *time.Timer
	exit      chan exitReq
}

func newChannel(h *Hub, name string, kind events.ChannelKind) *Channel {
	return &Channel{
		name:        name,
		kind:        kind,
		hub:         h,
		joinChan:    make(chan *ClientMessage, 256),
		leaveChan:   make(chan *ClientMessage, 256),
		publishChan: make(chan *events.Envelope, 256),
		clients:     make(map[*Client]struct{}),
		userMap:     make(map[string]map[*Client]struct{}),
		log:         h.log.With("channel", name),
		exit:        make(chan exitReq),
	}
}

func (ch *Channel) start() {
	ch.log.Debug("starting channel")
	ch.killTimer = time.NewTimer(idleChannelTimeout)
	ch.killTimer.Stop()

	for {
		select {
		case join := <-ch.joinChan:
			ch.handleJoin(join)
		case leave := <-ch.leaveChan:
			ch.handleLeave(leave)
		case env := <-ch.publishChan:
			ch.broadcast(EventMessage(env))
		case <-ch.killTimer.C:
			ch.handleTimeout()
		case e := <-ch.exit:
			if ch.handleExit(e) {
				return
			}
		}
	}
}

func (ch *Channel) handleTimeout() {
	ch.log.Debug("channel idle")
	select {
	case ch.hub.unloadChan <- ch.name:
	default:
		ch.log.Warn("unload channel full, restarting idle timer")
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

// handleExit reports whether the channel goroutine should stop. An unload
// request is refused while clients are still subscribed.
func (ch *Channel) handleExit(e exitReq) bool {
	ch.clientLock.Lock()
	if !e.shutdown && len(ch.clients) > 0 {
		ch.clientLock.Unlock()
		if e.done != nil {
			e.done <- false
		}
		return false
	}

	ch.log.Debug("channel exiting")
	for c := range ch.clients {
		c.delChannel(ch.name)
	}
	ch.clients = make(map[*Client]struct{})
	ch.userMap = make(map[string]map[*Client]struct{})
	ch.clientLock.Unlock()

	if e.done != nil {
		e.done <- true
	}

	return true
}

func (ch *Channel) handleJoin(join *ClientMessage) {
	ch.killTimer.Stop()

	c := join.client
	if ch.hasClient(c) {
		c.queueMessage(NoErrOK(join.Id, ch.name))
		return
	}

	firstForUser := ch.addClient(c)
	c.queueMessage(NoErrOK(join.Id, ch.name))

	if ch.kind != events.ChannelPresence {
		return
	}

	snapshot, err := events.NewEnvelope(ch.name, events.SubscriptionSucceeded, events.PresenceSnapshot{
		Members: ch.members(),
		Count:   ch.userCount(),
	})
	if err != nil {
		ch.log.Errorw("build presence snapshot", "error", err)
		return
	}
	c.queueMessage(EventMessage(snapshot))

	if firstForUser {
		ch.hub.setPresence(c.user, true)
		added, err := events.NewEnvelope(ch.name, events.MemberAdded, presenceMember(c.user, true))
		if err != nil {
			ch.log.Errorw("build member added", "error", err)
			return
		}
		msg := EventMessage(added)
		msg.SkipClient = c
		ch.broadcast(msg)
	}
}

func (ch *Channel) handleLeave(leave *ClientMessage) {
	c := leave.client
	lastForUser, ok := ch.removeClient(c)

	if leave.Id > 0 {
		c.queueMessage(NoErrOK(leave.Id, ch.name))
	}

	if !ok || ch.kind != events.ChannelPresence || !lastForUser {
		return
	}

	ch.hub.setPresence(c.user, false)
	removed, err := events.NewEnvelope(ch.name, events.MemberRemoved, presenceMember(c.user, false))
	if err != nil {
		ch.log.Errorw("build member removed", "error", err)
		return
	}
	ch.broadcast(EventMessage(removed))
}

func presenceMember(u types.User, online bool) types.PresenceMember {
	lastSeen := u.LastSeen
	if online || lastSeen.IsZero() {
		lastSeen = Now()
	}

	return types.PresenceMember{
		Id: u.Id,
		Info: types.PresenceInfo{
			Email:        u.EmailAddress,
			Name:         u.Username,
			Image:        u.Image,
			ActiveStatus: online,
			LastSeen:     lastSeen,
		},
	}
}

func (ch *Channel) members() []types.PresenceMember {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()

	members := make([]types.PresenceMember, 0, len(ch.userMap))
	for _, clients := range ch.userMap {
		for c := range clients {
			members = append(members, presenceMember(c.user, true))
			break
		}
	}

	return members
}

func (ch *Channel) userCount() int {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()
	return len(ch.userMap)
}

func (ch *Channel) hasClient(c *Client) bool {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()
	_, ok := ch.clients[c]
	return ok
}

// addClient reports whether c is the user's first client on the channel.
func (ch *Channel) addClient(c *Client) bool {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	ch.clients[c] = struct{}{}
	first := false
	if ch.userMap[c.user.Id] == nil {
		ch.userMap[c.user.Id] = make(map[*Client]struct{})
		first = true
	}
	ch.userMap[c.user.Id][c] = struct{}{}

	c.addChannel(ch)
	return first
}

// removeClient reports whether c was the user's last client on the channel
// and whether c was subscribed at all.
func (ch *Channel) removeClient(c *Client) (last bool, ok bool) {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	if _, ok := ch.clients[c]; !ok {
		ch.log.Debugw("client not subscribed", "user", c.user.Username)
		return false, false
	}

	delete(ch.clients, c)
	c.delChannel(ch.name)

	if userClients, ok := ch.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(ch.userMap, c.user.Id)
			last = true
		}
	}

	if len(ch.clients) == 0 {
		ch.log.Debug("no clients, starting kill timer")
		ch.killTimer.Reset(idleChannelTimeout)
	}

	return last, true
}

func (ch *Channel) broadcast(msg *ServerMessage) {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()

	for client := range ch.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
