// Package events names the channels and events carried by the relay and
// decodes raw payloads into a validated tagged union.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/valyala/fastjson"
)

const (
	PresenceChannel = "presence-messenger"

	conversationPrefix = "conversation:"
	userPrefix         = "user:"
)

const (
	MessageNew    = "messages:new"
	MessageUpdate = "message:update"
	MessageDelete = "message:delete"

	ConversationNew    = "conversation:new"
	ConversationUpdate = "conversation:update"
	ConversationDelete = "conversation:delete"

	SubscriptionSucceeded = "pusher:subscription_succeeded"
	MemberAdded           = "pusher:member_added"
	MemberRemoved         = "pusher:member_removed"
)

func ConversationChannel(conversationId string) string {
	return conversationPrefix + conversationId
}

func UserChannel(email string) string {
	return userPrefix + email
}

// ParseChannel splits a channel name into its kind prefix and subject.
// ok is false for names that are not one of the known channel kinds.
func ParseChannel(name string) (kind ChannelKind, subject string, ok bool) {
	switch {
	case name == PresenceChannel:
		return ChannelPresence, "", true
	case strings.HasPrefix(name, conversationPrefix) && len(name) > len(conversationPrefix):
		return ChannelConversation, strings.TrimPrefix(name, conversationPrefix), true
	case strings.HasPrefix(name, userPrefix) && len(name) > len(userPrefix):
		return ChannelUser, strings.TrimPrefix(name, userPrefix), true
	}

	return 0, "", false
}

type ChannelKind int

const (
	ChannelConversation ChannelKind = iota + 1
	ChannelUser
	ChannelPresence
)

// Envelope is a single event delivered on a channel.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func NewEnvelope(channel, event string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	return &Envelope{Channel: channel, Event: event, Data: raw}, nil
}

type Kind int

const (
	KindUnknown Kind = iota
	KindMessageNew
	KindMessageUpdate
	KindMessageDelete
	KindConversationNew
	KindConversationUpdate
	KindConversationDelete
	KindPresenceSnapshot
	KindMemberAdded
	KindMemberRemoved
)

// Event is the decoded form of an Envelope. Exactly one payload field is
// set, selected by Kind.
type Event struct {
	Kind         Kind
	Channel      string
	Message      *types.Message
	MessageRef   *types.MessageRef
	Conversation *types.Conversation
	Members      []types.PresenceMember
	Member       *types.PresenceMember
}

// PresenceSnapshot is the payload of a presence subscription_succeeded event.
type PresenceSnapshot struct {
	Members []types.PresenceMember `json:"members"`
	Count   int                    `json:"count"`
}

var parsers fastjson.ParserPool

// Decode validates env and decodes it into an Event. Malformed payloads and
// unknown event names yield a Validation error.
func Decode(env *Envelope) (*Event, error) {
	if env == nil {
		return nil, apperr.Validation("nil envelope")
	}

	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(env.Data)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Message: "malformed " + env.Event + " payload", Err: err}
	}
	if v.Type() != fastjson.TypeObject {
		return nil, apperr.Validation("%s payload is not an object", env.Event)
	}

	ev := &Event{Channel: env.Channel}
	switch env.Event {
	case MessageNew, MessageUpdate:
		if err := requireStrings(v, env.Event, "id", "conversationId"); err != nil {
			return nil, err
		}
		var msg types.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, decodeErr(env.Event, err)
		}
		ev.Message = &msg
		ev.Kind = KindMessageNew
		if env.Event == MessageUpdate {
			ev.Kind = KindMessageUpdate
		}
	case MessageDelete:
		if err := requireStrings(v, env.Event, "id", "conversationId"); err != nil {
			return nil, err
		}
		var ref types.MessageRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return nil, decodeErr(env.Event, err)
		}
		ev.MessageRef = &ref
		ev.Kind = KindMessageDelete
	case ConversationNew, ConversationUpdate, ConversationDelete:
		if err := requireStrings(v, env.Event, "id"); err != nil {
			return nil, err
		}
		var conv types.Conversation
		if err := json.Unmarshal(env.Data, &conv); err != nil {
			return nil, decodeErr(env.Event, err)
		}
		ev.Conversation = &conv
		switch env.Event {
		case ConversationNew:
			ev.Kind = KindConversationNew
		case ConversationUpdate:
			ev.Kind = KindConversationUpdate
		default:
			ev.Kind = KindConversationDelete
		}
	case SubscriptionSucceeded:
		if v.Get("members") == nil || v.Get("members").Type() != fastjson.TypeArray {
			return nil, apperr.Validation("%s payload missing members", env.Event)
		}
		var snap PresenceSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return nil, decodeErr(env.Event, err)
		}
		for _, m := range snap.Members {
			if m.Id == "" {
				return nil, apperr.Validation("%s payload has member without id", env.Event)
			}
		}
		ev.Members = snap.Members
		ev.Kind = KindPresenceSnapshot
	case MemberAdded, MemberRemoved:
		if err := requireStrings(v, env.Event, "id"); err != nil {
			return nil, err
		}
		var m types.PresenceMember
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, decodeErr(env.Event, err)
		}
		ev.Member = &m
		ev.Kind = KindMemberAdded
		if env.Event == MemberRemoved {
			ev.Kind = KindMemberRemoved
		}
	default:
		return nil, apperr.Validation("unknown event %q", env.Event)
	}

	return ev, nil
}

func requireStrings(v *fastjson.Value, event string, keys ...string) error {
	for _, k := range keys {
		f := v.Get(k)
		if f == nil || f.Type() != fastjson.TypeString || len(f.GetStringBytes()) == 0 {
			return apperr.Validation("%s payload missing %q", event, k)
		}
	}

	return nil
}

func decodeErr(event string, err error) error {
	return &apperr.Error{Kind: apperr.KindValidation, Message: "decode " + event + " payload", Err: err}
}
