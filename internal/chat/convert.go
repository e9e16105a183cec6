package chat

import (
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/types"
)

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		Image:        u.Image,
		ActiveStatus: u.ActiveStatus,
		LastSeen:     u.LastSeen,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func toMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		SenderId:       m.SenderId,
		Body:           m.Body,
		ImageUrl:       m.ImageUrl,
		SeenIds:        m.SeenIds,
		CreatedAt:      m.CreatedAt,
	}
	if msg.SeenIds == nil {
		msg.SeenIds = []string{}
	}
	if m.Sender != nil {
		sender := toUser(*m.Sender)
		msg.Sender = &sender
	}

	return msg
}

func toMessages(ms []database.Message) []types.Message {
	out := make([]types.Message, len(ms))
	for i, m := range ms {
		out[i] = toMessage(m)
	}
	return out
}

func toConversation(c database.Conversation) types.Conversation {
	conv := types.Conversation{
		Id:          c.Id,
		Name:        c.Name,
		IsGroup:     c.IsGroup,
		IsAnonymous: c.IsAnonymous,
		MemberIds:   c.MemberIds,
		CreatedAt:   c.CreatedAt,
		LastMessage: c.LastMessageAt,
		Members:     make([]types.User, len(c.Members)),
		Messages:    []types.Message{},
	}
	for i, u := range c.Members {
		conv.Members[i] = toUser(u)
	}
	if c.LastMessage != nil {
		conv.Messages = append(conv.Messages, toMessage(*c.LastMessage))
	}

	return conv
}
