package database

import (
	"context"
	"time"
)

type GoChatRepository interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserById(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUsersByIds(ctx context.Context, ids []string) ([]User, error)
	UpdatePresence(ctx context.Context, userId string, active bool, lastSeen time.Time) (User, error)

	CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB string) (Conversation, error)
	ListConversations(ctx context.Context, userId string) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AddMember(ctx context.Context, conversationId, userId string) (Conversation, error)
	RemoveMember(ctx context.Context, conversationId, userId string) (Conversation, error)

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetMessages(ctx context.Context, conversationId string) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkSeen(ctx context.Context, conversationId, userId string) ([]Message, error)
}
