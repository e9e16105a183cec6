package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetUserById(ctx context.Context, id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetUsersByIds(ctx context.Context, ids []string) ([]User, error) {
	args := m.Called(ids)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockGoChatRepository) UpdatePresence(ctx context.Context, userId string, active bool, lastSeen time.Time) (User, error) {
	args := m.Called(userId, active)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockGoChatRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockGoChatRepository) FindDirectConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	args := m.Called(userA, userB)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockGoChatRepository) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockGoChatRepository) DeleteConversation(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockGoChatRepository) AddMember(ctx context.Context, conversationId, userId string) (Conversation, error) {
	args := m.Called(conversationId, userId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockGoChatRepository) RemoveMember(ctx context.Context, conversationId, userId string) (Conversation, error) {
	args := m.Called(conversationId, userId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessages(ctx context.Context, conversationId string) ([]Message, error) {
	args := m.Called(conversationId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGoChatRepository) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockGoChatRepository) MarkSeen(ctx context.Context, conversationId, userId string) ([]Message, error) {
	args := m.Called(conversationId, userId)
	return args.Get(0).([]Message), args.Error(1)
}
