package database

import "time"

type User struct {
	Id              string
	Username        string
	EmailAddress    string
	PasswordHash    string
	Image           string
	ActiveStatus    bool
	LastSeen        time.Time
	ConversationIds []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Conversation struct {
	Id            string
	Name          string
	IsGroup       bool
	IsAnonymous   bool
	MemberIds     []string
	Members       []User
	LastMessage   *Message
	CreatedAt     time.Time
	LastMessageAt time.Time
}

type Message struct {
	Id             string
	ConversationId string
	SenderId       string
	Sender         *User
	Body           string
	ImageUrl       string
	SeenIds        []string
	CreatedAt      time.Time
}

type CreateUserParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
	Image        string
}

type CreateConversationParams struct {
	Name        string
	IsGroup     bool
	IsAnonymous bool
	MemberIds   []string
}

type CreateMessageParams struct {
	ConversationId string
	SenderId       string
	Body           string
	ImageUrl       string
}
