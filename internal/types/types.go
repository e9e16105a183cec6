package types

import (
	"slices"
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email"`
	Image        string    `json:"image,omitempty"`
	ActiveStatus bool      `json:"activeStatus"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

type Conversation struct {
	Id          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	IsGroup     bool      `json:"isGroup"`
	IsAnonymous bool      `json:"isAnonymous"`
	MemberIds   []string  `json:"userIds"`
	Members     []User    `json:"users,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastMessage time.Time `json:"lastMessageAt,omitempty"`
}

// HasMember reports whether userId is in the conversation's member set.
func (c *Conversation) HasMember(userId string) bool {
	return slices.Contains(c.MemberIds, userId)
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversationId"`
	SenderId       string    `json:"senderId"`
	Sender         *User     `json:"sender,omitempty"`
	Body           string    `json:"body,omitempty"`
	ImageUrl       string    `json:"image,omitempty"`
	ClientId       string    `json:"clientId,omitempty"`
	SeenIds        []string  `json:"seenIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SeenBy reports whether userId has been recorded as having seen the message.
func (m *Message) SeenBy(userId string) bool {
	return slices.Contains(m.SeenIds, userId)
}

// MessageRef identifies a deleted message.
type MessageRef struct {
	Id             string `json:"id"`
	ConversationId string `json:"conversationId"`
}

// PresenceMember is the member id + info pair carried by presence channel events.
type PresenceMember struct {
	Id   string       `json:"id"`
	Info PresenceInfo `json:"info"`
}

type PresenceInfo struct {
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Image        string    `json:"image,omitempty"`
	ActiveStatus bool      `json:"activeStatus"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
}

type PresenceEntry struct {
	UserId       string    `json:"id"`
	ActiveStatus bool      `json:"activeStatus"`
	LastSeen     time.Time `json:"lastSeen"`
}
