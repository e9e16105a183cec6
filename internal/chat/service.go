// Package chat implements the server side of messaging: it authorizes and
// persists every mutation, then fans the resulting events out on the bus.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-messenger/internal/apperr"
	"github.com/npezzotti/go-messenger/internal/bus"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/events"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/types"
	"go.uber.org/zap"
)

const (
	MaxBodyLength = 1000

	maxClientIdLength = 64

	metricPublishedEvents = "published_events"
	metricPublishFailures = "publish_failures"
)

type Service struct {
	log   *zap.SugaredLogger
	db    database.GoChatRepository
	pub   bus.Publisher
	stats stats.StatsProvider
}

func NewService(logger *zap.SugaredLogger, db database.GoChatRepository, pub bus.Publisher, su stats.StatsProvider) *Service {
	su.RegisterMetric(metricPublishedEvents)
	su.RegisterMetric(metricPublishFailures)

	return &Service{
		log:   logger,
		db:    db,
		pub:   pub,
		stats: su,
	}
}

type SendMessageParams struct {
	ConversationId string `json:"conversationId"`
	Body           string `json:"body,omitempty"`
	ImageUrl       string `json:"imageUrl,omitempty"`
	// ClientId is the sender's temporary id, echoed back on the message.
	ClientId       string `json:"clientId,omitempty"`
}

type CreateConversationParams struct {
	// UserId is the other participant of a direct conversation.
	UserId      string   `json:"userId,omitempty"`
	IsGroup     bool     `json:"isGroup"`
	IsAnonymous bool     `json:"isAnonymous"`
	Name        string   `json:"name,omitempty"`
	Members     []string `json:"members,omitempty"`
}

// publish never fails the caller. Persistence has already happened and
// clients resynchronize on their next fetch.
func (s *Service) publish(ctx context.Context, channel, event string, data any) {
	if err := s.pub.Publish(context.WithoutCancel(ctx), channel, event, data); err != nil {
		s.log.Warnw("publish failed", "channel", channel, "event", event, "error", err)
		s.stats.Incr(metricPublishFailures)
		return
	}

	s.stats.Incr(metricPublishedEvents)
}

func (s *Service) memberConversation(ctx context.Context, userId, conversationId string) (database.Conversation, error) {
	conv, err := s.db.GetConversation(ctx, conversationId)
	if err != nil {
		return database.Conversation{}, storeErr(err, "conversation %q", conversationId)
	}
	if !slices.Contains(conv.MemberIds, userId) {
		return database.Conversation{}, apperr.Authorization("not a member of conversation %q", conversationId)
	}

	return conv, nil
}

// storeErr maps repository sentinels to apperr kinds.
func storeErr(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return &apperr.Error{Kind: apperr.KindNotFound, Message: fmt.Sprintf(format, args...), Err: err}
	case errors.Is(err, database.ErrConflict):
		return &apperr.Error{Kind: apperr.KindConflict, Message: fmt.Sprintf(format, args...), Err: err}
	default:
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

func validateMessage(p SendMessageParams) error {
	if p.ConversationId == "" {
		return apperr.Validation("conversation id is required")
	}

	body := strings.TrimSpace(p.Body)
	switch {
	case body == "" && p.ImageUrl == "":
		return apperr.Validation("message must have a body or an image")
	case body != "" && p.ImageUrl != "":
		return apperr.Validation("message cannot have both a body and an image")
	case utf8.RuneCountInString(body) > MaxBodyLength:
		return apperr.Validation("message exceeds %d characters", MaxBodyLength)
	case len(p.ClientId) > maxClientIdLength:
		return apperr.Validation("client id exceeds %d characters", maxClientIdLength)
	}

	return nil
}

// SendMessage stores a message from userId and announces it on the
// conversation channel and on each member's personal channel.
func (s *Service) SendMessage(ctx context.Context, userId string, params SendMessageParams) (types.Message, error) {
	if err := validateMessage(params); err != nil {
		return types.Message{}, err
	}

	conv, err := s.memberConversation(ctx, userId, params.ConversationId)
	if err != nil {
		return types.Message{}, err
	}

	stored, err := s.db.CreateMessage(ctx, database.CreateMessageParams{
		ConversationId: conv.Id,
		SenderId:       userId,
		Body:           strings.TrimSpace(params.Body),
		ImageUrl:       params.ImageUrl,
	})
	if err != nil {
		return types.Message{}, storeErr(err, "create message")
	}

	msg := toMessage(stored)
	msg.ClientId = params.ClientId
	s.publish(ctx, events.ConversationChannel(conv.Id), events.MessageNew, msg)

	conv.LastMessage = &stored
	conv.LastMessageAt = stored.CreatedAt
	preview := toConversation(conv)
	for _, m := range conv.Members {
		s.publish(ctx, events.UserChannel(m.EmailAddress), events.ConversationUpdate, preview)
	}

	return msg, nil
}

func (s *Service) CreateConversation(ctx context.Context, userId string, params CreateConversationParams) (types.Conversation, error) {
	if params.IsGroup {
		return s.createGroup(ctx, userId, params)
	}
	if params.IsAnonymous {
		return types.Conversation{}, apperr.Validation("only group conversations can be anonymous")
	}

	return s.createDirect(ctx, userId, params.UserId)
}

func (s *Service) createGroup(ctx context.Context, userId string, params CreateConversationParams) (types.Conversation, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return types.Conversation{}, apperr.Validation("group name is required")
	}

	memberIds := make([]string, 0, len(params.Members)+1)
	for _, id := range params.Members {
		if id != "" && id != userId && !slices.Contains(memberIds, id) {
			memberIds = append(memberIds, id)
		}
	}
	if len(memberIds) < 2 {
		return types.Conversation{}, apperr.Validation("a group needs at least 2 other members")
	}
	memberIds = append(memberIds, userId)

	users, err := s.db.GetUsersByIds(ctx, memberIds)
	if err != nil {
		return types.Conversation{}, storeErr(err, "load members")
	}
	if len(users) != len(memberIds) {
		return types.Conversation{}, apperr.NotFound("one or more members do not exist")
	}

	created, err := s.db.CreateConversation(ctx, database.CreateConversationParams{
		Name:        name,
		IsGroup:     true,
		IsAnonymous: params.IsAnonymous,
		MemberIds:   memberIds,
	})
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return types.Conversation{}, &apperr.Error{Kind: apperr.KindConflict, Message: fmt.Sprintf("a conversation named %q already exists", name), Err: err}
		}
		return types.Conversation{}, storeErr(err, "create conversation")
	}

	return s.announceNew(ctx, created.Id)
}

// createDirect returns the existing one-to-one conversation between the two
// users when there is one, without announcing it again.
func (s *Service) createDirect(ctx context.Context, userId, otherId string) (types.Conversation, error) {
	if otherId == "" {
		return types.Conversation{}, apperr.Validation("user id is required")
	}
	if otherId == userId {
		return types.Conversation{}, apperr.Validation("cannot start a conversation with yourself")
	}

	if _, err := s.db.GetUserById(ctx, otherId); err != nil {
		return types.Conversation{}, storeErr(err, "user %q", otherId)
	}

	existing, err := s.db.FindDirectConversation(ctx, userId, otherId)
	if err == nil {
		return toConversation(existing), nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return types.Conversation{}, storeErr(err, "find conversation")
	}

	created, err := s.db.CreateConversation(ctx, database.CreateConversationParams{
		MemberIds: []string{userId, otherId},
	})
	if err != nil {
		return types.Conversation{}, storeErr(err, "create conversation")
	}

	return s.announceNew(ctx, created.Id)
}

func (s *Service) announceNew(ctx context.Context, conversationId string) (types.Conversation, error) {
	full, err := s.db.GetConversation(ctx, conversationId)
	if err != nil {
		return types.Conversation{}, storeErr(err, "conversation %q", conversationId)
	}

	conv := toConversation(full)
	for _, m := range full.Members {
		s.publish(ctx, events.UserChannel(m.EmailAddress), events.ConversationNew, conv)
	}

	return conv, nil
}

// DeleteMessage removes a message. Only its sender may delete it.
func (s *Service) DeleteMessage(ctx context.Context, userId, messageId string) (types.Message, error) {
	stored, err := s.db.GetMessage(ctx, messageId)
	if err != nil {
		return types.Message{}, storeErr(err, "message %q", messageId)
	}
	if stored.SenderId != userId {
		return types.Message{}, apperr.Authorization("only the sender can delete message %q", messageId)
	}

	if err := s.db.DeleteMessage(ctx, messageId); err != nil {
		return types.Message{}, storeErr(err, "delete message %q", messageId)
	}

	s.publish(ctx, events.ConversationChannel(stored.ConversationId), events.MessageDelete, types.MessageRef{
		Id:             stored.Id,
		ConversationId: stored.ConversationId,
	})

	return toMessage(stored), nil
}

// DeleteConversation removes a conversation and tells every member it had
// at the time of deletion.
func (s *Service) DeleteConversation(ctx context.Context, userId, conversationId string) (types.Conversation, error) {
	conv, err := s.memberConversation(ctx, userId, conversationId)
	if err != nil {
		return types.Conversation{}, err
	}
	snapshot := toConversation(conv)

	if err := s.db.DeleteConversation(ctx, conversationId); err != nil {
		return types.Conversation{}, storeErr(err, "delete conversation %q", conversationId)
	}

	for _, m := range snapshot.Members {
		s.publish(ctx, events.UserChannel(m.EmailAddress), events.ConversationDelete, snapshot)
	}

	return snapshot, nil
}

// AddMember adds candidateId to a group the requester belongs to. Nothing
// is published; the new member sees the group on their next list fetch.
func (s *Service) AddMember(ctx context.Context, requesterId, conversationId, candidateId string) (types.Conversation, error) {
	if candidateId == "" {
		return types.Conversation{}, apperr.Validation("user id is required")
	}

	conv, err := s.memberConversation(ctx, requesterId, conversationId)
	if err != nil {
		return types.Conversation{}, err
	}
	if !conv.IsGroup {
		return types.Conversation{}, apperr.Validation("members can only be added to groups")
	}

	if _, err := s.db.GetUserById(ctx, candidateId); err != nil {
		return types.Conversation{}, storeErr(err, "user %q", candidateId)
	}
	if slices.Contains(conv.MemberIds, candidateId) {
		return types.Conversation{}, apperr.Validation("user is already a member")
	}

	updated, err := s.db.AddMember(ctx, conversationId, candidateId)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return types.Conversation{}, &apperr.Error{Kind: apperr.KindValidation, Message: "user is already a member", Err: err}
		}
		return types.Conversation{}, storeErr(err, "add member")
	}

	return toConversation(updated), nil
}

// LeaveConversation removes the requester from a non-anonymous group. The
// requester's other sessions are told to drop the conversation.
func (s *Service) LeaveConversation(ctx context.Context, userId, conversationId string) (types.Conversation, error) {
	conv, err := s.memberConversation(ctx, userId, conversationId)
	if err != nil {
		return types.Conversation{}, err
	}
	if !conv.IsGroup || conv.IsAnonymous {
		return types.Conversation{}, apperr.Authorization("cannot leave this conversation")
	}

	updated, err := s.db.RemoveMember(ctx, conversationId, userId)
	if err != nil {
		return types.Conversation{}, storeErr(err, "leave conversation %q", conversationId)
	}

	for _, m := range conv.Members {
		if m.Id == userId {
			s.publish(ctx, events.UserChannel(m.EmailAddress), events.ConversationDelete, toConversation(conv))
			break
		}
	}

	return toConversation(updated), nil
}

// MarkSeen records that userId has seen every message in the conversation.
// It is idempotent: only messages that changed are returned and announced.
func (s *Service) MarkSeen(ctx context.Context, userId, conversationId string) ([]types.Message, error) {
	conv, err := s.memberConversation(ctx, userId, conversationId)
	if err != nil {
		return nil, err
	}

	updated, err := s.db.MarkSeen(ctx, conversationId, userId)
	if err != nil {
		return nil, storeErr(err, "mark seen")
	}

	msgs := toMessages(updated)
	for _, m := range msgs {
		s.publish(ctx, events.ConversationChannel(conversationId), events.MessageUpdate, m)
	}

	if len(updated) > 0 {
		conv.LastMessage = &updated[len(updated)-1]
		preview := toConversation(conv)
		for _, m := range conv.Members {
			if m.Id == userId {
				s.publish(ctx, events.UserChannel(m.EmailAddress), events.ConversationUpdate, preview)
				break
			}
		}
	}

	return msgs, nil
}

func (s *Service) SetPresence(ctx context.Context, userId string, online bool) error {
	if _, err := s.db.UpdatePresence(ctx, userId, online, time.Now()); err != nil {
		return storeErr(err, "update presence")
	}

	return nil
}

func (s *Service) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	convs, err := s.db.ListConversations(ctx, userId)
	if err != nil {
		return nil, storeErr(err, "list conversations")
	}

	out := make([]types.Conversation, len(convs))
	for i, c := range convs {
		out[i] = toConversation(c)
	}

	return out, nil
}

func (s *Service) GetMessages(ctx context.Context, userId, conversationId string) ([]types.Message, error) {
	if _, err := s.memberConversation(ctx, userId, conversationId); err != nil {
		return nil, err
	}

	msgs, err := s.db.GetMessages(ctx, conversationId)
	if err != nil {
		return nil, storeErr(err, "get messages")
	}

	return toMessages(msgs), nil
}

// AuthorizeChannel grants conversation channels to members, personal
// channels to their owner and the presence channel to everyone.
func (s *Service) AuthorizeChannel(ctx context.Context, user types.User, channel string) error {
	kind, subject, ok := events.ParseChannel(channel)
	if !ok {
		return apperr.NotFound("channel %q", channel)
	}

	switch kind {
	case events.ChannelConversation:
		_, err := s.memberConversation(ctx, user.Id, subject)
		return err
	case events.ChannelUser:
		if !strings.EqualFold(subject, user.EmailAddress) {
			return apperr.Authorization("channel %q belongs to another user", channel)
		}
	}

	return nil
}
