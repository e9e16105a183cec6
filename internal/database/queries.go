package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/teris-io/shortid"
)

const (
	userColumns         = "id, username, email, password_hash, image, active_status, last_seen, conversation_ids, created_at, updated_at"
	conversationColumns = "id, COALESCE(name, ''), is_group, is_anonymous, member_ids, created_at, last_message_at"
	messageColumns      = "m.id, m.conversation_id, m.sender_id, m.body, m.image_url, m.seen_ids, m.created_at, u.id, u.username, u.email, u.image"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.Image,
		&u.ActiveStatus,
		&u.LastSeen,
		pq.Array(&u.ConversationIds),
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.Name,
		&c.IsGroup,
		&c.IsAnonymous,
		pq.Array(&c.MemberIds),
		&c.CreatedAt,
		&c.LastMessageAt,
	)

	return c, err
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m      Message
		sender User
		body   sql.NullString
		image  sql.NullString
	)
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&body,
		&image,
		pq.Array(&m.SeenIds),
		&m.CreatedAt,
		&sender.Id,
		&sender.Username,
		&sender.EmailAddress,
		&sender.Image,
	)
	if err != nil {
		return m, err
	}

	m.Body = body.String
	m.ImageUrl = image.String
	m.Sender = &sender
	return m, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgGoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (id, username, email, password_hash, image, last_seen, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6, $6) RETURNING "+userColumns,
		uuid.NewString(),
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.Image,
		now,
	)

	u, err := scanUser(row)
	return u, mapError("create user", err)
}

func (db *PgGoChatRepository) GetUserById(ctx context.Context, id string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 LIMIT 1",
		id,
	)

	u, err := scanUser(row)
	return u, mapError("get user", err)
}

func (db *PgGoChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1 LIMIT 1",
		email,
	)

	u, err := scanUser(row)
	return u, mapError("get user by email", err)
}

func (db *PgGoChatRepository) GetUsersByIds(ctx context.Context, ids []string) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ANY($1) ORDER BY username",
		pq.Array(ids),
	)
	if err != nil {
		return nil, mapError("get users", err)
	}
	defer rows.Close()

	users := make([]User, 0, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

func (db *PgGoChatRepository) UpdatePresence(ctx context.Context, userId string, active bool, lastSeen time.Time) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE users SET active_status = $2, last_seen = $3, updated_at = $3 "+
			"WHERE id = $1 RETURNING "+userColumns,
		userId,
		active,
		lastSeen.UTC(),
	)

	u, err := scanUser(row)
	return u, mapError("update presence", err)
}

// CreateConversation inserts the conversation and records its id on every
// member in one transaction.
func (db *PgGoChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	id, err := shortid.Generate()
	if err != nil {
		return Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		"INSERT INTO conversations (id, name, is_group, is_anonymous, member_ids, created_at, last_message_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+conversationColumns,
		id,
		nullIfEmpty(params.Name),
		params.IsGroup,
		params.IsAnonymous,
		pq.Array(params.MemberIds),
		now,
	)

	conv, err := scanConversation(row)
	if err != nil {
		return Conversation{}, mapError("create conversation", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET conversation_ids = array_append(conversation_ids, $1) "+
			"WHERE id = ANY($2) AND NOT ($1 = ANY(conversation_ids))",
		conv.Id,
		pq.Array(params.MemberIds),
	)
	if err != nil {
		return Conversation{}, mapError("link members", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(params.MemberIds) {
		return Conversation{}, fmt.Errorf("link members: %w", ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit tx: %w", err)
	}

	return conv, nil
}

// GetConversation returns the conversation with its members populated.
func (db *PgGoChatRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1 LIMIT 1",
		id,
	)

	conv, err := scanConversation(row)
	if err != nil {
		return Conversation{}, mapError("get conversation", err)
	}

	conv.Members, err = db.GetUsersByIds(ctx, conv.MemberIds)
	if err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgGoChatRepository) FindDirectConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations "+
			"WHERE is_group = FALSE AND member_ids @> $1 AND cardinality(member_ids) = 2 "+
			"ORDER BY created_at LIMIT 1",
		pq.Array([]string{userA, userB}),
	)

	conv, err := scanConversation(row)
	if err != nil {
		return Conversation{}, mapError("find direct conversation", err)
	}

	conv.Members, err = db.GetUsersByIds(ctx, conv.MemberIds)
	if err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

// ListConversations returns the user's conversations, most recently active
// first, with members and the latest message attached.
func (db *PgGoChatRepository) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations "+
			"WHERE $1 = ANY(member_ids) ORDER BY last_message_at DESC",
		userId,
	)
	if err != nil {
		return nil, mapError("list conversations", err)
	}
	defer rows.Close()

	var (
		convs     []Conversation
		convIds   []string
		memberSet = make(map[string]struct{})
	)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
		convIds = append(convIds, c.Id)
		for _, id := range c.MemberIds {
			memberSet[id] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(convs) == 0 {
		return []Conversation{}, nil
	}

	memberIds := make([]string, 0, len(memberSet))
	for id := range memberSet {
		memberIds = append(memberIds, id)
	}
	users, err := db.GetUsersByIds(ctx, memberIds)
	if err != nil {
		return nil, err
	}
	usersById := make(map[string]User, len(users))
	for _, u := range users {
		usersById[u.Id] = u
	}

	latest, err := db.latestMessages(ctx, convIds)
	if err != nil {
		return nil, err
	}

	for i := range convs {
		for _, id := range convs[i].MemberIds {
			if u, ok := usersById[id]; ok {
				convs[i].Members = append(convs[i].Members, u)
			}
		}
		if m, ok := latest[convs[i].Id]; ok {
			convs[i].LastMessage = &m
		}
	}

	return convs, nil
}

func (db *PgGoChatRepository) latestMessages(ctx context.Context, conversationIds []string) (map[string]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT DISTINCT ON (m.conversation_id) "+messageColumns+" FROM messages m "+
			"JOIN users u ON u.id = m.sender_id "+
			"WHERE m.conversation_id = ANY($1) "+
			"ORDER BY m.conversation_id, m.created_at DESC",
		pq.Array(conversationIds),
	)
	if err != nil {
		return nil, mapError("latest messages", err)
	}
	defer rows.Close()

	latest := make(map[string]Message, len(conversationIds))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		latest[m.ConversationId] = m
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return latest, nil
}

// DeleteConversation removes the conversation, its messages (by cascade)
// and every member's reference to it.
func (db *PgGoChatRepository) DeleteConversation(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return mapError("delete conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete conversation: %w", ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET conversation_ids = array_remove(conversation_ids, $1) WHERE $1 = ANY(conversation_ids)",
		id,
	); err != nil {
		return mapError("unlink members", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// AddMember appends userId to the conversation and the conversation to the
// user. Each append is conditional on absence, so concurrent adds of
// different users never overwrite each other. Adding an existing member
// returns ErrConflict.
func (db *PgGoChatRepository) AddMember(ctx context.Context, conversationId, userId string) (Conversation, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET member_ids = array_append(member_ids, $2) "+
			"WHERE id = $1 AND NOT ($2 = ANY(member_ids))",
		conversationId,
		userId,
	)
	if err != nil {
		return Conversation{}, mapError("add member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)", conversationId,
		).Scan(&exists); err != nil {
			return Conversation{}, mapError("add member", err)
		}
		if !exists {
			return Conversation{}, fmt.Errorf("add member: %w", ErrNotFound)
		}
		return Conversation{}, fmt.Errorf("add member: %w", ErrConflict)
	}

	res, err = tx.ExecContext(ctx,
		"UPDATE users SET conversation_ids = array_append(conversation_ids, $1) "+
			"WHERE id = $2 AND NOT ($1 = ANY(conversation_ids))",
		conversationId,
		userId,
	)
	if err != nil {
		return Conversation{}, mapError("link member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", userId,
		).Scan(&exists); err != nil {
			return Conversation{}, mapError("link member", err)
		}
		if !exists {
			return Conversation{}, fmt.Errorf("link member: %w", ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit tx: %w", err)
	}

	return db.GetConversation(ctx, conversationId)
}

func (db *PgGoChatRepository) RemoveMember(ctx context.Context, conversationId, userId string) (Conversation, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET member_ids = array_remove(member_ids, $2) "+
			"WHERE id = $1 AND $2 = ANY(member_ids)",
		conversationId,
		userId,
	)
	if err != nil {
		return Conversation{}, mapError("remove member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Conversation{}, fmt.Errorf("remove member: %w", ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET conversation_ids = array_remove(conversation_ids, $1) WHERE id = $2",
		conversationId,
		userId,
	); err != nil {
		return Conversation{}, mapError("unlink member", err)
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit tx: %w", err)
	}

	return db.GetConversation(ctx, conversationId)
}

// CreateMessage stores the message with the sender as its first viewer and
// bumps the conversation's last_message_at.
func (db *PgGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, conversation_id, sender_id, body, image_url, seen_ids, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		id,
		params.ConversationId,
		params.SenderId,
		nullIfEmpty(params.Body),
		nullIfEmpty(params.ImageUrl),
		pq.Array([]string{params.SenderId}),
		now,
	); err != nil {
		return Message{}, mapError("create message", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_at = $2 WHERE id = $1",
		params.ConversationId,
		now,
	); err != nil {
		return Message{}, mapError("update conversation", err)
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1",
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, mapError("read message", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}

	return msg, nil
}

func (db *PgGoChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1",
		id,
	)

	m, err := scanMessage(row)
	return m, mapError("get message", err)
}

func (db *PgGoChatRepository) GetMessages(ctx context.Context, conversationId string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.sender_id "+
			"WHERE m.conversation_id = $1 ORDER BY m.created_at ASC, m.id ASC",
		conversationId,
	)
	if err != nil {
		return nil, mapError("get messages", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgGoChatRepository) DeleteMessage(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return mapError("delete message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete message: %w", ErrNotFound)
	}

	return nil
}

// MarkSeen appends userId to seen_ids of every message in the conversation
// that does not already contain it and returns only the rows it changed.
func (db *PgGoChatRepository) MarkSeen(ctx context.Context, conversationId, userId string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"WITH updated AS ("+
			"UPDATE messages SET seen_ids = array_append(seen_ids, $2) "+
			"WHERE conversation_id = $1 AND NOT ($2 = ANY(seen_ids)) "+
			"RETURNING *) "+
			"SELECT "+messageColumns+" FROM updated m JOIN users u ON u.id = m.sender_id "+
			"ORDER BY m.created_at ASC",
		conversationId,
		userId,
	)
	if err != nil {
		return nil, mapError("mark seen", err)
	}
	defer rows.Close()

	var updated []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		updated = append(updated, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return updated, nil
}
