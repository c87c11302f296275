package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = "id, sender_id, receiver_id, content, ts, status, created_at, updated_at"

const chatUserColumns = "user_id, username, email, is_verified, is_online, last_seen_at, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.SenderId,
		&m.ReceiverId,
		&m.Content,
		&m.Timestamp,
		&m.Status,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	msg := newMessage(params)

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages ("+messageColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+messageColumns,
		msg.Id,
		msg.SenderId,
		msg.ReceiverId,
		msg.Content,
		msg.Timestamp,
		msg.Status,
		msg.CreatedAt,
		msg.UpdatedAt,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) GetConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1) "+
			"ORDER BY ts DESC, id DESC LIMIT $3",
		userA,
		userB,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (db *PgChatRepository) UpdateMessageStatus(ctx context.Context, id, status string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET status = $2, updated_at = $3 WHERE id = $1 RETURNING "+messageColumns,
		id,
		status,
		time.Now().UTC(),
	)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}

	return m, err
}

func (db *PgChatRepository) CreateChatUser(ctx context.Context, user ChatUser) (bool, error) {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_users ("+chatUserColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (user_id) DO NOTHING",
		user.UserId,
		user.Username,
		user.Email,
		user.IsVerified,
		user.IsOnline,
		user.LastSeenAt,
		user.CreatedAt,
		now,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (db *PgChatRepository) UpdateChatUser(ctx context.Context, userId string, params UpdateChatUserParams) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE chat_users SET "+
			"username = COALESCE($2, username), "+
			"email = COALESCE($3, email), "+
			"is_verified = COALESCE($4, is_verified), "+
			"is_online = COALESCE($5, is_online), "+
			"updated_at = $6 "+
			"WHERE user_id = $1",
		userId,
		params.Username,
		params.Email,
		params.IsVerified,
		params.IsOnline,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) MarkChatUserVerified(ctx context.Context, userId string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE chat_users SET is_verified = TRUE, updated_at = $2 WHERE user_id = $1",
		userId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) SetChatUserOnline(ctx context.Context, userId string, online bool, lastSeenAt *time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE chat_users SET is_online = $2, last_seen_at = COALESCE($3, last_seen_at), updated_at = $4 "+
			"WHERE user_id = $1",
		userId,
		online,
		lastSeenAt,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) GetChatUser(ctx context.Context, userId string) (ChatUser, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+chatUserColumns+" FROM chat_users WHERE user_id = $1 LIMIT 1",
		userId,
	)

	var u ChatUser
	err := row.Scan(
		&u.UserId,
		&u.Username,
		&u.Email,
		&u.IsVerified,
		&u.IsOnline,
		&u.LastSeenAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatUser{}, ErrNotFound
	}

	return u, err
}
