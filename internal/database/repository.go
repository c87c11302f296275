package database

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("not found")

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// MessageStore is the durable, append-only message log.
type MessageStore interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error)
	UpdateMessageStatus(ctx context.Context, id, status string) (Message, error)
}

// UserDirectory is the chat-side projection of user lifecycle events. Every
// write is keyed by user id and safe to repeat.
type UserDirectory interface {
	CreateChatUser(ctx context.Context, user ChatUser) (bool, error)
	UpdateChatUser(ctx context.Context, userId string, params UpdateChatUserParams) error
	MarkChatUserVerified(ctx context.Context, userId string) error
	SetChatUserOnline(ctx context.Context, userId string, online bool, lastSeenAt *time.Time) error
	GetChatUser(ctx context.Context, userId string) (ChatUser, error)
}

type ChatRepository interface {
	MessageStore
	UserDirectory
	Ping(ctx context.Context) error
	Close() error
}

// newMessage stamps a message with a fresh ULID and takes its timestamp from
// the id, so ordering by (timestamp, id) matches creation order.
func newMessage(params CreateMessageParams) Message {
	id := ulid.Make()
	now := time.Now().UTC()

	return Message{
		Id:         id.String(),
		SenderId:   params.SenderId,
		ReceiverId: params.ReceiverId,
		Content:    params.Content,
		Timestamp:  int64(id.Time()),
		Status:     StatusSent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
