package types

import (
	"strings"
	"time"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

// Message is a single direct message. Timestamp is unix milliseconds.
type Message struct {
	Id         string        `json:"id"`
	SenderId   string        `json:"senderId"`
	ReceiverId string        `json:"receiverId"`
	Content    string        `json:"content"`
	Timestamp  int64         `json:"timestamp"`
	Status     MessageStatus `json:"status"`
}

func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp).UTC()
}

// Participants reports whether the message was exchanged between a and b,
// in either direction.
func (m Message) Participants(a, b string) bool {
	return (m.SenderId == a && m.ReceiverId == b) ||
		(m.SenderId == b && m.ReceiverId == a)
}

type SendMessageRequest struct {
	SenderId   string `json:"senderId,omitempty"`
	ReceiverId string `json:"receiverId"`
	Content    string `json:"content"`
}

type UpdateStatusRequest struct {
	Status MessageStatus `json:"status"`
}

// ConversationKey returns the order-independent key shared by every message
// between a and b.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, ":")
}

type ChatUser struct {
	UserId     string     `json:"userId"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	IsVerified bool       `json:"isVerified"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
