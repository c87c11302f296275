package database

import "time"

type Message struct {
	Id         string    `json:"id"`
	SenderId   string    `json:"sender_id"`
	ReceiverId string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  int64     `json:"timestamp"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CreateMessageParams struct {
	SenderId   string
	ReceiverId string
	Content    string
}

type ChatUser struct {
	UserId     string     `json:"user_id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	IsVerified bool       `json:"is_verified"`
	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// UpdateChatUserParams holds a partial update; nil fields are left as is.
type UpdateChatUserParams struct {
	Username   *string
	Email      *string
	IsVerified *bool
	IsOnline   *bool
}
