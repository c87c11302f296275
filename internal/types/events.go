package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type UserEventType string

const (
	UserCreatedEvent             UserEventType = "user.created"
	UserUpdatedEvent             UserEventType = "user.updated"
	UserVerifiedEvent            UserEventType = "user.verified"
	UserOnlineStatusChangedEvent UserEventType = "user.online-status-changed"
)

var ErrUnknownUserEvent = errors.New("unknown user event type")

// UserEvent is one of *UserCreated, *UserUpdated, *UserVerified or
// *UserOnlineStatusChanged.
type UserEvent interface {
	EventType() UserEventType
	EventUserId() string
	EventTime() time.Time
	userEvent()
}

type EventMeta struct {
	UserId    string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

func (m EventMeta) EventUserId() string  { return m.UserId }
func (m EventMeta) EventTime() time.Time { return m.Timestamp }
func (EventMeta) userEvent()             {}

type UserCreated struct {
	EventMeta
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	IsVerified bool      `json:"isVerified"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (*UserCreated) EventType() UserEventType { return UserCreatedEvent }

// UserUpdated carries only the fields that changed.
type UserUpdated struct {
	EventMeta
	Username   *string   `json:"username,omitempty"`
	Email      *string   `json:"email,omitempty"`
	IsVerified *bool     `json:"isVerified,omitempty"`
	IsOnline   *bool     `json:"isOnline,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (*UserUpdated) EventType() UserEventType { return UserUpdatedEvent }

type UserVerified struct {
	EventMeta
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

func (*UserVerified) EventType() UserEventType { return UserVerifiedEvent }

type UserOnlineStatusChanged struct {
	EventMeta
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

func (*UserOnlineStatusChanged) EventType() UserEventType { return UserOnlineStatusChangedEvent }

type userEventEnvelope struct {
	EventType UserEventType   `json:"eventType"`
	UserId    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func MarshalUserEvent(evt UserEvent) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", evt.EventType(), err)
	}

	return json.Marshal(userEventEnvelope{
		EventType: evt.EventType(),
		UserId:    evt.EventUserId(),
		Timestamp: evt.EventTime(),
		Data:      data,
	})
}

// UnmarshalUserEvent decodes an envelope into its concrete variant. An
// eventType outside the known set yields an error wrapping ErrUnknownUserEvent.
func UnmarshalUserEvent(raw []byte) (UserEvent, error) {
	var env userEventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if env.UserId == "" {
		return nil, errors.New("user event missing userId")
	}

	meta := EventMeta{UserId: env.UserId, Timestamp: env.Timestamp}

	var evt UserEvent
	switch env.EventType {
	case UserCreatedEvent:
		evt = &UserCreated{EventMeta: meta}
	case UserUpdatedEvent:
		evt = &UserUpdated{EventMeta: meta}
	case UserVerifiedEvent:
		evt = &UserVerified{EventMeta: meta}
	case UserOnlineStatusChangedEvent:
		evt = &UserOnlineStatusChanged{EventMeta: meta}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownUserEvent, env.EventType)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, evt); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", env.EventType, err)
		}
	}

	return evt, nil
}
