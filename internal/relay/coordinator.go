// Package relay persists direct messages and hands them to the bus for
// broadcast. A message is published only after it is durably stored.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultConversationLimit = 50
	MaxConversationLimit     = 200
	MaxContentLength         = 4096

	EventMessageCreated = "message.created"
	HeaderMessageId     = "messageId"

	publishTimeout = 5 * time.Second
)

type Coordinator struct {
	log   zerolog.Logger
	store database.MessageStore
	pub   bus.Publisher
	stats stats.StatsProvider
	topic string
}

func NewCoordinator(logger zerolog.Logger, store database.MessageStore, pub bus.Publisher, sp stats.StatsProvider, topic string) *Coordinator {
	sp.RegisterMetric(stats.MessagesSent)
	sp.RegisterMetric(stats.PublishFailures)

	return &Coordinator{
		log:   logger.With().Str("component", "relay").Logger(),
		store: store,
		pub:   pub,
		stats: sp,
		topic: topic,
	}
}

var notBlank = validation.By(func(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
})

func validateSend(req types.SendMessageRequest) error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.SenderId, validation.Required),
		validation.Field(&req.ReceiverId, validation.Required),
		validation.Field(&req.Content, validation.Required, notBlank, validation.RuneLength(1, MaxContentLength)),
	)
}

// SendMessage stores a message from senderId and publishes it keyed by the
// conversation. When publishing fails the stored message is returned along
// with a *PublishError.
func (c *Coordinator) SendMessage(ctx context.Context, senderId string, req types.SendMessageRequest) (types.Message, error) {
	req.SenderId = senderId
	if err := validateSend(req); err != nil {
		return types.Message{}, newValidationError(err)
	}

	dbMsg, err := c.store.CreateMessage(ctx, database.CreateMessageParams{
		SenderId:   req.SenderId,
		ReceiverId: req.ReceiverId,
		Content:    req.Content,
	})
	if err != nil {
		c.log.Error().Err(err).
			Str("sender_id", req.SenderId).
			Str("receiver_id", req.ReceiverId).
			Msg("failed to store message")
		return types.Message{}, &PersistenceError{Op: "create message", Err: err}
	}

	msg := toMessage(dbMsg)
	c.stats.Incr(stats.MessagesSent)

	if err := c.publish(ctx, msg); err != nil {
		c.stats.Incr(stats.PublishFailures)
		c.log.Warn().Err(err).
			Str("message_id", msg.Id).
			Str("topic", c.topic).
			Msg("message stored but not published")
		return msg, &PublishError{Topic: c.topic, MessageId: msg.Id, Err: err}
	}

	c.log.Debug().
		Str("message_id", msg.Id).
		Str("sender_id", msg.SenderId).
		Str("receiver_id", msg.ReceiverId).
		Msg("message relayed")

	return msg, nil
}

// publish outlives the caller's cancellation: once the message is stored it
// should reach the bus even if the client has gone away.
func (c *Coordinator) publish(ctx context.Context, msg types.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	return c.pub.Publish(ctx, c.topic, types.ConversationKey(msg.SenderId, msg.ReceiverId), payload, map[string]string{
		bus.HeaderEventType: EventMessageCreated,
		HeaderMessageId:     msg.Id,
		bus.HeaderTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// FindConversation returns up to limit messages between the two users,
// newest first. A limit of zero or less selects the default.
func (c *Coordinator) FindConversation(ctx context.Context, requesterId, otherUserId string, limit int) ([]types.Message, error) {
	err := validation.Errors{
		"requesterId": validation.Validate(requesterId, validation.Required),
		"otherUserId": validation.Validate(otherUserId, validation.Required),
	}.Filter()
	if err != nil {
		return nil, newValidationError(err)
	}

	switch {
	case limit <= 0:
		limit = DefaultConversationLimit
	case limit > MaxConversationLimit:
		limit = MaxConversationLimit
	}

	dbMsgs, err := c.store.GetConversation(ctx, requesterId, otherUserId, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "get conversation", Err: err}
	}

	msgs := make([]types.Message, 0, len(dbMsgs))
	for _, m := range dbMsgs {
		msgs = append(msgs, toMessage(m))
	}

	return msgs, nil
}

func (c *Coordinator) UpdateStatus(ctx context.Context, messageId string, status types.MessageStatus) (types.Message, error) {
	err := validation.Errors{
		"messageId": validation.Validate(messageId, validation.Required),
		"status": validation.Validate(status, validation.Required,
			validation.In(types.StatusSent, types.StatusDelivered, types.StatusRead)),
	}.Filter()
	if err != nil {
		return types.Message{}, newValidationError(err)
	}

	dbMsg, err := c.store.UpdateMessageStatus(ctx, messageId, string(status))
	if errors.Is(err, database.ErrNotFound) {
		return types.Message{}, ErrNotFound
	}
	if err != nil {
		return types.Message{}, &PersistenceError{Op: "update message status", Err: err}
	}

	return toMessage(dbMsg), nil
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:         m.Id,
		SenderId:   m.SenderId,
		ReceiverId: m.ReceiverId,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Status:     types.MessageStatus(m.Status),
	}
}
