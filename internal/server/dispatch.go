package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

// DispatchError reports a push to a live connection that failed. The
// connection is dropped; the message itself stays stored.
type DispatchError struct {
	ConnectionId string
	UserId       string
	MessageId    string
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch message %s to connection %s (user %s): %v",
		e.MessageId, e.ConnectionId, e.UserId, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// HandleMessage is the bus handler for relayed messages. Payloads that
// cannot be decoded are logged and acknowledged since redelivery would not
// change the outcome.
func (cs *ChatServer) HandleMessage(ctx context.Context, m *bus.Message) error {
	var msg types.Message
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		cs.log.Error().Err(err).
			Str("event_id", m.Id).
			Str("key", m.Key).
			Msg("discarding undecodable message")
		return nil
	}

	if msg.Id == "" || msg.SenderId == "" || msg.ReceiverId == "" {
		cs.log.Error().
			Str("event_id", m.Id).
			Str("key", m.Key).
			Msg("discarding message with missing fields")
		return nil
	}

	delivered := cs.dispatch(msg)
	cs.log.Debug().
		Str("message_id", msg.Id).
		Int("delivered", delivered).
		Msg("message dispatched")

	return nil
}

// dispatch pushes msg to every connection of the sender and the receiver
// and returns how many pushes succeeded.
func (cs *ChatServer) dispatch(msg types.Message) int {
	event := NewMessageEvent(msg)

	delivered := 0
	for _, s := range cs.registry.Subscribers(msg.SenderId, msg.ReceiverId) {
		if err := s.pusher.Push(event); err != nil {
			derr := &DispatchError{
				ConnectionId: s.ConnectionId,
				UserId:       s.UserId,
				MessageId:    msg.Id,
				Err:          err,
			}
			cs.log.Warn().Err(derr).Msg("dropping connection")
			cs.stats.Incr(stats.DispatchFailures)

			cs.unregister(s.ConnectionId)
			s.pusher.Close()
			continue
		}

		delivered++
	}

	cs.stats.Incr(stats.Broadcasts)
	return delivered
}
