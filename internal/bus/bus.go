// Package bus carries keyed messages between producers and consumer groups.
//
// Delivery is at-least-once and ordered per key within a group: a message is
// acknowledged only after its handler returns nil, and a failing message is
// retried before anything published after it is handed to the same group.
package bus

import (
	"context"
	"errors"
)

const (
	HeaderEventId   = "event-id"
	HeaderEventType = "eventType"
	HeaderTimestamp = "timestamp"
)

var ErrClosed = errors.New("bus: closed")

type Message struct {
	Id      string            `json:"id"`
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Handler processes one message. A non-nil error leaves the message
// unacknowledged so it is delivered again.
type Handler func(ctx context.Context, msg *Message) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

type Subscriber interface {
	// Subscribe joins group on topic and consumes in the background until
	// ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}
