package users

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

// Publisher emits user lifecycle events keyed by user id, so events for one
// user are consumed in order.
type Publisher struct {
	pub   bus.Publisher
	topic string
}

func NewPublisher(pub bus.Publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, evt types.UserEvent) error {
	payload, err := types.MarshalUserEvent(evt)
	if err != nil {
		return err
	}

	ts := evt.EventTime()
	if ts.IsZero() {
		ts = time.Now()
	}

	return p.pub.Publish(ctx, p.topic, evt.EventUserId(), payload, map[string]string{
		bus.HeaderEventType: string(evt.EventType()),
		bus.HeaderTimestamp: ts.UTC().Format(time.RFC3339Nano),
	})
}
