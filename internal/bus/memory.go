package bus

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryBus is an in-process Bus. Each group receives every message
// published after it subscribed and consumes them one at a time.
type MemoryBus struct {
	log     zerolog.Logger
	backoff Backoff

	mu      sync.Mutex
	closed  bool
	groups  map[string]map[string]*memoryGroup
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

type memoryGroup struct {
	mu     sync.Mutex
	queue  []*Message
	notify chan struct{}
}

func NewMemoryBus(logger zerolog.Logger, backoff Backoff) *MemoryBus {
	return &MemoryBus{
		log:     logger,
		backoff: backoff,
		groups:  make(map[string]map[string]*memoryGroup),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &Message{
		Id:      uuid.NewString(),
		Topic:   topic,
		Key:     key,
		Payload: append([]byte(nil), payload...),
		Headers: make(map[string]string, len(headers)+1),
	}
	maps.Copy(msg.Headers, headers)
	msg.Headers[HeaderEventId] = msg.Id

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for _, g := range b.groups[topic] {
		g.push(msg)
	}

	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if _, ok := b.groups[topic][group]; ok {
		return fmt.Errorf("bus: group %q already consuming %q", group, topic)
	}

	if b.groups[topic] == nil {
		b.groups[topic] = make(map[string]*memoryGroup)
	}
	g := &memoryGroup{notify: make(chan struct{}, 1)}
	b.groups[topic][group] = g

	subCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.removeGroup(topic, group)
		b.consume(subCtx, topic, group, g, h)
	}()

	return nil
}

func (b *MemoryBus) consume(ctx context.Context, topic, group string, g *memoryGroup, h Handler) {
	logger := b.log.With().Str("topic", topic).Str("group", group).Logger()

	for {
		msg, ok := g.next(ctx)
		if !ok {
			return
		}

		for attempt := 0; ; attempt++ {
			err := h(ctx, msg)
			if err == nil {
				break
			}

			delay := b.backoff.Delay(attempt)
			logger.Warn().Err(err).
				Str("message_id", msg.Id).
				Str("key", msg.Key).
				Int("attempt", attempt+1).
				Dur("retry_in", delay).
				Msg("handler failed, redelivering")

			if !sleep(ctx, delay) {
				return
			}
		}

		g.pop()
	}
}

func (b *MemoryBus) removeGroup(topic, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.groups[topic], group)
	if len(b.groups[topic]) == 0 {
		delete(b.groups, topic)
	}
}

// Close stops every subscription and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (g *memoryGroup) push(msg *Message) {
	g.mu.Lock()
	g.queue = append(g.queue, msg)
	g.mu.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// next blocks until the head of the queue is available. The head stays
// queued until pop, so a failed message is retried before its successors.
func (g *memoryGroup) next(ctx context.Context) (*Message, bool) {
	for {
		g.mu.Lock()
		if len(g.queue) > 0 {
			msg := g.queue[0]
			g.mu.Unlock()
			return msg, true
		}
		g.mu.Unlock()

		select {
		case <-g.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (g *memoryGroup) pop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queue[0] = nil
	g.queue = g.queue[1:]
}
