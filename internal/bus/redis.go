package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
	fieldHeaders = "headers"
	fieldEventId = "event-id"
)

type RedisOptions struct {
	// Consumer names this process within every group. It should survive
	// restarts so pending entries are picked up again.
	Consumer string
	// MaxLen caps each stream approximately; zero disables trimming.
	MaxLen int64
	// StartId is where a newly created group begins reading.
	StartId string
	// ClaimIdle is how long another consumer's entry must sit unacknowledged
	// before this consumer takes it over at startup.
	ClaimIdle time.Duration
	Block     time.Duration
	Batch     int64
	Backoff   Backoff
}

func (o *RedisOptions) setDefaults() {
	if o.StartId == "" {
		o.StartId = "$"
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = time.Minute
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	if o.Batch <= 0 {
		o.Batch = 32
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
}

// RedisBus maps each topic to a stream and each group to a consumer group.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
	opts   RedisOptions

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

func NewRedisBus(ctx context.Context, redisURL string, opts RedisOptions, logger zerolog.Logger) (*RedisBus, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisBusFromClient(client, opts, logger), nil
}

func NewRedisBusFromClient(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *RedisBus {
	opts.setDefaults()
	return &RedisBus{
		client: client,
		log:    logger,
		opts:   opts,
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	eventId := uuid.NewString()
	hdrs := make(map[string]string, len(headers)+1)
	maps.Copy(hdrs, headers)
	hdrs[HeaderEventId] = eventId

	encoded, err := json.Marshal(hdrs)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			fieldKey:     key,
			fieldPayload: payload,
			fieldHeaders: string(encoded),
			fieldEventId: eventId,
		},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}

	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	err := b.client.XGroupCreateMkStream(ctx, topic, group, b.opts.StartId).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(subCtx, topic, group, h)
	}()

	return nil
}

// consume drains this consumer's pending entries ("0") before reading new
// ones (">"). Any failure switches back to draining, so the failed entry is
// retried ahead of everything after it.
func (b *RedisBus) consume(ctx context.Context, topic, group string, h Handler) {
	logger := b.log.With().
		Str("topic", topic).
		Str("group", group).
		Str("consumer", b.opts.Consumer).
		Logger()

	b.claimStale(ctx, topic, group, logger)

	pending := true
	attempt := 0
	for ctx.Err() == nil {
		id := ">"
		if pending {
			id = "0"
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.opts.Consumer,
			Streams:  []string{topic, id},
			Count:    b.opts.Batch,
			Block:    b.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			pending = false
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.opts.Backoff.Delay(attempt)
			logger.Error().Err(err).Dur("retry_in", delay).Msg("xreadgroup failed")
			if !sleep(ctx, delay) {
				return
			}
			attempt++
			continue
		}

		var entries []redis.XMessage
		for _, s := range streams {
			entries = append(entries, s.Messages...)
		}

		if pending && len(entries) == 0 {
			pending = false
			continue
		}

		if err := b.deliverAll(ctx, topic, group, entries, h, logger); err != nil {
			pending = true
			delay := b.opts.Backoff.Delay(attempt)
			logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("handler failed, redelivering")
			if !sleep(ctx, delay) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
	}
}

func (b *RedisBus) deliverAll(ctx context.Context, topic, group string, entries []redis.XMessage, h Handler, logger zerolog.Logger) error {
	for _, entry := range entries {
		msg, err := decodeEntry(topic, entry)
		if err != nil {
			// can never succeed, so acknowledge rather than block the stream
			logger.Error().Err(err).Str("entry_id", entry.ID).Msg("dropping undecodable entry")
			if err := b.client.XAck(ctx, topic, group, entry.ID).Err(); err != nil {
				return fmt.Errorf("xack %s: %w", entry.ID, err)
			}
			continue
		}

		if err := h(ctx, msg); err != nil {
			return fmt.Errorf("entry %s: %w", entry.ID, err)
		}

		if err := b.client.XAck(ctx, topic, group, entry.ID).Err(); err != nil {
			return fmt.Errorf("xack %s: %w", entry.ID, err)
		}
	}

	return nil
}

// claimStale moves entries left idle by other consumers of the group into
// this consumer's pending list.
func (b *RedisBus) claimStale(ctx context.Context, topic, group string, logger zerolog.Logger) {
	start := "0-0"
	for ctx.Err() == nil {
		claimed, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: b.opts.Consumer,
			MinIdle:  b.opts.ClaimIdle,
			Start:    start,
			Count:    b.opts.Batch,
		}).Result()
		if err != nil {
			logger.Warn().Err(err).Msg("xautoclaim failed, continuing with own pending entries")
			return
		}

		if len(claimed) > 0 {
			logger.Info().Int("count", len(claimed)).Msg("claimed stale entries")
		}

		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

func decodeEntry(topic string, entry redis.XMessage) (*Message, error) {
	payload, ok := entry.Values[fieldPayload].(string)
	if !ok {
		return nil, errors.New("missing payload")
	}

	msg := &Message{
		Id:      entry.ID,
		Topic:   topic,
		Payload: []byte(payload),
		Headers: map[string]string{},
	}

	if key, ok := entry.Values[fieldKey].(string); ok {
		msg.Key = key
	}

	if raw, ok := entry.Values[fieldHeaders].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}

	if eventId, ok := entry.Values[fieldEventId].(string); ok {
		msg.Id = eventId
	}

	return msg, nil
}

// Close stops every subscription, waits for in-flight handlers and closes
// the client.
func (b *RedisBus) Close() error {
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
	return b.client.Close()
}
