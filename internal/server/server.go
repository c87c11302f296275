package server

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/rs/zerolog"
)

const shutdownPollInterval = 50 * time.Millisecond

// MessageRelay is the part of the relay coordinator a websocket client uses.
type MessageRelay interface {
	SendMessage(ctx context.Context, senderId string, req types.SendMessageRequest) (types.Message, error)
	UpdateStatus(ctx context.Context, messageId string, status types.MessageStatus) (types.Message, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// ChatServer owns the live connections of this instance and delivers
// messages consumed from the bus to them.
type ChatServer struct {
	log      zerolog.Logger
	relay    MessageRelay
	tokens   TokenVerifier
	registry *Registry
	stats    stats.StatsProvider
}

func NewChatServer(logger zerolog.Logger, relay MessageRelay, tokens TokenVerifier, sp stats.StatsProvider) *ChatServer {
	sp.RegisterMetric(stats.ActiveConnections)
	sp.RegisterMetric(stats.Broadcasts)
	sp.RegisterMetric(stats.DispatchFailures)

	return &ChatServer{
		log:      logger,
		relay:    relay,
		tokens:   tokens,
		registry: NewRegistry(),
		stats:    sp,
	}
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

func (cs *ChatServer) RegisterClient(c *Client) error {
	if err := cs.registry.Register(c.id, c.UserId(), c); err != nil {
		return err
	}

	cs.stats.Incr(stats.ActiveConnections)
	cs.log.Debug().
		Str("connection_id", c.id).
		Str("user_id", c.UserId()).
		Msg("client registered")

	return nil
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.unregister(c.id)
}

func (cs *ChatServer) unregister(connId string) {
	if cs.registry.Unregister(connId) {
		cs.stats.Decr(stats.ActiveConnections)
		cs.log.Debug().Str("connection_id", connId).Msg("client deregistered")
	}
}

// Shutdown closes every live connection and waits until each has
// deregistered or ctx is done.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	subs := cs.registry.All()
	cs.log.Info().Int("connections", len(subs)).Msg("closing client connections")

	for _, s := range subs {
		s.pusher.Close()
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for cs.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}
