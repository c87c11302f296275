// Command userevent publishes a single user lifecycle event to the user
// events stream. It is meant for local testing and backfills.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/logging"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/npezzotti/go-chatrelay/internal/users"
)

const publishTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "userevent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		eventType = flag.String("type", string(types.UserCreatedEvent), "event type")
		userId    = flag.String("user", "", "user id")
		username  = flag.String("username", "", "username")
		email     = flag.String("email", "", "email address")
		verified  = flag.Bool("verified", false, "verified flag")
		online    = flag.Bool("online", false, "online flag")
	)
	flag.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis url")
	flag.StringVar(&cfg.UserTopic, "topic", cfg.UserTopic, "user events topic")
	flag.Parse()

	if *userId == "" {
		return errors.New("-user is required")
	}

	logger, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, Console: true, Service: "userevent"})
	if err != nil {
		return err
	}
	defer closer.Close()

	evt, err := buildEvent(types.UserEventType(*eventType), *userId, *username, *email, *verified, *online, flagSet())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	b, err := bus.NewRedisBus(ctx, cfg.RedisURL, bus.RedisOptions{MaxLen: cfg.StreamMaxLen}, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := users.NewPublisher(b, cfg.UserTopic).Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	logger.Info().
		Str("event_type", string(evt.EventType())).
		Str("user_id", evt.EventUserId()).
		Msg("user event published")

	return nil
}

// flagSet reports which flags were given explicitly, so an update event only
// carries the fields the caller meant to change.
func flagSet() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func buildEvent(eventType types.UserEventType, userId, username, email string, verified, online bool, set map[string]bool) (types.UserEvent, error) {
	now := time.Now().UTC()
	meta := types.EventMeta{UserId: userId, Timestamp: now}

	switch eventType {
	case types.UserCreatedEvent:
		return &types.UserCreated{
			EventMeta:  meta,
			Username:   username,
			Email:      email,
			IsVerified: verified,
			CreatedAt:  now,
		}, nil
	case types.UserUpdatedEvent:
		evt := &types.UserUpdated{EventMeta: meta, UpdatedAt: now}
		if set["username"] {
			evt.Username = &username
		}
		if set["email"] {
			evt.Email = &email
		}
		if set["verified"] {
			evt.IsVerified = &verified
		}
		if set["online"] {
			evt.IsOnline = &online
		}
		return evt, nil
	case types.UserVerifiedEvent:
		return &types.UserVerified{EventMeta: meta, VerifiedAt: &now}, nil
	case types.UserOnlineStatusChangedEvent:
		evt := &types.UserOnlineStatusChanged{EventMeta: meta, IsOnline: online}
		if !online {
			evt.LastSeenAt = &now
		}
		return evt, nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownUserEvent, eventType)
	}
}
