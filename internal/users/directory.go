// Package users keeps the chat-side copy of user accounts in step with the
// lifecycle events published by the user service.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/rs/zerolog"
)

var ErrNotFound = database.ErrNotFound

type Directory struct {
	log   zerolog.Logger
	store database.UserDirectory
	stats stats.StatsProvider
}

func NewDirectory(logger zerolog.Logger, store database.UserDirectory, sp stats.StatsProvider) *Directory {
	sp.RegisterMetric(stats.UserEventsProcessed)

	return &Directory{
		log:   logger.With().Str("component", "users").Logger(),
		store: store,
		stats: sp,
	}
}

// HandleMessage is the bus handler for user lifecycle events. Events that
// cannot be decoded are logged and acknowledged; store failures are returned
// so the event is redelivered.
func (d *Directory) HandleMessage(ctx context.Context, m *bus.Message) error {
	evt, err := types.UnmarshalUserEvent(m.Payload)
	if err != nil {
		evtLog := d.log.Error()
		if errors.Is(err, types.ErrUnknownUserEvent) {
			evtLog = d.log.Warn()
		}
		evtLog.Err(err).
			Str("event_id", m.Id).
			Str("key", m.Key).
			Msg("discarding user event")
		return nil
	}

	if err := d.Apply(ctx, evt); err != nil {
		d.log.Error().Err(err).
			Str("event_type", string(evt.EventType())).
			Str("user_id", evt.EventUserId()).
			Msg("failed to apply user event")
		return err
	}

	d.stats.Incr(stats.UserEventsProcessed)
	return nil
}

// Apply projects a single event onto the directory. Every branch is safe to
// repeat.
func (d *Directory) Apply(ctx context.Context, evt types.UserEvent) error {
	userId := evt.EventUserId()

	switch e := evt.(type) {
	case *types.UserCreated:
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = e.EventTime()
		}

		created, err := d.store.CreateChatUser(ctx, database.ChatUser{
			UserId:     userId,
			Username:   e.Username,
			Email:      e.Email,
			IsVerified: e.IsVerified,
			CreatedAt:  createdAt,
			UpdatedAt:  createdAt,
		})
		if err != nil {
			return fmt.Errorf("create chat user: %w", err)
		}
		if !created {
			d.log.Debug().Str("user_id", userId).Msg("chat user already exists")
		}
	case *types.UserUpdated:
		err := d.store.UpdateChatUser(ctx, userId, database.UpdateChatUserParams{
			Username:   e.Username,
			Email:      e.Email,
			IsVerified: e.IsVerified,
			IsOnline:   e.IsOnline,
		})
		if err != nil {
			return fmt.Errorf("update chat user: %w", err)
		}
	case *types.UserVerified:
		if err := d.store.MarkChatUserVerified(ctx, userId); err != nil {
			return fmt.Errorf("mark chat user verified: %w", err)
		}
	case *types.UserOnlineStatusChanged:
		lastSeenAt := e.LastSeenAt
		if !e.IsOnline && lastSeenAt == nil {
			now := time.Now().UTC()
			lastSeenAt = &now
		}

		if err := d.store.SetChatUserOnline(ctx, userId, e.IsOnline, lastSeenAt); err != nil {
			return fmt.Errorf("set chat user online: %w", err)
		}
	default:
		return fmt.Errorf("%w: %T", types.ErrUnknownUserEvent, evt)
	}

	d.log.Debug().
		Str("event_type", string(evt.EventType())).
		Str("user_id", userId).
		Msg("user event applied")

	return nil
}

func (d *Directory) GetUser(ctx context.Context, userId string) (types.ChatUser, error) {
	u, err := d.store.GetChatUser(ctx, userId)
	if err != nil {
		return types.ChatUser{}, err
	}

	return types.ChatUser{
		UserId:     u.UserId,
		Username:   u.Username,
		Email:      u.Email,
		IsVerified: u.IsVerified,
		IsOnline:   u.IsOnline,
		LastSeenAt: u.LastSeenAt,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}, nil
}
