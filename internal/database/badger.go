package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const badgerConflictRetries = 3

// BadgerChatRepository stores messages under
// "msg:{conversation}:{19-digit ms}:{id}" so a reverse prefix scan yields a
// conversation newest first. "msgid:{id}" points back at the message key.
type BadgerChatRepository struct {
	db  *badger.DB
	log zerolog.Logger
}

// NewBadgerChatRepository opens a store at path, or an in-memory store when
// path is empty.
func NewBadgerChatRepository(path string, logger zerolog.Logger) (*BadgerChatRepository, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerChatRepository{db: db, log: logger}, nil
}

func conversationPrefix(userA, userB string) []byte {
	if userB < userA {
		userA, userB = userB, userA
	}
	return []byte(fmt.Sprintf("msg:%s:%s:", userA, userB))
}

func messageKey(m Message) []byte {
	return append(conversationPrefix(m.SenderId, m.ReceiverId), fmt.Sprintf("%019d:%s", m.Timestamp, m.Id)...)
}

func messageIndexKey(id string) []byte {
	return []byte("msgid:" + id)
}

func chatUserKey(userId string) []byte {
	return []byte("user:" + userId)
}

func (r *BadgerChatRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.Debug().Int("attempt", i+1).Msg("badger transaction conflict, retrying")
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (r *BadgerChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	msg := newMessage(params)
	key := messageKey(msg)

	err := r.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, key, msg); err != nil {
			return err
		}
		return txn.Set(messageIndexKey(msg.Id), key)
	})
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (r *BadgerChatRepository) GetConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := conversationPrefix(userA, userB)
	messages := []Message{}

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// '~' sorts after every digit, so the seek lands on the newest key.
		for it.Seek(append(prefix, '~')); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			var m Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}

			// user ids containing ':' can share a prefix with another pair
			if !isBetween(m, userA, userB) {
				continue
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

func isBetween(m Message, a, b string) bool {
	return (m.SenderId == a && m.ReceiverId == b) || (m.SenderId == b && m.ReceiverId == a)
}

func (r *BadgerChatRepository) UpdateMessageStatus(ctx context.Context, id, status string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	var msg Message
	err := r.update(func(txn *badger.Txn) error {
		item, err := txn.Get(messageIndexKey(id))
		if err != nil {
			return err
		}

		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		if err := getJSON(txn, key, &msg); err != nil {
			return err
		}

		msg.Status = status
		msg.UpdatedAt = time.Now().UTC()
		return setJSON(txn, key, msg)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (r *BadgerChatRepository) CreateChatUser(ctx context.Context, user ChatUser) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	created := false
	err := r.update(func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get(chatUserKey(user.UserId))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := time.Now().UTC()
		if user.CreatedAt.IsZero() {
			user.CreatedAt = now
		}
		user.UpdatedAt = now

		created = true
		return setJSON(txn, chatUserKey(user.UserId), user)
	})

	return created, err
}

// modifyChatUser applies fn to an existing user. A missing user is a no-op.
func (r *BadgerChatRepository) modifyChatUser(ctx context.Context, userId string, fn func(u *ChatUser)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.update(func(txn *badger.Txn) error {
		var u ChatUser
		err := getJSON(txn, chatUserKey(userId), &u)
		if errors.Is(err, badger.ErrKeyNotFound) {
			r.log.Debug().Str("user_id", userId).Msg("chat user not found, skipping update")
			return nil
		}
		if err != nil {
			return err
		}

		fn(&u)
		u.UpdatedAt = time.Now().UTC()
		return setJSON(txn, chatUserKey(userId), u)
	})
}

func (r *BadgerChatRepository) UpdateChatUser(ctx context.Context, userId string, params UpdateChatUserParams) error {
	return r.modifyChatUser(ctx, userId, func(u *ChatUser) {
		if params.Username != nil {
			u.Username = *params.Username
		}
		if params.Email != nil {
			u.Email = *params.Email
		}
		if params.IsVerified != nil {
			u.IsVerified = *params.IsVerified
		}
		if params.IsOnline != nil {
			u.IsOnline = *params.IsOnline
		}
	})
}

func (r *BadgerChatRepository) MarkChatUserVerified(ctx context.Context, userId string) error {
	return r.modifyChatUser(ctx, userId, func(u *ChatUser) {
		u.IsVerified = true
	})
}

func (r *BadgerChatRepository) SetChatUserOnline(ctx context.Context, userId string, online bool, lastSeenAt *time.Time) error {
	return r.modifyChatUser(ctx, userId, func(u *ChatUser) {
		u.IsOnline = online
		if lastSeenAt != nil {
			u.LastSeenAt = lastSeenAt
		}
	})
}

func (r *BadgerChatRepository) GetChatUser(ctx context.Context, userId string) (ChatUser, error) {
	if err := ctx.Err(); err != nil {
		return ChatUser{}, err
	}

	var u ChatUser
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, chatUserKey(userId), &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ChatUser{}, ErrNotFound
	}

	return u, err
}

func (r *BadgerChatRepository) Ping(ctx context.Context) error {
	if r.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return ctx.Err()
}

func (r *BadgerChatRepository) Close() error {
	return r.db.Close()
}
