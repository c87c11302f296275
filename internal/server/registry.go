package server

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrAlreadyBound        = errors.New("connection bound to another user")
)

// Pusher delivers server frames to a single live connection.
type Pusher interface {
	Push(msg *ServerMessage) error
	Close()
}

// Subscriber is a snapshot of one registered connection. UserId is empty
// until the connection is bound.
type Subscriber struct {
	ConnectionId string
	UserId       string
	pusher       Pusher
}

// Registry tracks live connections and the user each one is bound to. A
// connection belongs to at most one user; a user may hold many connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Subscriber
	users map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Subscriber),
		users: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection, bound to userId when it is non-empty.
func (r *Registry) Register(connId, userId string, p Pusher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connId]; ok {
		return ErrDuplicateConnection
	}

	r.conns[connId] = &Subscriber{ConnectionId: connId, pusher: p}
	if userId != "" {
		r.bindLocked(connId, userId)
	}

	return nil
}

// Bind attaches an identity to an unbound connection. Binding to the same
// user again is a no-op.
func (r *Registry) Bind(connId, userId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.conns[connId]
	if !ok {
		return ErrConnectionNotFound
	}

	switch sub.UserId {
	case userId:
		return nil
	case "":
		r.bindLocked(connId, userId)
		return nil
	default:
		return ErrAlreadyBound
	}
}

func (r *Registry) bindLocked(connId, userId string) {
	r.conns[connId].UserId = userId

	set, ok := r.users[userId]
	if !ok {
		set = make(map[string]struct{})
		r.users[userId] = set
	}
	set[connId] = struct{}{}
}

// Unregister removes a connection and reports whether it was present.
func (r *Registry) Unregister(connId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.conns[connId]
	if !ok {
		return false
	}

	delete(r.conns, connId)
	if set, ok := r.users[sub.UserId]; ok {
		delete(set, connId)
		if len(set) == 0 {
			delete(r.users, sub.UserId)
		}
	}

	return true
}

// Lookup returns the ids of the connections bound to userId, sorted.
func (r *Registry) Lookup(userId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.users[userId])
	slices.Sort(ids)
	return ids
}

// Subscribers returns the connections bound to any of userIds. Each
// connection appears once even when a user id is repeated.
func (r *Registry) Subscribers(userIds ...string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []Subscriber
	for _, userId := range lo.Uniq(userIds) {
		for connId := range r.users[userId] {
			subs = append(subs, *r.conns[connId])
		}
	}

	return subs
}

// All returns every registered connection, bound or not.
func (r *Registry) All() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapToSlice(r.conns, func(_ string, s *Subscriber) Subscriber {
		return *s
	})
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
