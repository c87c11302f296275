package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendQueueSize  = 256
	requestTimeout = 10 * time.Second
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrClientClosed  = errors.New("client closed")
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once

	mu     sync.RWMutex
	userId string
}

// NewClient wraps an upgraded connection. userId may be empty when the
// connection was opened without a token and will be bound later by an auth
// frame.
func NewClient(id, userId string, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("connection_id", id).Logger(),
		userId:     userId,
		send:       make(chan *ServerMessage, sendQueueSize),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) UserId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userId
}

func (c *Client) setUserId(userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userId = userId
}

// Push queues msg without blocking.
func (c *Client) Push(msg *ServerMessage) error {
	select {
	case <-c.stop:
		return ErrClientClosed
	default:
	}

	if !c.queueMessage(msg) {
		return ErrSendQueueFull
	}

	return nil
}

// Close stops the write pump, which closes the connection and in turn ends
// the read pump. Safe to call more than once.
func (c *Client) Close() {
	c.stopClient()
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	msg.Timestamp = Now()

	switch {
	case msg.Auth != nil:
		c.handleAuth(msg)
	case msg.SendMessage != nil:
		c.handleSendMessage(msg)
	case msg.UpdateStatus != nil:
		c.handleUpdateStatus(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) handleAuth(msg *ClientMessage) {
	if c.chatServer.tokens == nil || msg.Auth.Token == "" {
		c.queueMessage(ErrUnauthorized(msg.Id))
		return
	}

	userId, err := c.chatServer.tokens.VerifyToken(msg.Auth.Token)
	if err != nil {
		c.log.Debug().Err(err).Msg("token rejected")
		c.queueMessage(ErrUnauthorized(msg.Id))
		return
	}

	if err := c.chatServer.registry.Bind(c.id, userId); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyBound):
			c.queueMessage(ErrConflict(msg.Id, err.Error()))
		default:
			c.log.Error().Err(err).Msg("failed to bind connection")
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	c.setUserId(userId)
	c.log.Debug().Str("user_id", userId).Msg("connection bound")
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"userId": userId}))
}

func (c *Client) handleSendMessage(msg *ClientMessage) {
	senderId := c.UserId()
	if senderId == "" {
		senderId = msg.SendMessage.SenderId
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stored, err := c.chatServer.relay.SendMessage(ctx, senderId, *msg.SendMessage)
	var pubErr *relay.PublishError
	if err != nil && !errors.As(err, &pubErr) {
		c.queueMessage(c.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrCreated(msg.Id, stored))
}

func (c *Client) handleUpdateStatus(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	updated, err := c.chatServer.relay.UpdateStatus(ctx, msg.UpdateStatus.MessageId, msg.UpdateStatus.Status)
	if err != nil {
		c.queueMessage(c.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, updated))
}

func (c *Client) errorResponse(id int, err error) *ServerMessage {
	var valErr *relay.ValidationError
	switch {
	case errors.As(err, &valErr):
		return ErrBadRequest(id, valErr.Error())
	case errors.Is(err, relay.ErrNotFound):
		return ErrMessageNotFound(id)
	default:
		c.log.Error().Err(err).Msg("request failed")
		return ErrInternalError(id)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.DeRegisterClient(c)
	c.stopClient()
}
