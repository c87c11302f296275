package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

const EventNewMessage = "newMessage"

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame received from a websocket client. Exactly one of
// the payload fields is expected to be set.
type ClientMessage struct {
	BaseMessage
	Auth         *Auth                     `json:"auth,omitempty"`
	SendMessage  *types.SendMessageRequest `json:"sendMessage,omitempty"`
	UpdateStatus *UpdateStatus             `json:"updateStatus,omitempty"`
}

type Auth struct {
	Token string `json:"token"`
}

type UpdateStatus struct {
	MessageId string              `json:"messageId"`
	Status    types.MessageStatus `json:"status"`
}

type ServerMessage struct {
	BaseMessage
	Event    string         `json:"event,omitempty"`
	Response *Response      `json:"response,omitempty"`
	Message  *types.Message `json:"message,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"responseCode"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// NewMessageEvent wraps a relayed message for delivery to live subscribers.
func NewMessageEvent(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event:   EventNewMessage,
		Message: &msg,
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrCreated(id int, data any) *ServerMessage {
	return response(id, http.StatusCreated, "", data)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return response(id, http.StatusBadRequest, reason, nil)
}

func ErrUnauthorized(id int) *ServerMessage {
	return response(id, http.StatusUnauthorized, "unauthorized", nil)
}

func ErrConflict(id int, reason string) *ServerMessage {
	return response(id, http.StatusConflict, reason, nil)
}

func ErrMessageNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "message not found", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
