package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/teris-io/shortid"
)

const (
	maxBodySize   = 64 * 1024
	healthTimeout = 2 * time.Second
)

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func decodeJson(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req types.SendMessageRequest
	if err := decodeJson(w, r, &req); err != nil {
		s.log.Debug().Err(err).Msg("failed to decode request")
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.messages.SendMessage(r.Context(), requesterId(r), req)
	var pubErr *relay.PublishError
	if err != nil && !errors.As(err, &pubErr) {
		s.writeError(w, apiErrorFor(err))
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	otherUserId := chi.URLParam(r, "otherUserId")
	requester := r.URL.Query().Get("requesterId")
	if requester == "" {
		s.writeError(w, NewBadRequestError())
		return
	}
	// an identified caller may only read its own conversations
	if caller := requesterId(r); caller != "" && caller != requester {
		s.writeError(w, NewForbiddenError())
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = n
	}

	msgs, err := s.messages.FindConversation(r.Context(), requester, otherUserId, limit)
	if err != nil {
		s.writeError(w, apiErrorFor(err))
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *GoChatApp) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateStatusRequest
	if err := decodeJson(w, r, &req); err != nil {
		s.log.Debug().Err(err).Msg("failed to decode request")
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.messages.UpdateStatus(r.Context(), chi.URLParam(r, "messageId"), req.Status)
	if err != nil {
		s.writeError(w, apiErrorFor(err))
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *GoChatApp) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.GetUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.writeError(w, apiErrorFor(err))
		return
	}

	s.writeJson(w, http.StatusOK, u)
}

func (s *GoChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := s.health.Ping(ctx); err != nil {
			s.writeError(w, NewServiceUnavailableError(err))
			return
		}
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveWs upgrades the request. A connection opened with a valid token is
// bound immediately; otherwise the client may bind later with an auth frame.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	connId, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(connId, userId, conn, s.cs, s.log)
	if err := s.cs.RegisterClient(client); err != nil {
		s.log.Error().Err(err).Str("connection_id", connId).Msg("failed to register client")
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
