package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/rs/zerolog"
)

type MessageService interface {
	SendMessage(ctx context.Context, senderId string, req types.SendMessageRequest) (types.Message, error)
	FindConversation(ctx context.Context, requesterId, otherUserId string, limit int) ([]types.Message, error)
	UpdateStatus(ctx context.Context, messageId string, status types.MessageStatus) (types.Message, error)
}

type UserLookup interface {
	GetUser(ctx context.Context, userId string) (types.ChatUser, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type GoChatApp struct {
	log            zerolog.Logger
	messages       MessageService
	users          UserLookup
	health         HealthChecker
	cs             *server.ChatServer
	tokens         server.TokenVerifier
	allowedOrigins []string
	handler        http.Handler
	srv            *http.Server
}

// Deps bundles the collaborators of the HTTP layer. Metrics may be nil.
type Deps struct {
	ChatServer *server.ChatServer
	Messages   MessageService
	Users      UserLookup
	Health     HealthChecker
	Tokens     server.TokenVerifier
	Metrics    http.Handler
}

func NewGoChatApp(logger zerolog.Logger, deps Deps, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		messages:       deps.Messages,
		users:          deps.Users,
		health:         deps.Health,
		cs:             deps.ChatServer,
		tokens:         deps.Tokens,
		allowedOrigins: cfg.AllowedOrigins,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))

	r.Get("/healthz", s.healthz)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.identify)

		r.Post("/api/messages", s.sendMessage)
		r.Get("/api/messages/conversation/{otherUserId}", s.getConversation)
		r.Patch("/api/messages/{messageId}/status", s.updateStatus)
		r.Get("/api/users/{userId}", s.getUser)
		r.Get("/ws", s.serveWs)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", userIdHeader}),
		handlers.AllowCredentials(),
	)(r)

	s.handler = s.errorHandler(h)
	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: s.handler,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.handler
}

func (s *GoChatApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
