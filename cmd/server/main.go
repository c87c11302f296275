package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/logging"
	"github.com/npezzotti/go-chatrelay/internal/relay"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/users"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chat relay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var allowedOrigins stringSliceFlag
	flag.StringVar(&cfg.ServerAddr, "addr", cfg.ServerAddr, "server address")
	flag.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "message store driver (postgres|badger)")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "postgres connection string")
	flag.StringVar(&cfg.BadgerPath, "badger-path", cfg.BadgerPath, "badger data directory")
	flag.StringVar(&cfg.BusDriver, "bus", cfg.BusDriver, "event bus driver (redis|memory)")
	flag.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis url")
	flag.StringVar(&cfg.SigningSecret, "signing-key", cfg.SigningSecret, "base64 encoded signing key")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rotated log file, in addition to stderr")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: cfg.Env == "development",
		Service: "chat-relay",
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()

	eventBus, err := openBus(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bus open: %w", err)
	}

	statsUpdater := stats.NewStatsUpdater()
	tokens := auth.NewTokenManager(cfg.SigningKey)

	coordinator := relay.NewCoordinator(logger, repo, eventBus, statsUpdater, cfg.ChatTopic)
	chatServer := server.NewChatServer(logger, coordinator, tokens, statsUpdater)
	directory := users.NewDirectory(logger, repo, statsUpdater)

	if err := eventBus.Subscribe(ctx, cfg.ChatTopic, cfg.ChatGroup, chatServer.HandleMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.ChatTopic, err)
	}
	if err := eventBus.Subscribe(ctx, cfg.UserTopic, cfg.UserGroup, directory.HandleMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.UserTopic, err)
	}

	srv := api.NewGoChatApp(logger, api.Deps{
		ChatServer: chatServer,
		Messages:   coordinator,
		Users:      directory,
		Health:     repo,
		Tokens:     tokens,
		Metrics:    statsUpdater.Handler(),
	}, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down chat server")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	if err := eventBus.Close(); err != nil {
		logger.Error().Err(err).Msg("bus close")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (database.ChatRepository, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverBadger:
		return database.NewBadgerChatRepository(cfg.BadgerPath, logger)
	default:
		return database.NewPgChatRepository(ctx, cfg.DatabaseDSN)
	}
}

func openBus(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (bus.Bus, error) {
	switch cfg.BusDriver {
	case config.BusDriverMemory:
		return bus.NewMemoryBus(logger, bus.DefaultBackoff()), nil
	default:
		return bus.NewRedisBus(ctx, cfg.RedisURL, bus.RedisOptions{
			Consumer: cfg.ConsumerName,
			MaxLen:   cfg.StreamMaxLen,
		}, logger)
	}
}
