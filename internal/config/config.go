package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBadger   = "badger"

	BusDriverRedis  = "redis"
	BusDriverMemory = "memory"

	envPrefix       = "gochat"
	chatGroupPrefix = "chat-consumer-"
)

type Config struct {
	ServerAddr     string   `envconfig:"SERVER_ADDR" default:"localhost:8000"`
	StoreDriver    string   `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseDSN    string   `envconfig:"DATABASE_DSN" default:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	BadgerPath     string   `envconfig:"BADGER_PATH" default:"./data/chat"`
	BusDriver      string   `envconfig:"BUS_DRIVER" default:"redis"`
	RedisURL       string   `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	ConsumerName   string   `envconfig:"CONSUMER_NAME"`
	StreamMaxLen   int64    `envconfig:"STREAM_MAX_LEN" default:"100000"`
	ChatTopic      string   `envconfig:"CHAT_TOPIC" default:"chat.messages.one-to-one"`
	ChatGroup      string   `envconfig:"CHAT_GROUP"`
	UserTopic      string   `envconfig:"USER_EVENTS_TOPIC" default:"user.events"`
	UserGroup      string   `envconfig:"USER_EVENTS_GROUP" default:"chat-user-consumer"`
	SigningSecret  string   `envconfig:"SIGNING_KEY"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFile        string   `envconfig:"LOG_FILE"`
	Env            string   `envconfig:"ENV" default:"development"`

	// SigningKey is the decoded SigningSecret, set by Validate.
	SigningKey []byte `ignored:"true"`
}

// Load reads an optional .env file and then the GOCHAT_* environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if cfg.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "chat-relay"
		}
		cfg.ConsumerName = host
	}

	// Live connections are local to a process, so every instance needs its
	// own copy of the chat stream.
	if cfg.ChatGroup == "" {
		cfg.ChatGroup = chatGroupPrefix + cfg.ConsumerName
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.ServerAddr, validation.Required),
		validation.Field(&c.StoreDriver, validation.Required, validation.In(StoreDriverPostgres, StoreDriverBadger)),
		validation.Field(&c.DatabaseDSN, validation.When(c.StoreDriver == StoreDriverPostgres, validation.Required)),
		validation.Field(&c.BadgerPath, validation.When(c.StoreDriver == StoreDriverBadger, validation.Required)),
		validation.Field(&c.BusDriver, validation.Required, validation.In(BusDriverRedis, BusDriverMemory)),
		validation.Field(&c.RedisURL, validation.When(c.BusDriver == BusDriverRedis, validation.Required)),
		validation.Field(&c.ConsumerName, validation.When(c.BusDriver == BusDriverRedis, validation.Required)),
		validation.Field(&c.ChatTopic, validation.Required),
		validation.Field(&c.ChatGroup, validation.Required),
		validation.Field(&c.UserTopic, validation.Required),
		validation.Field(&c.UserGroup, validation.Required),
		validation.Field(&c.SigningSecret, validation.Required),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
	)
	if err != nil {
		return err
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("signing secret cannot be empty")
	}

	return key, nil
}
