package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`

	EventSubWsURL      string `env:"TWITCH_EVENTSUB_WS_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	WebhookCallbackURL string `env:"TWITCH_EVENTSUB_WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string `env:"TWITCH_EVENTSUB_WEBHOOK_SECRET"`

	ServiceSigningSecret string `env:"SERVICE_SIGNING_SECRET"`
	TokenEncryptionKey   string `env:"TOKEN_ENCRYPTION_KEY"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	FanoutWorkers           int `env:"FANOUT_WORKERS" default:"32"`

	InterestTTL        time.Duration `env:"INTEREST_TTL" default:"60m"`
	PruneInterval      time.Duration `env:"PRUNE_INTERVAL" default:"5m"`
	DedupeWindow       time.Duration `env:"DEDUPE_WINDOW" default:"10m"`
	WsTokenTTL         time.Duration `env:"WS_TOKEN_TTL" default:"60s"`
	OutboundTimeout    time.Duration `env:"OUTBOUND_TIMEOUT" default:"10s"`
	WebhookPostTimeout time.Duration `env:"WEBHOOK_POST_TIMEOUT" default:"5s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL":           cfg.DatabaseURL,
		"TWITCH_CLIENT_ID":       cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET":   cfg.TwitchClientSecret,
		"SERVICE_SIGNING_SECRET": cfg.ServiceSigningSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	// Webhook ingress is optional but the callback URL and secret come as a pair.
	if (cfg.WebhookCallbackURL == "") != (cfg.WebhookSecret == "") {
		return errors.New("TWITCH_EVENTSUB_WEBHOOK_CALLBACK_URL and TWITCH_EVENTSUB_WEBHOOK_SECRET must be set together")
	}

	if cfg.WebhookSecret != "" {
		if len(cfg.WebhookSecret) < 10 || len(cfg.WebhookSecret) > 100 {
			return errors.New("TWITCH_EVENTSUB_WEBHOOK_SECRET must be between 10 and 100 characters")
		}
	}

	// Bot token encryption is optional; when set the key must be AES-256 sized.
	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	return nil
}

// WebhookConfigured reports whether the webhook upstream transport is available.
func (c *Config) WebhookConfigured() bool {
	return c.WebhookCallbackURL != "" && c.WebhookSecret != ""
}
