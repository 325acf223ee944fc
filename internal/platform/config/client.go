package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// ClientConfig configures a realtime client session.
type ClientConfig struct {
	RealtimeURL string   `env:"REALTIME_URL" default:"http://localhost:8080"`
	UserID      string   `env:"REALTIME_USER_ID"`
	Teams       []string `env:"REALTIME_TEAMS"`
	LogLevel    string   `env:"LOG_LEVEL" default:"info"`
	LogFormat   string   `env:"LOG_FORMAT" default:"text"`

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" default:"10s"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" default:"3s"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" default:"30s"`
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" default:"2m"`
	RetentionCount int           `env:"RETENTION_COUNT" default:"100"`
}

func LoadClient() (*ClientConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg ClientConfig
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validateClient(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateClient(cfg *ClientConfig) error {
	if cfg.UserID == "" {
		return errors.New("REALTIME_USER_ID is required")
	}
	u, err := url.Parse(cfg.RealtimeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("REALTIME_URL must be an http(s) URL, got %q", cfg.RealtimeURL)
	}
	if cfg.ConnectTimeout <= 0 {
		return errors.New("CONNECT_TIMEOUT must be positive")
	}
	if cfg.ReconnectDelay <= 0 || cfg.PollInterval <= 0 {
		return errors.New("RECONNECT_DELAY and POLL_INTERVAL must be positive")
	}
	if cfg.StaleThreshold <= 0 {
		return errors.New("STALE_THRESHOLD must be positive")
	}
	if cfg.RetentionCount < 1 {
		return errors.New("RETENTION_COUNT must be at least 1")
	}
	return nil
}
