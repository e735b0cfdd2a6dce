package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Store backends for the toggle state.
const (
	StoreMemory = "memory"
	StorePebble = "pebble"
	StoreRedis  = "redis"
)

// Client holds dashboard client configuration.
type Client struct {
	ServerURL  string `env:"REALTIME_WS_URL" envDefault:"ws://localhost:8765/ws"`
	APIBaseURL string `env:"REALTIME_API_URL" envDefault:"http://localhost:8765"`
	Token      string `env:"REALTIME_TOKEN"`
	ClientID   string `env:"REALTIME_CLIENT_ID"`

	ReconnectBaseDelay   time.Duration `env:"REALTIME_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"REALTIME_RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"REALTIME_RECONNECT_MAX_ATTEMPTS" envDefault:"10"`

	ToggleCooldown    time.Duration `env:"REALTIME_TOGGLE_COOLDOWN" envDefault:"300ms"`
	FreshnessWindow   time.Duration `env:"REALTIME_FRESHNESS_WINDOW" envDefault:"5m"`
	ActivationTimeout time.Duration `env:"REALTIME_ACTIVATION_TIMEOUT" envDefault:"15s"`
	RequestTimeout    time.Duration `env:"REALTIME_REQUEST_TIMEOUT" envDefault:"10s"`

	StoreBackend  string `env:"REALTIME_STORE" envDefault:"memory"`
	PebblePath    string `env:"REALTIME_PEBBLE_PATH" envDefault:"./data/toggle"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"pretty"`
}

// LoadClient reads client configuration from .env and the environment.
// logger may be nil.
func LoadClient(logger *zerolog.Logger) (*Client, error) {
	loadDotEnv(logger)
	return parseClient(nil)
}

func parseClient(opts *env.Options) (*Client, error) {
	cfg := &Client{}
	if err := parse(cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("REALTIME_WS_URL must be a ws:// or wss:// URL (got: %s)", c.ServerURL)
	}
	u, err = url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("REALTIME_API_URL must be an http:// or https:// URL (got: %s)", c.APIBaseURL)
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("REALTIME_RECONNECT_BASE_DELAY must be > 0, got %s", c.ReconnectBaseDelay)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("REALTIME_RECONNECT_MAX_DELAY (%s) must be >= REALTIME_RECONNECT_BASE_DELAY (%s)",
			c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("REALTIME_RECONNECT_MAX_ATTEMPTS must be > 0, got %d", c.ReconnectMaxAttempts)
	}
	if c.FreshnessWindow <= 0 || c.ActivationTimeout <= 0 {
		return fmt.Errorf("REALTIME_FRESHNESS_WINDOW and REALTIME_ACTIVATION_TIMEOUT must be > 0")
	}
	if c.ToggleCooldown < 0 {
		return fmt.Errorf("REALTIME_TOGGLE_COOLDOWN must be >= 0, got %s", c.ToggleCooldown)
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StorePebble:
		if c.PebblePath == "" {
			return fmt.Errorf("REALTIME_PEBBLE_PATH is required for the pebble store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("REALTIME_STORE must be one of: memory, pebble, redis (got: %s)", c.StoreBackend)
	}

	return validateLogging(c.LogLevel, c.LogFormat)
}

// LogConfig logs configuration using structured logging
func (c *Client) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("server_url", c.ServerURL).
		Str("api_url", c.APIBaseURL).
		Str("client_id", c.ClientID).
		Dur("reconnect_base_delay", c.ReconnectBaseDelay).
		Dur("reconnect_max_delay", c.ReconnectMaxDelay).
		Int("reconnect_max_attempts", c.ReconnectMaxAttempts).
		Dur("toggle_cooldown", c.ToggleCooldown).
		Dur("freshness_window", c.FreshnessWindow).
		Dur("activation_timeout", c.ActivationTimeout).
		Str("store", c.StoreBackend).
		Msg("Client configuration loaded")
}
