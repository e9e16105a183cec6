package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string

	// RedisAddr enables the multi-instance backplane when set.
	RedisAddr string

	SuggestURL     string
	SuggestKey     string
	SuggestTimeout time.Duration

	SendRPS   float64
	SendBurst int

	Development bool
}

// EnvConfig holds the values read from the environment. They become flag
// defaults in cmd/server, so explicit flags still win.
type EnvConfig struct {
	Addr           string   `env:"MESSENGER_ADDR" envDefault:"localhost:8000"`
	DSN            string   `env:"MESSENGER_DSN" envDefault:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	SigningKey     string   `env:"MESSENGER_SIGNING_KEY"`
	AllowedOrigins []string `env:"MESSENGER_ALLOWED_ORIGINS" envSeparator:","`
	RedisAddr      string   `env:"MESSENGER_REDIS_ADDR"`
	SuggestURL     string   `env:"MESSENGER_SUGGEST_URL"`
	SuggestKey     string   `env:"MESSENGER_SUGGEST_KEY"`
	SendRPS        float64  `env:"MESSENGER_SEND_RPS" envDefault:"5"`
	SendBurst      int      `env:"MESSENGER_SEND_BURST" envDefault:"10"`
	Development    bool     `env:"DEV" envDefault:"false"`
}

type Option interface {
	apply(*Config)
}

type optionFunc func(c *Config)

func (f optionFunc) apply(c *Config) { f(c) }

func WithRedis(addr string) Option {
	return optionFunc(func(c *Config) {
		c.RedisAddr = addr
	})
}

func WithSuggest(rawURL, key string) Option {
	return optionFunc(func(c *Config) {
		c.SuggestURL = rawURL
		c.SuggestKey = key
	})
}

// WithSendRate sets the per-user message send limit.
func WithSendRate(rps float64, burst int) Option {
	return optionFunc(func(c *Config) {
		c.SendRPS = rps
		c.SendBurst = burst
	})
}

func WithDevelopment(dev bool) Option {
	return optionFunc(func(c *Config) {
		c.Development = dev
	})
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing key")
	}

	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		SuggestTimeout: 15 * time.Second,
		SendRPS:        5,
		SendBurst:      10,
	}

	for _, o := range opts {
		o.apply(cfg)
	}

	if cfg.SuggestURL != "" {
		if _, err := url.ParseRequestURI(cfg.SuggestURL); err != nil {
			return nil, fmt.Errorf("invalid suggestion url: %w", err)
		}
	}
	if cfg.SendRPS <= 0 || cfg.SendBurst <= 0 {
		return nil, fmt.Errorf("send rate must be positive")
	}

	return cfg, nil
}
