package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port                   int    `env:"PORT" envDefault:"8080"`
	RedisURL               string `env:"REDIS_URL,required"`
	AuthJWTSecret          string `env:"AUTH_JWT_SECRET,required"`
	DeepLinkBaseURL        string `env:"DEEP_LINK_BASE_URL" envDefault:"https://asklive.app"`
	QueueStream            string `env:"QUEUE_STREAM" envDefault:"sessions:commands"`
	QueueGroup             string `env:"QUEUE_GROUP" envDefault:"session-server"`
	QueueConsumer          string `env:"QUEUE_CONSUMER"`
	QueueVisibilitySeconds int    `env:"QUEUE_VISIBILITY_SECONDS" envDefault:"30"`
	RateLimitPerMin        int    `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) QueueVisibility() time.Duration {
	return time.Duration(c.QueueVisibilitySeconds) * time.Second
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.QueueConsumer == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "session-server"
		}
		cfg.QueueConsumer = hostname
	}
	return &cfg, nil
}
