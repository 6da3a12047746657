package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"meridian"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	RedisAddr   string `env:"REDIS_ADDR"`

	WebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET"`

	ProviderBaseURL string        `env:"PAYMENT_PROVIDER_BASE_URL"`
	ProviderAPIKey  string        `env:"PAYMENT_PROVIDER_API_KEY"`
	ProviderTimeout time.Duration `env:"PAYMENT_PROVIDER_TIMEOUT" envDefault:"15s"`

	IdempotencyTTL       time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"168h"`
	AutoReleaseDelayDays int           `env:"AUTO_RELEASE_DELAY_DAYS" envDefault:"5"`
	EnableAutoRelease    bool          `env:"ENABLE_AUTO_RELEASE" envDefault:"true"`

	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"30s"`
	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE" envDefault:"100"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
