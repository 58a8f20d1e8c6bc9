package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CarrierBaseURL        string `env:"CARRIER_BASE_URL" envDefault:"https://api.africastalking.com/version1/messaging"`
	CarrierUsername       string `env:"CARRIER_USERNAME"`
	CarrierAPIKey         string `env:"CARRIER_API_KEY"`
	CarrierSenderID       string `env:"CARRIER_SENDER_ID"`
	CarrierTimeoutSeconds int    `env:"CARRIER_TIMEOUT_SECONDS" envDefault:"10"`
	CarrierRatePerMin     int    `env:"CARRIER_RATE_PER_MIN" envDefault:"600"`

	QueueChunkSize          int `env:"QUEUE_CHUNK_SIZE" envDefault:"50"`
	QueueMaxAttempts        int `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	QueueBackoffBaseSeconds int `env:"QUEUE_BACKOFF_BASE_SECONDS" envDefault:"5"`
	QueueConcurrency        int `env:"QUEUE_CONCURRENCY" envDefault:"4"`
	QueuePollMillis         int `env:"QUEUE_POLL_MILLIS" envDefault:"500"`
	QueueRetentionHours     int `env:"QUEUE_RETENTION_HOURS" envDefault:"72"`

	SessionTTLSeconds     int    `env:"SESSION_TTL_SECONDS" envDefault:"300"`
	USSDRatePerMin        int    `env:"USSD_RATE_PER_MIN" envDefault:"30"`
	SMSAPIKey             string `env:"SMS_API_KEY"`
	NotificationLogBuffer int    `env:"NOTIFICATION_LOG_BUFFER" envDefault:"1024"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) CarrierTimeout() time.Duration {
	return time.Duration(c.CarrierTimeoutSeconds) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.QueueBackoffBaseSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.QueuePollMillis) * time.Millisecond
}

func (c *Config) QueueRetention() time.Duration {
	return time.Duration(c.QueueRetentionHours) * time.Hour
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// MockCarrier reports whether outbound SMS should be logged instead of sent.
func (c *Config) MockCarrier() bool {
	return c.CarrierAPIKey == ""
}

func (c *Config) Validate(isProduction bool) error {
	if c.QueueChunkSize < 1 {
		return fmt.Errorf("QUEUE_CHUNK_SIZE must be at least 1")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1")
	}
	if c.SessionTTLSeconds < 1 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be at least 1")
	}

	if c.MockCarrier() {
		log.Warn().Msg("CARRIER_API_KEY is empty: outbound SMS will be logged as mock deliveries")
	} else if c.CarrierUsername == "" {
		return fmt.Errorf("CARRIER_USERNAME is required when CARRIER_API_KEY is set")
	}

	if isProduction {
		if err := validateSecret("SMS_API_KEY", c.SMSAPIKey); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
