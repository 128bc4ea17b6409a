// Package config loads processor configuration from the environment with
// sane defaults, so the binary runs locally with nothing set.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port      string
	RedisAddr string

	// PostgresDSN enables the outcome-history sink; empty disables it.
	PostgresDSN string

	Workers       int
	QueueCapacity int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration

	BreakerFailureThreshold uint32
	BreakerRecoveryTimeout  time.Duration

	DedupTTL           time.Duration
	CacheProbeInterval time.Duration

	HealthInterval    time.Duration
	HealthHistorySize int

	ShutdownTimeout time.Duration

	NotifyPerMinute  float64
	SendgridAPIKey   string
	AlertEmailFrom   string
	AlertEmailTo     string
	AlertWebhookURL  string
	AlertWebhookName string
}

func Load(logger *slog.Logger) Config {
	cfg := Config{
		Port:                    envString("PORT", "8080"),
		RedisAddr:               envString("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:             os.Getenv("POSTGRES_DSN"),
		Workers:                 envInt("WORKERS", 4),
		QueueCapacity:           envInt("QUEUE_CAPACITY", 100),
		MaxRetries:              envInt("MAX_RETRIES", 3),
		BackoffBase:             envDuration("BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:              envDuration("BACKOFF_MAX", 30*time.Second),
		BreakerFailureThreshold: uint32(envInt("BREAKER_FAILURE_THRESHOLD", 5)),
		BreakerRecoveryTimeout:  envDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		DedupTTL:                envDuration("DEDUP_TTL", time.Hour),
		CacheProbeInterval:      envDuration("CACHE_PROBE_INTERVAL", 30*time.Second),
		HealthInterval:          envDuration("HEALTH_INTERVAL", 30*time.Second),
		HealthHistorySize:       envInt("HEALTH_HISTORY_SIZE", 100),
		ShutdownTimeout:         envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		NotifyPerMinute:         float64(envInt("NOTIFY_PER_MINUTE", 30)),
		SendgridAPIKey:          os.Getenv("SENDGRID_API_KEY"),
		AlertEmailFrom:          os.Getenv("ALERT_EMAIL_FROM"),
		AlertEmailTo:            os.Getenv("ALERT_EMAIL_TO"),
		AlertWebhookURL:         os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookName:        envString("ALERT_WEBHOOK_NAME", "discord"),
	}

	logger.Info("configuration loaded",
		slog.String("port", cfg.Port),
		slog.String("redis_addr", cfg.RedisAddr),
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_capacity", cfg.QueueCapacity),
		slog.Bool("postgres_enabled", cfg.PostgresDSN != ""),
		slog.Duration("dedup_ttl", cfg.DedupTTL))

	return cfg
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}

	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
