// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement deadlines
	PaymentDeadlineMinutes      int // time the buyer has to mark a trade paid
	ConfirmationDeadlineHours   int // time the seller has to confirm/release after payment
	SchedulerPollIntervalSecond int // timeout scan interval

	// Arbitration
	ArbitratorIDs []string // user IDs permitted to rule on disputes

	// Notifications
	WebhookSecret string // optional; when set, all webhook subscriptions sign with it instead of generated per-subscription secrets

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing off if empty)

	// Rate limiting
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultPaymentDeadlineMin   = 15
	DefaultConfirmationHours    = 24
	DefaultPollIntervalSeconds  = 30
	DefaultRateLimit            = 100
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                        getEnv("PORT", DefaultPort),
		Env:                         getEnv("ENV", DefaultEnv),
		LogLevel:                    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		PaymentDeadlineMinutes:      getEnvInt("PAYMENT_DEADLINE_MINUTES", DefaultPaymentDeadlineMin),
		ConfirmationDeadlineHours:   getEnvInt("CONFIRMATION_DEADLINE_HOURS", DefaultConfirmationHours),
		SchedulerPollIntervalSecond: getEnvInt("SCHEDULER_POLL_INTERVAL_SECONDS", DefaultPollIntervalSeconds),
		ArbitratorIDs:               splitList(os.Getenv("ARBITRATOR_IDS")),
		WebhookSecret:               os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:                os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:                getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.PaymentDeadlineMinutes <= 0 {
		return fmt.Errorf("PAYMENT_DEADLINE_MINUTES must be positive, got %d", c.PaymentDeadlineMinutes)
	}
	if c.ConfirmationDeadlineHours <= 0 {
		return fmt.Errorf("CONFIRMATION_DEADLINE_HOURS must be positive, got %d", c.ConfirmationDeadlineHours)
	}
	if c.SchedulerPollIntervalSecond <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL_SECONDS must be positive, got %d", c.SchedulerPollIntervalSecond)
	}
	return nil
}

// PaymentDeadline returns the payment deadline as a duration.
func (c *Config) PaymentDeadline() time.Duration {
	return time.Duration(c.PaymentDeadlineMinutes) * time.Minute
}

// ConfirmationDeadline returns the seller confirmation deadline as a duration.
func (c *Config) ConfirmationDeadline() time.Duration {
	return time.Duration(c.ConfirmationDeadlineHours) * time.Hour
}

// SchedulerPollInterval returns the timeout scan interval as a duration.
func (c *Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.SchedulerPollIntervalSecond) * time.Second
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// splitList parses a comma-separated env value, trimming whitespace and
// dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
