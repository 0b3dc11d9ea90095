// Package config loads subscriptiond settings from the environment.
//
// Values come from process environment variables. A .env file in the working directory is
// loaded first when present; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed
	ErrParsingConfig = errors.New("failed to parse config")

	// ErrInvalidConfig is returned when parsed values fail validation
	ErrInvalidConfig = errors.New("invalid config")
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all subscriptiond settings.
type Config struct {
	Env      string `env:"ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	AppURL   string `env:"APP_URL" envDefault:"http://localhost:3000"`

	// DatabaseURL selects the Postgres store. Empty uses the in-memory store (development only).
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// RedisURL enables the distributed sweep lock.
	RedisURL string `env:"REDIS_URL"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripePriceID       string `env:"STRIPE_PRICE_ID"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailFrom            string `env:"EMAIL_FROM"`
	SupportEmail         string `env:"SUPPORT_EMAIL"`

	CronSecret       string        `env:"CRON_SECRET"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	ReminderLeadDays int           `env:"REMINDER_LEAD_DAYS" envDefault:"7"`
	ReminderTimezone string        `env:"REMINDER_TIMEZONE" envDefault:"UTC"`
	EntitlementGrace time.Duration `env:"ENTITLEMENT_GRACE" envDefault:"1h"`

	// WebhookRateLimit is requests per minute per client IP on the webhook endpoint.
	WebhookRateLimit int  `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
	TrustProxy       bool `env:"TRUST_PROXY" envDefault:"false"`

	// UserIDHeader carries the caller identity set by the authenticating gateway.
	UserIDHeader string `env:"USER_ID_HEADER" envDefault:"X-User-ID"`
}

var dotenvOnce sync.Once

// Load reads the .env file, if any, and parses the process environment.
func Load() (*Config, error) {
	dotenvOnce.Do(func() {
		// a missing .env file is fine
		_ = godotenv.Load()
	})
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse builds a Config from the given variables only. It ignores the process environment.
func Parse(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// Location returns the reminder time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.ReminderTimezone)
}

// Validate checks cross-field rules. Production requires a database, Stripe credentials and a
// cron secret.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env))
	}

	if _, err := url.ParseRequestURI(c.AppURL); err != nil {
		errs = append(errs, fmt.Errorf("APP_URL: %w", err))
	}
	c.AppURL = strings.TrimRight(c.AppURL, "/")

	if c.ReminderLeadDays < 1 {
		errs = append(errs, errors.New("REMINDER_LEAD_DAYS must be at least 1"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not be negative"))
	}
	if c.EntitlementGrace < 0 {
		errs = append(errs, errors.New("ENTITLEMENT_GRACE must not be negative"))
	}
	if c.WebhookRateLimit < 0 {
		errs = append(errs, errors.New("WEBHOOK_RATE_LIMIT must not be negative"))
	}
	if c.UserIDHeader == "" {
		errs = append(errs, errors.New("USER_ID_HEADER must not be empty"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("REMINDER_TIMEZONE: %w", err))
	}

	if (c.PostmarkServerToken != "") != (c.PostmarkAccountToken != "") {
		errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN must be set together"))
	}
	if c.PostmarkServerToken != "" && c.EmailFrom == "" {
		errs = append(errs, errors.New("EMAIL_FROM is required when Postmark is configured"))
	}

	if c.Env == EnvProduction {
		required := map[string]string{
			"DATABASE_URL":          c.DatabaseURL,
			"STRIPE_SECRET_KEY":     c.StripeSecretKey,
			"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
			"STRIPE_PRICE_ID":       c.StripePriceID,
			"CRON_SECRET":           c.CronSecret,
		}
		for _, name := range []string{"DATABASE_URL", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_PRICE_ID", "CRON_SECRET"} {
			if required[name] == "" {
				errs = append(errs, fmt.Errorf("%s is required in production", name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
