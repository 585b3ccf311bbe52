// Package config provides application configuration management.
// Configuration is loaded from environment variables, with an optional .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

var (
	ErrWeakJWTSecret    = errors.New("JWT_SECRET must be at least 32 characters in production")
	ErrInvalidLogLevel  = errors.New("LOG_LEVEL must be one of debug, info, warn, error")
	ErrInvalidFormat    = errors.New("LOG_FORMAT must be json or text")
	ErrStripeIncomplete = errors.New("STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET and STRIPE_PRICE_PRO must be set together")
)

// Config holds all application configuration.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Public URL of the web client, used for checkout redirects.
	WebBaseURL string `env:"WEB_BASE_URL" envDefault:"http://localhost:5173"`

	DatabaseURL    string `env:"DATABASE_URL,required"`
	RedisURL       string `env:"REDIS_URL,required"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`

	// Sessions
	JWTSecret         string        `env:"JWT_SECRET,required,notEmpty"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	SessionCookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"token"`

	// Base64 encoded 32-byte key for sealing stored secrets.
	CryptoMasterKey string `env:"CRYPTO_MASTER_KEY,required,notEmpty"`

	// Billing
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripePricePro      string `env:"STRIPE_PRICE_PRO"`
	FreePlanKeyLimit    int    `env:"FREE_PLAN_KEY_LIMIT" envDefault:"3"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting
	RateLimitAPIEnabled    bool `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`
	RateLimitAuthPerMinute int  `env:"RATE_LIMIT_AUTH_PER_MINUTE" envDefault:"20"`
	// Honor X-Forwarded-For and X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	// Per-IP bucket in front of key verification.
	RateLimitVerifyRPS   int `env:"RATE_LIMIT_VERIFY_RPS" envDefault:"10"`
	RateLimitVerifyBurst int `env:"RATE_LIMIT_VERIFY_BURST" envDefault:"20"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	// Key usage stream. When disabled, last_used_at is written per request.
	UsageStreamEnabled bool `env:"USAGE_STREAM_ENABLED" envDefault:"true"`
	UsageBatchSize     int  `env:"USAGE_BATCH_SIZE" envDefault:"500"`

	// Comma-separated list of allowed origins (e.g., "https://app.example.com,http://localhost:5173")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// StripeEnabled reports whether billing credentials are configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
// Falls back to the web client origin when nothing is configured.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		if c.WebBaseURL == "" {
			return nil
		}
		return []string{strings.TrimRight(c.WebBaseURL, "/")}
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate checks cross-field rules env tags cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return ErrInvalidFormat
	}

	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return ErrWeakJWTSecret
	}

	set := 0
	for _, v := range []string{c.StripeSecretKey, c.StripeWebhookSecret, c.StripePricePro} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return ErrStripeIncomplete
	}

	return nil
}

// Load reads an optional .env file, parses environment variables and returns a Config.
// Returns an error if required variables are missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
