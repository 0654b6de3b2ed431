// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL   string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBAutoMigrate bool
	RedisURL      string // optional, enables the shared resend cooldown

	// Security
	SessionJWTSecret  string
	InternalAPISecret string // shared secret for the checkout evaluate route
	CORSOrigins       []string
	RateLimitRPM      int

	// Step-up challenge policy
	ChallengeTTL           time.Duration
	OTPMaxAttempts         int
	OTPResendCooldown      time.Duration
	OTPResendExtendsExpiry bool
	OTPDevExpose           bool // include OTP codes in responses; development only
	SweepInterval          time.Duration

	// Collaborators
	StripeSecretKey string
	NLGAPIKey       string
	NLGBaseURL      string
	NLGModel        string
	NLGTimeout      time.Duration
	OTLPEndpoint    string
	WebhookURL      string // checkout backend endpoint for challenge events
	WebhookSecret   string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultChallengeTTL      = 5 * time.Minute
	DefaultOTPMaxAttempts    = 5
	DefaultOTPResendCooldown = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultRateLimitRPM      = 120
	DefaultNLGBaseURL        = "https://api.openai.com/v1"
	DefaultNLGModel          = "gpt-4o-mini"
	DefaultNLGTimeout        = 15 * time.Second

	MinChallengeTTL  = time.Minute
	MaxChallengeTTL  = 30 * time.Minute
	minJWTSecretSize = 32
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Port:                   v.GetString("PORT"),
		Env:                    v.GetString("ENV"),
		LogLevel:               v.GetString("LOG_LEVEL"),
		LogFormat:              v.GetString("LOG_FORMAT"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		DBAutoMigrate:          v.GetBool("DB_AUTO_MIGRATE"),
		RedisURL:               v.GetString("REDIS_URL"),
		SessionJWTSecret:       v.GetString("SESSION_JWT_SECRET"),
		InternalAPISecret:      v.GetString("INTERNAL_API_SECRET"),
		CORSOrigins:            splitList(v.GetString("CORS_ORIGINS")),
		RateLimitRPM:           v.GetInt("RATE_LIMIT_RPM"),
		ChallengeTTL:           v.GetDuration("CHALLENGE_TTL"),
		OTPMaxAttempts:         v.GetInt("OTP_MAX_ATTEMPTS"),
		OTPResendCooldown:      v.GetDuration("OTP_RESEND_COOLDOWN"),
		OTPResendExtendsExpiry: v.GetBool("OTP_RESEND_EXTENDS_EXPIRY"),
		OTPDevExpose:           v.GetBool("OTP_DEV_EXPOSE"),
		SweepInterval:          v.GetDuration("SWEEP_INTERVAL"),
		StripeSecretKey:        v.GetString("STRIPE_SECRET_KEY"),
		NLGAPIKey:              v.GetString("NLG_API_KEY"),
		NLGBaseURL:             v.GetString("NLG_BASE_URL"),
		NLGModel:               v.GetString("NLG_MODEL"),
		NLGTimeout:             v.GetDuration("NLG_TIMEOUT"),
		OTLPEndpoint:           v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WebhookURL:             v.GetString("CHECKOUT_WEBHOOK_URL"),
		WebhookSecret:          v.GetString("CHECKOUT_WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("ENV", DefaultEnv)
	v.SetDefault("LOG_LEVEL", DefaultLogLevel)
	v.SetDefault("LOG_FORMAT", DefaultLogFormat)
	v.SetDefault("DB_AUTO_MIGRATE", true)
	v.SetDefault("RATE_LIMIT_RPM", DefaultRateLimitRPM)
	v.SetDefault("CHALLENGE_TTL", DefaultChallengeTTL)
	v.SetDefault("OTP_MAX_ATTEMPTS", DefaultOTPMaxAttempts)
	v.SetDefault("OTP_RESEND_COOLDOWN", DefaultOTPResendCooldown)
	v.SetDefault("OTP_RESEND_EXTENDS_EXPIRY", false)
	v.SetDefault("OTP_DEV_EXPOSE", false)
	v.SetDefault("SWEEP_INTERVAL", DefaultSweepInterval)
	v.SetDefault("NLG_BASE_URL", DefaultNLGBaseURL)
	v.SetDefault("NLG_MODEL", DefaultNLGModel)
	v.SetDefault("NLG_TIMEOUT", DefaultNLGTimeout)
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SessionJWTSecret == "" {
		return fmt.Errorf("SESSION_JWT_SECRET is required")
	}
	if len(c.SessionJWTSecret) < minJWTSecretSize {
		return fmt.Errorf("SESSION_JWT_SECRET must be at least %d bytes", minJWTSecretSize)
	}
	if c.IsProduction() && c.InternalAPISecret == "" {
		return fmt.Errorf("INTERNAL_API_SECRET is required in production")
	}
	if c.ChallengeTTL < MinChallengeTTL || c.ChallengeTTL > MaxChallengeTTL {
		return fmt.Errorf("CHALLENGE_TTL must be between %s and %s", MinChallengeTTL, MaxChallengeTTL)
	}
	if c.OTPMaxAttempts < 1 || c.OTPMaxAttempts > 20 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be between 1 and 20")
	}
	if c.OTPResendCooldown < 0 {
		return fmt.Errorf("OTP_RESEND_COOLDOWN must not be negative")
	}
	if c.OTPDevExpose && !c.IsDevelopment() {
		return fmt.Errorf("OTP_DEV_EXPOSE is only allowed when ENV=development")
	}
	if c.WebhookURL != "" && len(c.WebhookSecret) < minJWTSecretSize {
		return fmt.Errorf("CHECKOUT_WEBHOOK_SECRET must be at least %d bytes when CHECKOUT_WEBHOOK_URL is set", minJWTSecretSize)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
