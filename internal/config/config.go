package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
)

// Free trial identity sources. Which one applies is product policy.
const (
	TrialIdentityClient   = "client"
	TrialIdentityIP       = "ip"
	TrialIdentityDisabled = "disabled"
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"10000"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL,required"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`

	SessionDurationHours int     `env:"SESSION_DURATION_HOURS" envDefault:"2"`
	SessionCredits       int     `env:"SESSION_CREDITS" envDefault:"5"`
	SessionPrice         float64 `env:"SESSION_PRICE" envDefault:"2.0"`
	PriceCurrency        string  `env:"PRICE_CURRENCY" envDefault:"usd"`

	FreeTrialIdentity    string `env:"FREE_TRIAL_IDENTITY" envDefault:"client"`
	FreeTrialWindowHours int    `env:"FREE_TRIAL_WINDOW_HOURS" envDefault:"24"`

	NowPaymentsAPIKey    string `env:"NOWPAYMENTS_API_KEY"`
	NowPaymentsIPNSecret string `env:"NOWPAYMENTS_IPN_SECRET"`
	NowPaymentsBaseURL   string `env:"NOWPAYMENTS_BASE_URL" envDefault:"https://api.nowpayments.io/v1"`
	PublicBaseURL        string `env:"PUBLIC_BASE_URL" envDefault:""`
	TrustClientHint      bool   `env:"PAYMENT_TRUST_CLIENT_HINT" envDefault:"false"`

	OpenAIAPIKey         string `env:"OPENAI_API_KEY"`
	OpenAIModel          string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL        string `env:"OPENAI_BASE_URL"`
	AnswerTimeoutSeconds int    `env:"ANSWER_TIMEOUT_SECONDS" envDefault:"30"`
	MaxQuestionLength    int    `env:"MAX_QUESTION_LENGTH" envDefault:"2000"`

	AskRateLimitPerMin     int `env:"ASK_RATE_LIMIT_PER_MIN" envDefault:"20"`
	OrderRetentionHours    int `env:"ORDER_RETENTION_HOURS" envDefault:"168"`
	CleanupIntervalSeconds int `env:"CLEANUP_INTERVAL_SECONDS" envDefault:"300"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionDurationHours) * time.Hour
}

func (c *Config) FreeTrialWindow() time.Duration {
	return time.Duration(c.FreeTrialWindowHours) * time.Hour
}

func (c *Config) AnswerTimeout() time.Duration {
	return time.Duration(c.AnswerTimeoutSeconds) * time.Second
}

func (c *Config) OrderRetention() time.Duration {
	return time.Duration(c.OrderRetentionHours) * time.Hour
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// WebhookURL is the IPN callback URL handed to the payment provider.
func (c *Config) WebhookURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicBaseURL, "/") + "/api/webhooks/payment"
}

func (c *Config) Validate(isProduction bool) error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StoreBackendPostgres)
		}
	case StoreBackendRedis:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendRedis, c.StoreBackend)
	}

	switch c.FreeTrialIdentity {
	case TrialIdentityClient, TrialIdentityIP, TrialIdentityDisabled:
	default:
		return fmt.Errorf("FREE_TRIAL_IDENTITY must be one of client, ip, disabled, got %q", c.FreeTrialIdentity)
	}

	if c.SessionDurationHours <= 0 {
		return fmt.Errorf("SESSION_DURATION_HOURS must be positive")
	}
	if c.SessionCredits <= 0 {
		return fmt.Errorf("SESSION_CREDITS must be positive")
	}
	if c.SessionPrice <= 0 {
		return fmt.Errorf("SESSION_PRICE must be positive")
	}
	if c.FreeTrialWindowHours <= 0 {
		return fmt.Errorf("FREE_TRIAL_WINDOW_HOURS must be positive")
	}

	if isProduction {
		if c.NowPaymentsIPNSecret == "" {
			return fmt.Errorf("NOWPAYMENTS_IPN_SECRET is required in production: unsigned webhooks would grant sessions")
		}
		if c.TrustClientHint {
			return fmt.Errorf("PAYMENT_TRUST_CLIENT_HINT must be false in production: clients could settle their own orders")
		}
		if c.NowPaymentsAPIKey == "" {
			log.Warn().Msg("NOWPAYMENTS_API_KEY is empty in production: invoices cannot be created")
		}
		if c.OpenAIAPIKey == "" {
			log.Warn().Msg("OPENAI_API_KEY is empty in production: answers will be echoed")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
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
