package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `env:"APP_NAME" envDefault:"workit-auth"`
	AppEnv         string        `env:"APP_ENV" envDefault:"development"`
	Port           string        `env:"PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	JWTIssuer         string        `env:"AUTH_JWT_ISSUER" envDefault:"workit-auth"`
	JWTAudience       string        `env:"AUTH_JWT_AUDIENCE" envDefault:"workit-api"`
	AccessTokenSecret string        `env:"AUTH_ACCESS_TOKEN_SECRET"`
	AccessTokenTTL    time.Duration `env:"AUTH_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL   time.Duration `env:"AUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`
	BcryptCost        int           `env:"AUTH_BCRYPT_COST" envDefault:"12"`

	OtpTTL           time.Duration `env:"AUTH_OTP_TTL" envDefault:"5m"`
	OtpMaxAttempts   int           `env:"AUTH_OTP_MAX_ATTEMPTS" envDefault:"5"`
	OtpWebhookURL    string        `env:"EMAIL_OTP_WEBHOOK_URL"`
	OtpWebhookBearer string        `env:"EMAIL_OTP_WEBHOOK_BEARER"`

	GoogleClientID       string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret   string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL    string `env:"GOOGLE_REDIRECT_URL"`
	DiscordClientID      string `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret  string `env:"DISCORD_CLIENT_SECRET"`
	DiscordRedirectURL   string `env:"DISCORD_REDIRECT_URL"`
	OAuthTrustedProfiles bool   `env:"OAUTH_TRUSTED_PROFILE_MODE" envDefault:"false"`

	ProvisioningEnabled  bool          `env:"WALLET_PROVISIONING_ENABLED" envDefault:"true"`
	AWSRegion            string        `env:"AWS_REGION"`
	HederaNetwork        string        `env:"HEDERA_NETWORK" envDefault:"testnet"`
	HederaOperatorID     string        `env:"HEDERA_OPERATOR_ID"`
	HederaOperatorKey    string        `env:"HEDERA_OPERATOR_KEY"`
	InitialBalanceHbar   float64       `env:"HEDERA_NEW_ACCOUNT_INITIAL_HBAR" envDefault:"1"`
	KMSAliasPrefix       string        `env:"KMS_ALIAS_PREFIX" envDefault:"alias/workit/user"`
	KMSDescriptionPrefix string        `env:"KMS_KEY_DESCRIPTION_PREFIX" envDefault:"Workit signing key for user"`
	ProvisionTimeout     time.Duration `env:"WALLET_PROVISION_TIMEOUT" envDefault:"45s"`
	ProvisionMaxRetries  uint64        `env:"WALLET_PROVISION_MAX_RETRIES" envDefault:"2"`

	RateLimitMaxRequests int           `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"20"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load parses environment variables into a Config and validates required values.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.AccessTokenSecret == "" {
		return Config{}, fmt.Errorf("AUTH_ACCESS_TOKEN_SECRET must be set")
	}
	if cfg.HederaNetwork != "testnet" && cfg.HederaNetwork != "mainnet" {
		return Config{}, fmt.Errorf("unsupported HEDERA_NETWORK value: %s", cfg.HederaNetwork)
	}
	if cfg.ProvisioningEnabled {
		if cfg.AWSRegion == "" {
			return Config{}, fmt.Errorf("AWS_REGION must be set when wallet provisioning is enabled")
		}
		if cfg.HederaOperatorID == "" || cfg.HederaOperatorKey == "" {
			return Config{}, fmt.Errorf("HEDERA_OPERATOR_ID and HEDERA_OPERATOR_KEY must be set when wallet provisioning is enabled")
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsProduction reports whether the app is running in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
