package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `env:"APP_NAME" envDefault:"RidePay"`
	AppEnv         string        `env:"APP_ENV" envDefault:"development"`
	Port           string        `env:"PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	AutoMigrate    bool          `env:"AUTO_MIGRATE" envDefault:"false"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	JWTSecret      string        `env:"JWT_SECRET,required,notEmpty"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`

	MinTransferAmount int64 `env:"MIN_TRANSFER_AMOUNT" envDefault:"100"`
	MinDepositAmount  int64 `env:"MIN_DEPOSIT_AMOUNT" envDefault:"100"`

	GatewayBaseURL     string        `env:"GATEWAY_BASE_URL"`
	GatewayAPIKey      string        `env:"GATEWAY_API_KEY"`
	GatewayCallbackURL string        `env:"GATEWAY_CALLBACK_URL"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`

	PendingExpiry time.Duration `env:"PENDING_EXPIRY" envDefault:"30m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	PINMaxAttempts   int           `env:"PIN_MAX_ATTEMPTS" envDefault:"5"`
	PINLockoutWindow time.Duration `env:"PIN_LOCKOUT_WINDOW" envDefault:"15m"`
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if cfg.MinTransferAmount <= 0 || cfg.MinDepositAmount <= 0 {
		return Config{}, fmt.Errorf("minimum amounts must be positive")
	}
	if !cfg.IsDevelopment() && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
	}
	if !cfg.IsDevelopment() && cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("WEBHOOK_SECRET must be set when APP_ENV=%s", cfg.AppEnv)
	}

	return cfg, nil
}

// IsDevelopment reports whether in-memory fallbacks are allowed.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
