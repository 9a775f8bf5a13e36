// Package config loads server configuration from the environment.
//
// Variables use the LEDGER_ prefix, e.g. LEDGER_PORT, LEDGER_DATABASE_DRIVER,
// LEDGER_REDIS_URL. A .env file in the working directory is read first when
// present.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

const Prefix = "LEDGER"

type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"sqlite" validate:"oneof=sqlite postgres memory"`
	DSN    string `envconfig:"DSN" default:"./data/ledger.db"`
}

type RedisConfig struct {
	// Empty uses the in-process order lock.
	URL string `envconfig:"URL"`
}

type LockConfig struct {
	Wait   time.Duration `envconfig:"WAIT" default:"2s" validate:"gt=0"`
	Expiry time.Duration `envconfig:"EXPIRY" default:"10s" validate:"gt=0"`
}

type RetryConfig struct {
	Attempts uint64        `envconfig:"ATTEMPTS" default:"3" validate:"lte=10"`
	Interval time.Duration `envconfig:"INTERVAL" default:"20ms"`
}

type PaymentConfig struct {
	// Wallet sub-types the merchant enabled, e.g. google_pay_authorize,pay_pal_express.
	EnabledSubtypes []string `envconfig:"ENABLED_SUBTYPES"`
}

type Config struct {
	Env         string         `envconfig:"ENV" default:"development" validate:"oneof=development production test"`
	Port        int            `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	LogLevel    string         `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	CORSOrigins []string       `envconfig:"CORS_ORIGINS" default:"*"`
	Database    DatabaseConfig `envconfig:"DATABASE"`
	Redis       RedisConfig    `envconfig:"REDIS"`
	Lock        LockConfig     `envconfig:"LOCK"`
	Retry       RetryConfig    `envconfig:"RETRY"`
	Payment     PaymentConfig  `envconfig:"PAYMENT"`
}

// Load reads envFile (or .env) if it exists, then the environment.
// A nil logger logs nothing.
func Load(logger *zap.Logger, envFile ...string) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var err error
	if len(envFile) > 0 && envFile[0] != "" {
		err = godotenv.Load(envFile[0])
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		logger.Debug("No .env file loaded, using process environment")
	} else {
		logger.Info("Environment variables loaded from .env file")
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("Config loaded",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("db_dsn", redact(cfg.Database.DSN)),
		zap.Bool("redis_lock", cfg.Redis.URL != ""),
		zap.Duration("lock_wait", cfg.Lock.Wait),
		zap.Uint64("retry_attempts", cfg.Retry.Attempts),
	)
	return &cfg, nil
}

// IsProduction reports whether the server runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// redact hides the password of URL-style DSNs.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
