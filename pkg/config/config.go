// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcclellann/loanLedger/pkg/logging"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultJWTSecret = "dev-only-jwt-secret-change-me"
)

// Config holds application configuration.
type Config struct {
	Port         string
	IsProduction bool
	LogLevel     string
	LogFormat    string

	StoreDriver   string
	SQLitePath    string
	DatabaseURL   string
	RunMigrations bool

	JWTSecret          string
	AnnualInterestRate decimal.Decimal

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
	LockWait      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	RequestTimeout time.Duration
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat}
}

// LoadConfig loads configuration from environment variables and .env file if present.
func LoadConfig() (*Config, error) {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("IS_PRODUCTION", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "loanledger.db")
	v.SetDefault("PGSQL_URL", "")
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("ANNUAL_INTEREST_RATE", "7")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("LOCK_WAIT", "5s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "loan-ledger-events")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.AutomaticEnv()

	cfg := &Config{
		Port:          v.GetString("PORT"),
		IsProduction:  v.GetBool("IS_PRODUCTION"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		LogFormat:     strings.ToLower(v.GetString("LOG_FORMAT")),
		StoreDriver:   strings.ToLower(v.GetString("STORE_DRIVER")),
		SQLitePath:    v.GetString("SQLITE_PATH"),
		DatabaseURL:   v.GetString("PGSQL_URL"),
		RunMigrations: v.GetBool("RUN_MIGRATIONS"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		KafkaTopic:    v.GetString("KAFKA_TOPIC"),
	}

	var errs []error

	rate, err := decimal.NewFromString(v.GetString("ANNUAL_INTEREST_RATE"))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("ANNUAL_INTEREST_RATE: %w", err))
	case rate.IsNegative():
		errs = append(errs, fmt.Errorf("ANNUAL_INTEREST_RATE must not be negative, got %s", rate))
	}
	cfg.AnnualInterestRate = rate

	cfg.LockTTL, err = parsePositiveDuration(v, "LOCK_TTL")
	errs = append(errs, err)
	cfg.LockWait, err = parsePositiveDuration(v, "LOCK_WAIT")
	errs = append(errs, err)
	cfg.RequestTimeout, err = parsePositiveDuration(v, "REQUEST_TIMEOUT")
	errs = append(errs, err)

	for _, b := range strings.Split(v.GetString("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	switch cfg.StoreDriver {
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must be set when STORE_DRIVER is sqlite"))
		}
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("PGSQL_URL must be set when STORE_DRIVER is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.StoreDriver))
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat))
	}

	if cfg.JWTSecret == "" {
		if cfg.IsProduction {
			errs = append(errs, errors.New("JWT_SECRET must be set in production"))
		} else {
			slog.Warn("JWT_SECRET not set, using insecure development secret")
			cfg.JWTSecret = defaultJWTSecret
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parsePositiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}
