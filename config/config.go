/*
Package config loads the service configuration from the environment.

An optional .env file is read first (joho/godotenv); real environment
variables win over it. Values are parsed with caarlos0/env struct tags and
then checked by Validate.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Env string

const (
	EnvLocal  Env = "local"
	EnvDocker Env = "docker"
)

type StoreDriver string

const (
	DriverSQLite   StoreDriver = "sqlite"
	DriverPostgres StoreDriver = "postgres"
	DriverMemory   StoreDriver = "memory"
)

type Config struct {
	AppEnv   Env    `env:"APP_ENV" envDefault:"local"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`

	StoreDriver StoreDriver   `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string        `env:"SQLITE_PATH" envDefault:"quotes.db"`
	PostgresDSN string        `env:"POSTGRES_DSN"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"5s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT"`

	TaxRate             decimal.Decimal `env:"TAX_RATE" envDefault:"0.18"`
	ReceiptPrefix       string          `env:"RECEIPT_PREFIX" envDefault:"B"`
	InvoicePrefix       string          `env:"INVOICE_PREFIX" envDefault:"F"`
	DocumentNumberWidth int             `env:"DOCUMENT_NUMBER_WIDTH" envDefault:"6"`

	AuthorizeMaxAttempts  int           `env:"AUTHORIZE_MAX_ATTEMPTS" envDefault:"3"`
	AuthorizeRetryBackoff time.Duration `env:"AUTHORIZE_RETRY_BACKOFF" envDefault:"50ms"`

	KafkaBrokers []string `env:"NOTIFY_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"NOTIFY_KAFKA_TOPIC" envDefault:"quote.events"`

	OTelEnabled       bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint      string  `env:"OTEL_ENDPOINT" envDefault:"127.0.0.1:4317"`
	OTelSamplingRatio float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"1.0"`

	SeedDemoCatalog bool `env:"SEED_DEMO_CATALOG" envDefault:"false"`

	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
}

// Load reads .env if present, parses the environment and validates.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.AppEnv != EnvLocal && c.AppEnv != EnvDocker {
		return fmt.Errorf("invalid APP_ENV: %s (must be 'local' or 'docker')", c.AppEnv)
	}
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %s (must be sqlite/postgres/memory)", c.StoreDriver)
	}
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("TAX_RATE must be within [0, 1], got %s", c.TaxRate)
	}
	if c.ReceiptPrefix == "" || c.InvoicePrefix == "" {
		return errors.New("RECEIPT_PREFIX and INVOICE_PREFIX are required")
	}
	if c.ReceiptPrefix == c.InvoicePrefix {
		return fmt.Errorf("RECEIPT_PREFIX and INVOICE_PREFIX must differ, both are %q", c.ReceiptPrefix)
	}
	if c.DocumentNumberWidth <= 0 {
		return errors.New("DOCUMENT_NUMBER_WIDTH must be positive")
	}
	if c.AuthorizeMaxAttempts <= 0 {
		return errors.New("AUTHORIZE_MAX_ATTEMPTS must be positive")
	}
	if c.AuthorizeRetryBackoff < 0 {
		return errors.New("AUTHORIZE_RETRY_BACKOFF must not be negative")
	}
	if c.LockTimeout <= 0 {
		return errors.New("LOCK_TIMEOUT must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.OTelSamplingRatio < 0 || c.OTelSamplingRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATIO must be within [0, 1], got %g", c.OTelSamplingRatio)
	}
	return nil
}

// MaskedDSN hides the password of the postgres DSN for logging.
func (c Config) MaskedDSN() string {
	u, err := url.Parse(c.PostgresDSN)
	if err != nil {
		return "<unparseable dsn>"
	}
	return u.Redacted()
}
