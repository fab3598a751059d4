// Package config содержит логику чтения конфигурации сервиса биллинга.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса биллинга.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	GatewayBaseURL string `env:"GATEWAY_BASE_URL"`
	NATSURL        string `env:"NATS_URL"`

	GatewaySecretKey   string `env:"GATEWAY_SECRET_KEY"`
	WebhookSecret      string `env:"WEBHOOK_SECRET"`
	AuthSecret         string `env:"AUTH_SECRET"`
	PaymentCallbackURL string `env:"PAYMENT_CALLBACK_URL"`

	DefaultMonthlyLimit  decimal.Decimal `env:"DEFAULT_MONTHLY_LIMIT" envDefault:"1000"`
	TaxRate              decimal.Decimal `env:"TAX_RATE" envDefault:"0"`
	GatewayTimeout       time.Duration   `env:"GATEWAY_TIMEOUT" envDefault:"5s"`
	SweepInterval        time.Duration   `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepMinAge          time.Duration   `env:"SWEEP_MIN_AGE" envDefault:"10m"`
	TrackerRepairWindow  time.Duration   `env:"TRACKER_REPAIR_WINDOW" envDefault:"24h"`
	SecondaryMaxAttempts int             `env:"SECONDARY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff         time.Duration   `env:"SECONDARY_RETRY_BACKOFF" envDefault:"2s"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayURL := cfg.GatewayBaseURL
	envNATSURL := cfg.NATSURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, empty for in-memory storage")
	flag.StringVar(&cfg.GatewayBaseURL, "g", "https://api.paystack.co", "payment gateway base URL")
	flag.StringVar(&cfg.NATSURL, "n", "", "NATS URL, empty to log anomalies only")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayURL != "" {
		cfg.GatewayBaseURL = envGatewayURL
	}
	if envNATSURL != "" {
		cfg.NATSURL = envNATSURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = cfg.GatewaySecretKey
	}

	if cfg.DefaultMonthlyLimit.IsNegative() {
		return nil, fmt.Errorf("DEFAULT_MONTHLY_LIMIT must not be negative: %s", cfg.DefaultMonthlyLimit)
	}
	if cfg.TaxRate.IsNegative() {
		return nil, fmt.Errorf("TAX_RATE must not be negative: %s", cfg.TaxRate)
	}

	return cfg, nil
}
