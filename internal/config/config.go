// Package config содержит логику чтения конфигурации сервиса обмена звёзд.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress           string        `env:"RUN_ADDRESS"`
	DatabaseURI          string        `env:"DATABASE_URI"`
	BotToken             string        `env:"BOT_TOKEN"`
	PriceTablePath       string        `env:"PRICE_TABLE"`
	BotAPIURL            string        `env:"BOT_API_URL" envDefault:"https://api.telegram.org"`
	WebhookSecret        string        `env:"WEBHOOK_SECRET"`
	AdminIDs             []int64       `env:"ADMIN_IDS" envSeparator:","`
	RedisAddr            string        `env:"REDIS_ADDR"`
	RedisPassword        string        `env:"REDIS_PASSWORD"`
	NatsURL              string        `env:"NATS_URL"`
	GatewayEventsSubject string        `env:"GATEWAY_EVENTS_SUBJECT" envDefault:"starsgate.gateway.events"`
	OrderEventsSubject   string        `env:"ORDER_EVENTS_SUBJECT" envDefault:"starsgate.orders"`
	SettlementCurrency   string        `env:"SETTLEMENT_CURRENCY"`
	SupportContact       string        `env:"SUPPORT_CONTACT" envDefault:"@starsgate_support"`
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	GatewayTimeout       time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	PreCheckoutTimeout   time.Duration `env:"PRECHECKOUT_TIMEOUT" envDefault:"3s"`
	DialogTTL            time.Duration `env:"DIALOG_TTL" envDefault:"10m"`
	IntakeRateLimit      int           `env:"INTAKE_RATE_LIMIT" envDefault:"10"`
}

// Parse считывает конфигурацию из файла .env, переменных окружения и флагов командной строки.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBotToken := cfg.BotToken
	envPriceTable := cfg.PriceTablePath

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BotToken, "t", "", "telegram bot token")
	flag.StringVar(&cfg.PriceTablePath, "p", "", "path to TOML price table")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBotToken != "" {
		cfg.BotToken = envBotToken
	}
	if envPriceTable != "" {
		cfg.PriceTablePath = envPriceTable
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Validate проверяет обязательные параметры.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURI == "" {
		errs = append(errs, errors.New("database URI is required"))
	}
	if c.BotToken == "" {
		errs = append(errs, errors.New("bot token is required"))
	}
	if len(c.AdminIDs) == 0 {
		errs = append(errs, errors.New("at least one admin id is required"))
	}
	if c.PreCheckoutTimeout <= 0 || c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("gateway timeouts must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	return errors.Join(errs...)
}

// IsAdmin сообщает, входит ли пользователь в список администраторов.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
