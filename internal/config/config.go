// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса вывоза отходов.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	AuthSecret        string        `env:"AUTH_SECRET"`
	MomoAPIAddress    string        `env:"MOMO_API_ADDRESS"`
	MomoAPIKey        string        `env:"MOMO_API_KEY"`
	AirtelAPIAddress  string        `env:"AIRTEL_API_ADDRESS"`
	AirtelAPIKey      string        `env:"AIRTEL_API_KEY"`
	SMSGatewayAddress string        `env:"SMS_GATEWAY_ADDRESS"`
	AMQPURI           string        `env:"AMQP_URI"`
	CollectionFee     int64         `env:"COLLECTION_FEE"`
	Currency          string        `env:"CURRENCY"`
	LocationStaleness time.Duration `env:"LOCATION_STALENESS"`
	NearestLimit      int           `env:"NEAREST_LIMIT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMomoAddress := cfg.MomoAPIAddress
	envAirtelAddress := cfg.AirtelAPIAddress
	envSMSAddress := cfg.SMSGatewayAddress
	envAMQPURI := cfg.AMQPURI
	envFee := cfg.CollectionFee
	envCurrency := cfg.Currency
	envStaleness := cfg.LocationStaleness
	envLimit := cfg.NearestLimit

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MomoAPIAddress, "m", "", "mobile money API address")
	flag.StringVar(&cfg.AirtelAPIAddress, "r", "", "airtel money API address")
	flag.StringVar(&cfg.SMSGatewayAddress, "n", "", "SMS gateway address")
	flag.StringVar(&cfg.AMQPURI, "q", "", "AMQP URI for the notification queue")
	flag.Int64Var(&cfg.CollectionFee, "f", 5000, "collection fee in minor currency units")
	flag.StringVar(&cfg.Currency, "c", "UGX", "payment currency code")
	flag.DurationVar(&cfg.LocationStaleness, "s", 15*time.Minute, "collector location staleness window")
	flag.IntVar(&cfg.NearestLimit, "l", 5, "default number of nearest collectors")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMomoAddress != "" {
		cfg.MomoAPIAddress = envMomoAddress
	}
	if envAirtelAddress != "" {
		cfg.AirtelAPIAddress = envAirtelAddress
	}
	if envSMSAddress != "" {
		cfg.SMSGatewayAddress = envSMSAddress
	}
	if envAMQPURI != "" {
		cfg.AMQPURI = envAMQPURI
	}
	if envFee > 0 {
		cfg.CollectionFee = envFee
	}
	if envCurrency != "" {
		cfg.Currency = envCurrency
	}
	if envStaleness > 0 {
		cfg.LocationStaleness = envStaleness
	}
	if envLimit > 0 {
		cfg.NearestLimit = envLimit
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "wastehub-secret"
	}

	return cfg, nil
}
