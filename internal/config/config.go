// Package config содержит логику чтения конфигурации сервиса coursegate.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса coursegate.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	// BaseURL — публичный адрес сервиса, используется в return/notify URL шлюза.
	BaseURL string `env:"BASE_URL"`

	GatewayAddress      string `env:"GATEWAY_ADDRESS"`
	GatewayClientID     string `env:"GATEWAY_CLIENT_ID"`
	GatewayClientSecret string `env:"GATEWAY_CLIENT_SECRET"`

	AuthSecret string `env:"AUTH_SECRET"`

	RedisAddress string `env:"REDIS_ADDRESS"`

	StorageEndpoint  string `env:"STORAGE_ENDPOINT"`
	StorageAccessKey string `env:"STORAGE_ACCESS_KEY"`
	StorageSecretKey string `env:"STORAGE_SECRET_KEY"`
	StorageBucket    string `env:"STORAGE_BUCKET"`
	StorageUseSSL    bool   `env:"STORAGE_USE_SSL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBaseURL := cfg.BaseURL
	envGatewayAddress := cfg.GatewayAddress
	envRedisAddress := cfg.RedisAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BaseURL, "b", "http://localhost:8080", "public base URL for payment callbacks")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for the access cache")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBaseURL != "" {
		cfg.BaseURL = envBaseURL
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET is required")
	}

	return cfg, nil
}
