package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the supervisor process.
type Config struct {
	Exchange ExchangeConfig `json:"exchange"`
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
}

// ExchangeConfig holds Backpack exchange connectivity settings.
type ExchangeConfig struct {
	BaseURL string `json:"base_url"`
}

// ServerConfig holds the dashboard API listener settings.
type ServerConfig struct {
	Port       int    `json:"port"`
	CORSOrigin string `json:"cors_origin"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional market-data cache backend.
// An empty Addr disables Redis and the cache degrades to in-memory.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LoggingConfig controls the zerolog root logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load reads configuration from the environment. A .env file is honoured
// when present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Exchange: ExchangeConfig{
			BaseURL: getEnv("EXCHANGE_BASE_URL", "https://api.backpack.exchange"),
		},
		Server: ServerConfig{
			Port:       getEnvInt("PORT", 8080),
			CORSOrigin: getEnv("CORS_ORIGIN", "http://localhost:5173"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "trading_bot"),
			Password: getEnv("DB_PASSWORD", "trading_bot_password"),
			Database: getEnv("DB_NAME", "trading_bot"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange base URL cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
