// Package config loads server configuration from the environment and
// simulation profiles from YAML.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port              string
	HealthPort        string
	LogLevel          string
	DatabaseURL       string
	RedisURL          string
	DataDir           string
	OTelEnabled       bool
	OTelEndpoint      string
	RateLimitRPS      float64
	RateLimitBurst    int
	SimulationProfile string
}

// Load loads configuration from environment variables. An empty
// DATABASE_URL selects lite mode (SQLite under DATA_DIR).
func Load() *Config {
	return &Config{
		Port:              getenv("PORT", "8080"),
		HealthPort:        getenv("HEALTH_PORT", "8081"),
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		DataDir:           getenv("DATA_DIR", "data"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		RateLimitRPS:      getFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:    getInt("RATE_LIMIT_BURST", 40),
		SimulationProfile: os.Getenv("SIMULATION_PROFILE"),
	}
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LogLevel onto slog levels; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
