// Package config loads process configuration from the environment and the
// plugin settings file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the process-level configuration read at start.
type Config struct {
	Port         string
	Environment  string
	SettingsFile string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	KafkaTopic   string
	// TraceStdout exports spans to stdout; otherwise spans are created for
	// log correlation but not exported.
	TraceStdout bool
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the .env file.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration without touching .env files.
func FromEnv() Config {
	return Config{
		Port:         getenvDefault("PORT", "8080"),
		Environment:  getenvDefault("PAYWALL_ENV", ""),
		SettingsFile: getenvDefault("PAYWALL_SETTINGS_FILE", ""),
		LogLevel:     getenvDefault("LOG_LEVEL", "info"),
		DatabaseURL:  getenvDefault("DATABASE_URL", ""),
		RedisURL:     getenvDefault("REDIS_URL", ""),
		KafkaBrokers: getenvDefault("KAFKA_BROKERS", ""),
		KafkaTopic:   getenvDefault("KAFKA_TOPIC", ""),
		TraceStdout:  getenvBool("PAYWALL_TRACE_STDOUT", false),
	}
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}
