// Package config provides application configuration for the parley client.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file loaded when present.
const DefaultFile = "parley.yaml"

// Config holds all client configuration. Values come from the yaml file
// first, then environment overrides.
type Config struct {
	ServerURL      string        `yaml:"server_url"`
	UserID         string        `yaml:"user_id"`
	ConversationID string        `yaml:"conversation_id"`
	LogLevel       string        `yaml:"log_level"`
	LogFile        string        `yaml:"log_file"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	ReadSync       time.Duration `yaml:"read_sync_interval"`
}

// Load reads the default config file when present and applies environment
// overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile reads a specific config file path. A missing file is not an
// error; environment variables alone can configure the client.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{
		ServerURL:      "http://localhost:8787",
		LogLevel:       "info",
		RequestTimeout: 15 * time.Second,
		AckTimeout:     10 * time.Second,
		ReadSync:       10 * time.Second,
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.ServerURL = getEnv("PARLEY_SERVER_URL", cfg.ServerURL)
	cfg.UserID = getEnv("PARLEY_USER_ID", cfg.UserID)
	cfg.ConversationID = getEnv("PARLEY_CONVERSATION_ID", cfg.ConversationID)
	cfg.LogLevel = getEnv("PARLEY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("PARLEY_LOG_FILE", cfg.LogFile)
	cfg.RequestTimeout = getEnvDuration("PARLEY_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.AckTimeout = getEnvDuration("PARLEY_ACK_TIMEOUT", cfg.AckTimeout)
	cfg.ReadSync = getEnvDuration("PARLEY_READ_SYNC_INTERVAL", cfg.ReadSync)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}
	if c.ConversationID == "" {
		return fmt.Errorf("conversation_id cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
