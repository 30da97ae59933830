// Package config handles application configuration from defaults, an optional file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	LogFile          string
	AllowedUsers     []int64

	UpdateInterval time.Duration
	FeedTimeout    time.Duration
	Workers        int

	SendWorkers    int
	SendRate       float64
	SendBurst      int
	ChatSendRate   float64
	SendRetries    uint64
	FetchRetries   uint64
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RedisAddr string
	AdminAddr string
}

// fileConfig is the on-disk format. JSON files parse as YAML too.
type fileConfig struct {
	TelegramToken  string  `yaml:"telegram_token"`
	UpdateInterval int     `yaml:"update_interval"`
	FeedTimeout    int     `yaml:"feed_timeout"`
	DatabasePath   string  `yaml:"database_path"`
	Workers        int     `yaml:"workers"`
	LogLevel       string  `yaml:"log_level"`
	AllowedUsers   []int64 `yaml:"allowed_users"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		DatabasePath:   "./data/bot.db",
		LogLevel:       "info",
		UpdateInterval: 300 * time.Second,
		FeedTimeout:    60 * time.Second,
		Workers:        4,
		SendWorkers:    16,
		SendRate:       25,
		SendBurst:      5,
		ChatSendRate:   1,
		SendRetries:    3,
		FetchRetries:   2,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
	}
}

// Load builds the configuration: defaults, then the file named by CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if f.TelegramToken != "" {
		c.TelegramBotToken = f.TelegramToken
	}
	if f.UpdateInterval != 0 {
		c.UpdateInterval = time.Duration(f.UpdateInterval) * time.Second
	}
	if f.FeedTimeout != 0 {
		c.FeedTimeout = time.Duration(f.FeedTimeout) * time.Second
	}
	if f.DatabasePath != "" {
		c.DatabasePath = f.DatabasePath
	}
	if f.Workers != 0 {
		c.Workers = f.Workers
	}
	if f.LogLevel != "" {
		c.LogLevel = f.LogLevel
	}
	if len(f.AllowedUsers) > 0 {
		c.AllowedUsers = f.AllowedUsers
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := firstEnv("TELEGRAM_BOT_TOKEN", "BOT_TOKEN"); v != "" {
		c.TelegramBotToken = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		c.AdminAddr = v
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		users, err := parseUserIDs(raw)
		if err != nil {
			return err
		}
		c.AllowedUsers = users
	}

	return errors.Join(
		envSeconds("UPDATE_INTERVAL", &c.UpdateInterval),
		envSeconds("FEED_TIMEOUT", &c.FeedTimeout),
		envInt("POLL_WORKERS", &c.Workers),
		envInt("SEND_WORKERS", &c.SendWorkers),
		envFloat("SEND_RATE", &c.SendRate),
		envInt("SEND_BURST", &c.SendBurst),
		envFloat("CHAT_SEND_RATE", &c.ChatSendRate),
		envUint("SEND_RETRIES", &c.SendRetries),
		envUint("FETCH_RETRIES", &c.FetchRetries),
		envDuration("RETRY_BASE_DELAY", &c.RetryBaseDelay),
		envDuration("RETRY_MAX_DELAY", &c.RetryMaxDelay),
	)
}

func (c *Config) validate() error {
	switch {
	case c.TelegramBotToken == "":
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	case c.UpdateInterval <= 0:
		return fmt.Errorf("update interval must be positive, got %s", c.UpdateInterval)
	case c.FeedTimeout <= 0:
		return fmt.Errorf("feed timeout must be positive, got %s", c.FeedTimeout)
	case c.Workers <= 0:
		return fmt.Errorf("POLL_WORKERS must be positive, got %d", c.Workers)
	case c.SendWorkers <= 0:
		return fmt.Errorf("SEND_WORKERS must be positive, got %d", c.SendWorkers)
	case c.SendRate < 0 || c.ChatSendRate < 0:
		return fmt.Errorf("send rates must not be negative")
	case c.RetryBaseDelay <= 0:
		return fmt.Errorf("RETRY_BASE_DELAY must be positive, got %s", c.RetryBaseDelay)
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func parseUserIDs(raw string) ([]int64, error) {
	var out []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		out = append(out, uid)
	}
	return out, nil
}

// envSeconds accepts a bare number of seconds or a Go duration such as "5m".
func envSeconds(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: want seconds or a duration", key, v)
	}
	*dst = d
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envUint(key string, dst *uint64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = f
	return nil
}
