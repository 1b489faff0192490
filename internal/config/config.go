// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	PollInterval   time.Duration
	Workers        int
	NotifyTimeout  time.Duration
	MetricsAddr    string
	PushgatewayURL string

	TelegramBotToken string
	AllowedUsers     []int64

	QbitURL      string
	QbitUsername string
	QbitPassword string
}

// LoadDotenv reads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotenv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:     getenv("DATABASE_PATH", "./data/feedmatch.db"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "auto"),
		MetricsAddr:      os.Getenv("METRICS_ADDR"),
		PushgatewayURL:   os.Getenv("PUSHGATEWAY_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		QbitURL:          os.Getenv("QBIT_URL"),
		QbitUsername:     os.Getenv("QBIT_USERNAME"),
		QbitPassword:     os.Getenv("QBIT_PASSWORD"),
	}

	switch cfg.LogFormat {
	case "auto", "text", "json":
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want auto, text or json", cfg.LogFormat)
	}

	var err error
	if cfg.PollInterval, err = duration("POLL_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.NotifyTimeout, err = duration("NOTIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.Workers = 4
	if raw := os.Getenv("WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid WORKERS %q: want a positive integer", raw)
		}
		cfg.Workers = n
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	if cfg.QbitURL != "" && cfg.QbitUsername == "" {
		return nil, fmt.Errorf("QBIT_USERNAME is required when QBIT_URL is set")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
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
