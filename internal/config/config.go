package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/mequeue/internal/backend"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "mequeue.db"
	defaultCapacity       = 64
	defaultBackend        = backend.NameLog
	defaultRetryDelay     = 250 * time.Millisecond
	defaultDelay          = time.Second
	defaultWebhookTimeout = 10 * time.Second

	envListenAddr     = "MEQUEUE_LISTEN_ADDR"
	envDBPath         = "MEQUEUE_DB_PATH"
	envLogLevel       = "MEQUEUE_LOG_LEVEL"
	envCapacity       = "MEQUEUE_CAPACITY"
	envBackend        = "MEQUEUE_BACKEND"
	envRetryDelay     = "MEQUEUE_RETRY_DELAY"
	envDrainOnClose   = "MEQUEUE_DRAIN_ON_CLOSE"
	envDelay          = "MEQUEUE_DELAY"
	envWebhookURL     = "MEQUEUE_WEBHOOK_URL"
	envWebhookTimeout = "MEQUEUE_WEBHOOK_TIMEOUT"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Capacity bounds both the event inbox and the pending log.
	Capacity     int
	Backend      string
	RetryDelay   time.Duration
	DrainOnClose bool

	Delay          time.Duration
	WebhookURL     string
	WebhookTimeout time.Duration
}

// fileConfig mirrors Config in the YAML file. Pointers tell unset keys apart
// from zero values.
type fileConfig struct {
	ListenAddr   *string `yaml:"listen_addr"`
	DBPath       *string `yaml:"db_path"`
	LogLevel     *string `yaml:"log_level"`
	Capacity     *int    `yaml:"capacity"`
	Backend      *string `yaml:"backend"`
	RetryDelay   *string `yaml:"retry_delay"`
	DrainOnClose *bool   `yaml:"drain_on_close"`
	Delay        *string `yaml:"delay"`
	Webhook      struct {
		URL     *string `yaml:"url"`
		Timeout *string `yaml:"timeout"`
	} `yaml:"webhook"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		Capacity:       defaultCapacity,
		Backend:        defaultBackend,
		RetryDelay:     defaultRetryDelay,
		DrainOnClose:   true,
		Delay:          defaultDelay,
		WebhookTimeout: defaultWebhookTimeout,
	}
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are ignored and the default is kept.
func Load() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads the YAML file at path over the defaults and then applies
// environment variables on top. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := applyFile(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, data []byte) error {
	var fc fileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if fc.ListenAddr != nil {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.DBPath != nil {
		cfg.DBPath = *fc.DBPath
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = ParseLogLevel(*fc.LogLevel)
	}
	if fc.Capacity != nil {
		cfg.Capacity = *fc.Capacity
	}
	if fc.Backend != nil {
		cfg.Backend = *fc.Backend
	}
	if fc.DrainOnClose != nil {
		cfg.DrainOnClose = *fc.DrainOnClose
	}
	if fc.Webhook.URL != nil {
		cfg.WebhookURL = *fc.Webhook.URL
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"retry_delay", fc.RetryDelay, &cfg.RetryDelay},
		{"delay", fc.Delay, &cfg.Delay},
		{"webhook.timeout", fc.Webhook.Timeout, &cfg.WebhookTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envCapacity); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capacity = n
		}
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envRetryDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetryDelay = d
		}
	}
	if v := os.Getenv(envDrainOnClose); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DrainOnClose = b
		}
	}
	if v := os.Getenv(envDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delay = d
		}
	}
	if v := os.Getenv(envWebhookURL); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv(envWebhookTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebhookTimeout = d
		}
	}
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay)
	}
	if c.Backend == "" {
		return errors.New("backend must be set")
	}
	if c.Backend == backend.NameWebhook && c.WebhookURL == "" {
		return errors.New("webhook backend requires a webhook URL")
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level. Unknown names yield info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
