package config

import (
	"errors"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultServerBaseURL  = "http://127.0.0.1:4096"
	defaultServerUsername = "opencode"
	defaultRequestTimeout = 30
)

type Config struct {
	Server        ServerConfig        `toml:"server"`
	Stream        StreamConfig        `toml:"stream"`
	Logging       LoggingConfig       `toml:"logging"`
	Notifications NotificationsConfig `toml:"notifications"`
}

type ServerConfig struct {
	BaseURL        string `toml:"base_url"`
	Username       string `toml:"username"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type StreamConfig struct {
	// Directories restricts the event scope at startup; empty means the
	// feed is unscoped until a view adds interest.
	Directories      []string `toml:"directories"`
	InitialBackoffMS int      `toml:"initial_backoff_ms"`
	MaxBackoffMS     int      `toml:"max_backoff_ms"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type NotificationsConfig struct {
	Enabled         *bool `toml:"enabled"`
	DedupeWindowSec int   `toml:"dedupe_window_seconds"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:        defaultServerBaseURL,
			Username:       defaultServerUsername,
			TimeoutSeconds: defaultRequestTimeout,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file, overlaying it on the defaults. A missing
// or empty file yields the defaults.
func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return loadFromPath(path)
}

func loadFromPath(path string) (Config, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func (c Config) ServerBaseURL() string {
	baseURL := strings.TrimSpace(c.Server.BaseURL)
	if baseURL == "" {
		return defaultServerBaseURL
	}
	return strings.TrimRight(baseURL, "/")
}

func (c Config) ServerUsername() string {
	username := strings.TrimSpace(c.Server.Username)
	if username == "" {
		return defaultServerUsername
	}
	return username
}

func (c Config) ServerToken() string {
	if token := strings.TrimSpace(os.Getenv("OVERSEER_TOKEN")); token != "" {
		return token
	}
	return strings.TrimSpace(c.Server.Token)
}

func (c Config) RequestTimeout() time.Duration {
	seconds := c.Server.TimeoutSeconds
	if seconds <= 0 {
		seconds = defaultRequestTimeout
	}
	return time.Duration(seconds) * time.Second
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c Config) StreamDirectories() []string {
	return normalizedList(c.Stream.Directories)
}

func (c Config) InitialBackoff() time.Duration {
	if c.Stream.InitialBackoffMS <= 0 {
		return 0
	}
	return time.Duration(c.Stream.InitialBackoffMS) * time.Millisecond
}

func (c Config) MaxBackoff() time.Duration {
	if c.Stream.MaxBackoffMS <= 0 {
		return 0
	}
	return time.Duration(c.Stream.MaxBackoffMS) * time.Millisecond
}

func (c Config) NotificationsEnabled() bool {
	if c.Notifications.Enabled == nil {
		return true
	}
	return *c.Notifications.Enabled
}

func (c Config) NotificationDedupeWindow() time.Duration {
	seconds := c.Notifications.DedupeWindowSec
	if seconds <= 0 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

func normalizedList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
