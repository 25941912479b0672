// Package config handles gembot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gembot/config.yaml, /etc/gembot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gembot", "config.yaml"))
	}

	paths = append(paths, "/etc/gembot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all gembot configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	History  HistoryConfig  `yaml:"history"`
	LogLevel string         `yaml:"log_level"`
}

// TelegramConfig defines Bot API connection and bridge behavior.
type TelegramConfig struct {
	// Token is the bot token from @BotFather. Usually supplied via
	// ${TELEGRAM_TOKEN} in the config file, or the TELEGRAM_TOKEN
	// environment variable when the field is left empty.
	Token string `yaml:"token"`
	// PollTimeoutSec is the getUpdates long-poll timeout (default 30).
	PollTimeoutSec int `yaml:"poll_timeout_sec"`
	// RateLimit is the per-sender messages-per-minute cap; 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
	// RenderMarkdown converts model markdown to Telegram HTML replies.
	RenderMarkdown bool `yaml:"render_markdown"`
}

// GeminiConfig defines the generative API settings.
type GeminiConfig struct {
	// APIKey is the Gemini API credential. Usually ${GEMINI_API_KEY}
	// in the config file, or the GEMINI_API_KEY environment variable
	// when the field is left empty.
	APIKey string `yaml:"api_key"`
	// TimeoutSec bounds a single generateContent call (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// HistoryConfig defines conversation history storage.
type HistoryConfig struct {
	// Path is the SQLite database file (default "history.db").
	Path string `yaml:"path"`
	// Window is how many recent turns are sent as model context (default 20).
	Window int `yaml:"window"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvFallbacks()
	return cfg, nil
}

// Default returns a default configuration. Secrets are not defaulted;
// they come from the config file or the environment.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeoutSec: 30,
		},
		Gemini: GeminiConfig{
			TimeoutSec: 30,
		},
		History: HistoryConfig{
			Path:   "history.db",
			Window: 20,
		},
	}
}

// applyEnvFallbacks fills empty secrets from the process environment so
// a config file can omit them entirely.
func (c *Config) applyEnvFallbacks() {
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	}
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// Validate checks that required credentials are present. It runs before
// any network connection is attempted; a missing secret is a startup
// failure, not a deferred runtime error.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "telegram token (telegram.token or TELEGRAM_TOKEN)")
	}
	if c.Gemini.APIKey == "" {
		missing = append(missing, "gemini api key (gemini.api_key or GEMINI_API_KEY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, "; "))
	}
	return nil
}
