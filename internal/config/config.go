// ABOUTME: Configuration loading and parsing for handoff-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Routing  RoutingConfig  `yaml:"routing"`
	Messages MessagesConfig `yaml:"messages"`
	Channel  ChannelConfig  `yaml:"channel"`
	Bot      BotConfig      `yaml:"bot"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// RoutingConfig holds the escalation policy knobs.
// ResponseTimeout bounds how long an agent may stay silent before the user is
// told to keep waiting; the redirect fires at ResponseTimeout times
// RedirectTimeoutMultiplier, counted from entry into waiting/assigned.
type RoutingConfig struct {
	ResponseTimeout           time.Duration  `yaml:"-"`
	RedirectTimeoutMultiplier int            `yaml:"redirect_timeout_multiplier"`
	InactivityTimeout         time.Duration  `yaml:"-"`
	CleanupInterval           time.Duration  `yaml:"-"`
	DefaultPriority           int            `yaml:"default_priority"`
	TagPriorities             map[string]int `yaml:"tag_priorities"`

	// Raw string values for YAML unmarshaling
	ResponseTimeoutRaw   string `yaml:"response_timeout"`
	InactivityTimeoutRaw string `yaml:"inactivity_timeout"`
	CleanupIntervalRaw   string `yaml:"cleanup_interval"`
}

// MessagesConfig holds the canned texts sent by the timeout policy
type MessagesConfig struct {
	Waiting        string `yaml:"waiting"`
	Redirect       string `yaml:"redirect"`
	BotMenuTrigger string `yaml:"bot_menu_trigger"`
}

// ChannelConfig holds the outbound messaging channel configuration
type ChannelConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// WhatsAppConfig holds WhatsApp Cloud API credentials
type WhatsAppConfig struct {
	AccessToken string `yaml:"access_token"`
	APIVersion  string `yaml:"api_version"`
}

// BotConfig holds the bot collaborator endpoint
type BotConfig struct {
	URL string `yaml:"url"`
}

// EventsConfig holds the lifecycle event publisher configuration
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"` // amqp://...
	Exchange string `yaml:"exchange"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in policy defaults for fields left empty.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Routing.ResponseTimeout == 0 {
		c.Routing.ResponseTimeout = 30 * time.Second
	}
	if c.Routing.RedirectTimeoutMultiplier == 0 {
		c.Routing.RedirectTimeoutMultiplier = 2
	}
	if c.Routing.InactivityTimeout == 0 {
		c.Routing.InactivityTimeout = 24 * time.Hour
	}
	if c.Routing.CleanupInterval == 0 {
		c.Routing.CleanupInterval = time.Hour
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Messages.Waiting == "" {
		c.Messages.Waiting = "All of our agents are still busy. Hang tight, someone will be with you shortly."
	}
	if c.Messages.Redirect == "" {
		c.Messages.Redirect = "Sorry for the wait. We're sending you back to the automated assistant for now."
	}
	if c.Messages.BotMenuTrigger == "" {
		c.Messages.BotMenuTrigger = "menu"
	}
	if c.Channel.WhatsApp.APIVersion == "" {
		c.Channel.WhatsApp.APIVersion = "v20.0"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Routing.RedirectTimeoutMultiplier < 2 {
		return fmt.Errorf("routing.redirect_timeout_multiplier must be at least 2")
	}
	if c.Routing.ResponseTimeout <= 0 {
		return fmt.Errorf("routing.response_timeout must be positive")
	}
	if c.Routing.CleanupInterval <= 0 {
		return fmt.Errorf("routing.cleanup_interval must be positive")
	}
	if c.Events.Enabled {
		if c.Events.URL == "" {
			return fmt.Errorf("events.url is required when events are enabled")
		}
		if c.Events.Exchange == "" {
			return fmt.Errorf("events.exchange is required when events are enabled")
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Routing.ResponseTimeoutRaw, &cfg.Routing.ResponseTimeout, "response_timeout"},
		{cfg.Routing.InactivityTimeoutRaw, &cfg.Routing.InactivityTimeout, "inactivity_timeout"},
		{cfg.Routing.CleanupIntervalRaw, &cfg.Routing.CleanupInterval, "cleanup_interval"},
		{cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL, "token_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
