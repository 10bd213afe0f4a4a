// Package config handles Supportdesk configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/supportdesk/config.yaml, /etc/supportdesk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "supportdesk", "config.yaml"))
	}

	paths = append(paths, "/etc/supportdesk/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Supportdesk configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Database  DatabaseConfig  `yaml:"database"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Chat      ChatConfig      `yaml:"chat"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig locates the SQLite database holding conversations and
// the commerce dataset.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	// RequestsPerMinute paces calls to the API; 0 means unpaced.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	// Default is the model used by responders.
	Default string `yaml:"default"`
	// Classifier is the model used for the single routing call. Falls
	// back to Default when empty.
	Classifier string        `yaml:"classifier"`
	OllamaURL  string        `yaml:"ollama_url"`
	Available  []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic
	SupportsTools bool   `yaml:"supports_tools"`
	Speed         int    `yaml:"speed"`   // 1-10
	Quality       int    `yaml:"quality"` // 1-10
}

// ChatConfig tunes the session orchestrator.
type ChatConfig struct {
	// MaxHistory caps the number of prior messages replayed to the model.
	MaxHistory int `yaml:"max_history"`
}

// RateLimitConfig configures per-caller request throttling.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
	// SweepIntervalSec is how often idle callers are evicted.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	// IdleTTLSec is how long a caller may stay idle before eviction.
	IdleTTLSec int `yaml:"idle_ttl_sec"`
}

// SweepInterval returns the sweep interval as a duration.
func (c RateLimitConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// IdleTTL returns the idle eviction threshold as a duration.
func (c RateLimitConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSec) * time.Second
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MQTTConfig configures the optional operational event forwarder.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields keep the
// values from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration that runs against a local
// Ollama instance with a SQLite database in the working directory.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Database: DatabaseConfig{Path: "supportdesk.db"},
		Models: ModelsConfig{
			Default:    "qwen2.5:14b",
			Classifier: "qwen3:4b",
			OllamaURL:  "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama", SupportsTools: true, Speed: 9, Quality: 5},
				{Name: "qwen2.5:14b", Provider: "ollama", SupportsTools: true, Speed: 6, Quality: 7},
			},
		},
		Chat: ChatConfig{MaxHistory: 50},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			Burst:             10,
			SweepIntervalSec:  60,
			IdleTTLSec:        600,
		},
		MQTT: MQTTConfig{
			ClientID:    "supportdesk",
			TopicPrefix: "supportdesk",
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Classifier == "" {
		c.Models.Classifier = c.Models.Default
	}
	if c.Chat.MaxHistory <= 0 {
		c.Chat.MaxHistory = 50
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "supportdesk"
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must be positive when enabled"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ProviderFor returns the configured provider for a model name, or
// "ollama" when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model && m.Provider != "" {
			return m.Provider
		}
	}
	return "ollama"
}
