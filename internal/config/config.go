// Package config loads the gateway's YAML configuration with environment
// variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds one vendor's credentials and model default.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite|postgres
	Path        string `yaml:"path"`   // sqlite data directory
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Duration decodes YAML values like "30s" or "2m" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the HTTP listener options.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig controls request authentication.
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	Disabled bool   `yaml:"disabled"`
}

// RateLimitConfig controls the per-identity token bucket on the send
// endpoint.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // tokens per second
	Burst   int     `yaml:"burst"` // bucket capacity
}

// GenerationConfig holds the default generation settings.
type GenerationConfig struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"` // 0 = provider default
}

// Config is the full gateway configuration.
type Config struct {
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Storage     StorageConfig    `yaml:"storage"`
	Auth        AuthConfig       `yaml:"auth"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Generation  GenerationConfig `yaml:"generation"`
	LogFile     string           `yaml:"log_file"`
	LogLevel    string           `yaml:"log_level"`
	Providers   struct {
		Anthropic ProviderConfig `yaml:"anthropic"`
		OpenAI    ProviderConfig `yaml:"openai"`
		Gemini    ProviderConfig `yaml:"gemini"`
	} `yaml:"providers"`
}

// Load reads the YAML config at path. A missing file yields defaults so the
// gateway can start from environment variables alone.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv overrides secrets from SOURCENOTE_* environment variables.
func (c *Config) applyEnv() {
	override(&c.Providers.Anthropic.APIKey, "SOURCENOTE_ANTHROPIC_API_KEY")
	override(&c.Providers.OpenAI.APIKey, "SOURCENOTE_OPENAI_API_KEY")
	override(&c.Providers.Gemini.APIKey, "SOURCENOTE_GEMINI_API_KEY")
	override(&c.Auth.Secret, "SOURCENOTE_AUTH_SECRET")
	override(&c.Storage.PostgresDSN, "SOURCENOTE_POSTGRES_DSN")
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 1.0
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 1
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
	if c.Providers.Anthropic.Model == "" {
		c.Providers.Anthropic.Model = "claude-3-5-sonnet-20241022"
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Providers.Gemini.Model == "" {
		c.Providers.Gemini.Model = "gemini-1.5-flash"
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return fmt.Errorf("config: postgres driver requires postgres_dsn")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("config: auth enabled but no secret configured")
	}
	return nil
}

func override(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
