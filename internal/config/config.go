// Package config provides configuration loading for forgeloop.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then FORGELOOP_* environment variables. See LoadWithFile for details.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete forgeloop configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Search     SearchConfig     `koanf:"search"`
	LLM        LLMConfig        `koanf:"llm"`
	Reflection ReflectionConfig `koanf:"reflection"`
	Events     EventsConfig     `koanf:"events"`
	Redaction  RedactionConfig  `koanf:"redaction"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds the SQLite database location.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// SearchConfig configures the external search collaborators.
type SearchConfig struct {
	Timeout          Duration `koanf:"timeout"`
	MaxResults       int      `koanf:"max_results"`
	StackExchangeURL string   `koanf:"stackexchange_url"`
	StackExchangeKey Secret   `koanf:"stackexchange_key"`
	Site             string   `koanf:"site"`
	GitHubToken      Secret   `koanf:"github_token"`
	GitHubEnabled    bool     `koanf:"github_enabled"`
	// RatePerMinute bounds requests per collaborator.
	RatePerMinute int `koanf:"rate_per_minute"`
}

// LLMConfig configures the text-generation collaborator.
type LLMConfig struct {
	BaseURL    string   `koanf:"base_url"`
	Model      string   `koanf:"model"`
	APIKey     Secret   `koanf:"api_key"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
}

// ReflectionConfig configures the reflection engine and its scheduler.
type ReflectionConfig struct {
	Enabled          bool     `koanf:"enabled"`
	Interval         Duration `koanf:"interval"`
	Window           Duration `koanf:"window"`
	PassTimeout      Duration `koanf:"pass_timeout"`
	SuccessThreshold float64  `koanf:"success_threshold"`
	SlowThreshold    Duration `koanf:"slow_threshold"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
}

// RedactionConfig controls credential scrubbing of error text.
type RedactionConfig struct {
	Enabled bool `koanf:"enabled"`
	// AllowList holds regexps for matches that are never redacted.
	AllowList []string `koanf:"allow_list"`
}

// LoggingConfig holds the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
	// Protocol is "grpc" or "http/protobuf".
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Path: "~/.local/share/forgeloop/forgeloop.db",
		},
		Search: SearchConfig{
			Timeout:          Duration(30 * time.Second),
			MaxResults:       5,
			StackExchangeURL: "https://api.stackexchange.com",
			Site:             "stackoverflow",
			GitHubEnabled:    true,
			RatePerMinute:    30,
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "gpt-4o-mini",
			Timeout:    Duration(60 * time.Second),
			MaxRetries: 3,
		},
		Reflection: ReflectionConfig{
			Enabled:          true,
			Interval:         Duration(time.Hour),
			Window:           Duration(7 * 24 * time.Hour),
			PassTimeout:      Duration(5 * time.Minute),
			SuccessThreshold: 0.7,
			SlowThreshold:    Duration(30 * time.Second),
		},
		Events: EventsConfig{
			Enabled: false,
			NATSURL: "nats://localhost:4222",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "forgeloop",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Storage.Path == "" {
		return errors.New("storage path is required")
	}
	if c.Search.Timeout <= 0 {
		return errors.New("search timeout must be positive")
	}
	if c.Search.MaxResults < 1 {
		return fmt.Errorf("search max_results must be >= 1, got %d", c.Search.MaxResults)
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm timeout must be positive")
	}
	if c.Reflection.Enabled && c.Reflection.Interval <= 0 {
		return errors.New("reflection interval must be positive when reflection is enabled")
	}
	if c.Reflection.Window <= 0 {
		return errors.New("reflection window must be positive")
	}
	if c.Reflection.SuccessThreshold < 0 || c.Reflection.SuccessThreshold > 1 {
		return fmt.Errorf("reflection success_threshold must be in [0,1], got %v", c.Reflection.SuccessThreshold)
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events nats_url is required when events are enabled")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry sample_rate must be in [0,1], got %v", c.Telemetry.SampleRate)
		}
	}
	return nil
}
