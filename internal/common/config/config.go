// Package config provides configuration management for agentwire.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentwire.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Bus     BusConfig     `mapstructure:"bus"`
	Usage   UsageConfig   `mapstructure:"usage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the client-facing transport configuration.
type ServerConfig struct {
	// Transport selects how the client connects: "stdio" or "websocket".
	Transport string `mapstructure:"transport"`

	// ListenAddr is the listen address for the websocket transport.
	ListenAddr string `mapstructure:"listenAddr"`

	// ReadTimeout applies to the websocket handshake, in seconds.
	ReadTimeout int `mapstructure:"readTimeout"`
}

// BackendConfig holds the agent backend subprocess configuration.
type BackendConfig struct {
	// Command is the backend CLI binary.
	Command string `mapstructure:"command"`

	// Args are extra arguments passed to the backend CLI.
	Args []string `mapstructure:"args"`

	// WorkDir is the working directory the backend operates in.
	WorkDir string `mapstructure:"workDir"`

	// PermissionMode is the initial permission mode for new sessions.
	PermissionMode string `mapstructure:"permissionMode"`

	// Model is the initial model id, empty for the backend default.
	Model string `mapstructure:"model"`

	// AuthHints are backend-declared substrings whose presence in a result
	// text indicates the backend needs authentication.
	AuthHints []string `mapstructure:"authHints"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	// URL is the NATS server URL. Empty means use the in-memory bus.
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// UsageConfig holds the usage probe configuration.
type UsageConfig struct {
	// Command is the CLI invoked to display usage, e.g. ["claude", "/usage"].
	Command []string `mapstructure:"command"`

	// Timeout bounds a single probe run, in seconds.
	Timeout int `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TimeoutDuration returns the probe timeout as a time.Duration.
func (u *UsageConfig) TimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTWIRE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.listenAddr", "127.0.0.1:9777")
	v.SetDefault("server.readTimeout", 30)

	// Backend defaults
	v.SetDefault("backend.command", "claude")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.workDir", "")
	v.SetDefault("backend.permissionMode", "default")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.authHints", []string{"Please run /login", "Invalid API key"})

	// Bus defaults - empty URL means use the in-memory event bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "agentwire")
	v.SetDefault("bus.maxReconnects", 10)

	// Usage probe defaults
	v.SetDefault("usage.command", []string{})
	v.SetDefault("usage.timeout", 30)

	// Logging defaults. Output goes to stderr so the stdio transport owns
	// stdout exclusively.
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTWIRE_ with snake_case naming.
// The config file should be named config.yaml and placed in the current
// directory or /etc/agentwire/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase
	// config key naming; AutomaticEnv does not convert camelCase.
	_ = v.BindEnv("server.listenAddr", "AGENTWIRE_SERVER_LISTEN_ADDR")
	_ = v.BindEnv("backend.workDir", "AGENTWIRE_BACKEND_WORK_DIR")
	_ = v.BindEnv("backend.permissionMode", "AGENTWIRE_BACKEND_PERMISSION_MODE")
	_ = v.BindEnv("bus.clientId", "AGENTWIRE_BUS_CLIENT_ID")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentwire/")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env vars apply. An
		// explicitly requested file must exist.
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "stdio", "websocket":
	default:
		return fmt.Errorf("invalid server.transport %q (want stdio or websocket)", c.Server.Transport)
	}
	if c.Server.Transport == "websocket" && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listenAddr is required for the websocket transport")
	}
	if c.Backend.Command == "" {
		return fmt.Errorf("backend.command is required")
	}
	return nil
}
