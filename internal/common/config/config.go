// Package config provides configuration management for the agent host.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the agent host daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Agent    AgentConfig    `mapstructure:"agent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PluginsConfig holds the plugin cache location.
type PluginsConfig struct {
	// CacheDir is the application cache directory. Plugins live under
	// <cacheDir>/plugins/<pluginId>/.
	CacheDir string `mapstructure:"cacheDir"`
}

// TerminalConfig holds terminal execution configuration.
type TerminalConfig struct {
	// OutputBufferBytes caps retained output per terminal; oldest bytes
	// are evicted on overflow.
	OutputBufferBytes int `mapstructure:"outputBufferBytes"`
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	// ConnectTimeout bounds the spawn + initialize + session/new handshake (seconds).
	ConnectTimeout int `mapstructure:"connectTimeout"`
	// ShutdownGrace bounds the wait between stdin EOF and SIGKILL (seconds).
	ShutdownGrace int `mapstructure:"shutdownGrace"`
	// RequireReadPermission gates fs/read_text_file through the permission
	// hub. Policy knob: the two source documents disagree on whether reads
	// need permission; the most recent design note says they do.
	RequireReadPermission bool `mapstructure:"requireReadPermission"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ConnectTimeoutDuration returns the connect timeout as a time.Duration.
func (a *AgentConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(a.ConnectTimeout) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace as a time.Duration.
func (a *AgentConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(a.ShutdownGrace) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTDESK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultCacheDir resolves the per-user cache directory for the app.
func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentdesk")
	}
	return filepath.Join(base, "agentdesk")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8719)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdesk-host")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("plugins.cacheDir", defaultCacheDir())

	v.SetDefault("terminal.outputBufferBytes", 256*1024)

	v.SetDefault("agent.connectTimeout", 30)
	v.SetDefault("agent.shutdownGrace", 5)
	v.SetDefault("agent.requireReadPermission", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDESK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentdesk/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys whose env var naming differs from the config key naming.
	_ = v.BindEnv("plugins.cacheDir", "AGENTDESK_PLUGINS_CACHE_DIR")
	_ = v.BindEnv("terminal.outputBufferBytes", "AGENTDESK_TERMINAL_OUTPUT_BUFFER_BYTES")
	_ = v.BindEnv("agent.connectTimeout", "AGENTDESK_AGENT_CONNECT_TIMEOUT")
	_ = v.BindEnv("agent.shutdownGrace", "AGENTDESK_AGENT_SHUTDOWN_GRACE")
	_ = v.BindEnv("agent.requireReadPermission", "AGENTDESK_AGENT_REQUIRE_READ_PERMISSION")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdesk/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Plugins.CacheDir == "" {
		errs = append(errs, "plugins.cacheDir must not be empty")
	}
	if cfg.Terminal.OutputBufferBytes <= 0 {
		errs = append(errs, "terminal.outputBufferBytes must be positive")
	}
	if cfg.Agent.ConnectTimeout <= 0 {
		errs = append(errs, "agent.connectTimeout must be positive")
	}
	if cfg.Agent.ShutdownGrace <= 0 {
		errs = append(errs, "agent.shutdownGrace must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
