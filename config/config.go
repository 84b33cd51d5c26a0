package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend              string `mapstructure:"backend"`
	TimeoutSec           int    `mapstructure:"timeout_sec"`
	MemoryMB             int    `mapstructure:"memory_mb"`
	CPUSeconds           int    `mapstructure:"cpu_seconds"`
	MaxResultMB          int    `mapstructure:"max_result_mb"`
	NetworkEnabled       bool   `mapstructure:"network_enabled"`
	Image                string `mapstructure:"image"`
	WorkerBinary         string `mapstructure:"worker_binary"`
	FallbackToSubprocess bool   `mapstructure:"fallback_to_subprocess"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("sandbox.backend", "subprocess")
	viper.SetDefault("sandbox.timeout_sec", 10)
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.cpu_seconds", 15)
	viper.SetDefault("sandbox.max_result_mb", 8)
	viper.SetDefault("sandbox.network_enabled", false)
	viper.SetDefault("sandbox.image", "framebox-sandbox:latest")
	viper.SetDefault("sandbox.worker_binary", "framebox-worker")
	viper.SetDefault("sandbox.fallback_to_subprocess", true)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUSeconds <= 0 {
		return fmt.Errorf("sandbox.cpu_seconds must be positive, got: %d", c.Sandbox.CPUSeconds)
	}

	if c.Sandbox.MaxResultMB <= 0 {
		return fmt.Errorf("sandbox.max_result_mb must be positive, got: %d", c.Sandbox.MaxResultMB)
	}

	// Executions never get network access. The key exists so a misguided
	// attempt to flip it fails loudly instead of being silently ignored.
	if c.Sandbox.NetworkEnabled {
		return fmt.Errorf("sandbox.network_enabled cannot be set: executions always run without network access")
	}

	supportedBackends := map[string]bool{
		"subprocess": true,
		"docker":     true,
		"podman":     true,
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}
