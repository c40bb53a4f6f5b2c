package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Modules ModulesConfig `mapstructure:"modules"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox execution configuration
type SandboxConfig struct {
	PythonBin           string `mapstructure:"python_bin"`
	TimeoutSec          int    `mapstructure:"timeout_sec"`
	MemoryMB            int    `mapstructure:"memory_mb"`
	MaxOpenFiles        int    `mapstructure:"max_open_files"`
	MaxOutputKB         int    `mapstructure:"max_output_kb"`
	MaxCodeSizeKB       int    `mapstructure:"max_code_size_kb"`
	SupervisoryGraceSec int    `mapstructure:"supervisory_grace_sec"`
}

// ModulesConfig holds the import allow-lists handed to the child interpreter.
// Allowed modules are always importable inside the sandbox; optional modules
// are importable only when probing finds them installed on the host.
type ModulesConfig struct {
	Allowed  []string `mapstructure:"allowed"`
	Optional []string `mapstructure:"optional"`
}

// DefaultAllowedModules is the default import allow-list for sandboxed code.
// Only introspection-free, OS-free standard library modules belong here.
var DefaultAllowedModules = []string{
	"math", "cmath", "random", "time", "datetime", "calendar",
	"json", "collections", "itertools", "functools", "operator",
	"string", "re", "statistics", "decimal", "fractions",
	"heapq", "bisect", "array", "textwrap", "unicodedata",
	"copy", "enum", "typing", "dataclasses",
	"base64", "hashlib", "secrets", "uuid", "html", "csv", "zlib",
}

// DefaultOptionalModules are heavier data-processing modules that are only
// allow-listed when actually installed on the host.
var DefaultOptionalModules = []string{"numpy", "pandas", "matplotlib"}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.python_bin", "python3")
	viper.SetDefault("sandbox.timeout_sec", 10)
	viper.SetDefault("sandbox.memory_mb", 256)
	viper.SetDefault("sandbox.max_open_files", 16)
	viper.SetDefault("sandbox.max_output_kb", 64)
	viper.SetDefault("sandbox.max_code_size_kb", 10)
	viper.SetDefault("sandbox.supervisory_grace_sec", 2)

	viper.SetDefault("modules.allowed", DefaultAllowedModules)
	viper.SetDefault("modules.optional", DefaultOptionalModules)

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

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.PythonBin == "" {
		return fmt.Errorf("sandbox.python_bin must not be empty")
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOpenFiles <= 0 {
		return fmt.Errorf("sandbox.max_open_files must be positive, got: %d", c.Sandbox.MaxOpenFiles)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxCodeSizeKB <= 0 {
		return fmt.Errorf("sandbox.max_code_size_kb must be positive, got: %d", c.Sandbox.MaxCodeSizeKB)
	}

	if c.Sandbox.SupervisoryGraceSec <= 0 {
		return fmt.Errorf("sandbox.supervisory_grace_sec must be positive, got: %d", c.Sandbox.SupervisoryGraceSec)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetSupervisoryGrace returns the extra wall-clock window the parent grants
// the child beyond its own alarm before killing it.
func (c *Config) GetSupervisoryGrace() time.Duration {
	return time.Duration(c.Sandbox.SupervisoryGraceSec) * time.Second
}
