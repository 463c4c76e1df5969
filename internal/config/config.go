// Package config loads the server configuration from a YAML file,
// environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr      = ":3001"
	DefaultMaxSessions     = 10
	DefaultInitialCols     = 80
	DefaultInitialRows     = 30
	DefaultMinAPIKeyLength = 10
	DefaultScrollbackBytes = 64 * 1024
	DefaultAIEndpoint      = "https://generativelanguage.googleapis.com/"
	DefaultAIFastModel     = "gemini-3-flash-preview"
	DefaultAIDeepModel     = "gemini-3-pro-preview"
)

// Config holds server configuration.
type Config struct {
	ListenAddr      string   `yaml:"listen_addr"`
	Shell           string   `yaml:"shell"`
	InitialCols     int      `yaml:"initial_cols"`
	InitialRows     int      `yaml:"initial_rows"`
	MaxSessions     int      `yaml:"max_sessions"`
	ScrollbackBytes int      `yaml:"scrollback_bytes"`
	AuthToken       string   `yaml:"auth_token"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	LogLevel        string   `yaml:"log_level"`

	APIKey          string `yaml:"api_key"`
	MinAPIKeyLength int    `yaml:"min_api_key_length"`
	AIEndpoint      string `yaml:"ai_endpoint"`
	AIFastModel     string `yaml:"ai_fast_model"`
	AIDeepModel     string `yaml:"ai_deep_model"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:      DefaultListenAddr,
		InitialCols:     DefaultInitialCols,
		InitialRows:     DefaultInitialRows,
		MaxSessions:     DefaultMaxSessions,
		ScrollbackBytes: DefaultScrollbackBytes,
		AllowedOrigins:  []string{"*"},
		LogLevel:        "info",
		MinAPIKeyLength: DefaultMinAPIKeyLength,
		AIEndpoint:      DefaultAIEndpoint,
		AIFastModel:     DefaultAIFastModel,
		AIDeepModel:     DefaultAIDeepModel,
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// yields the defaults. Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ListenAddr = fmt.Sprintf(":%d", n)
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessions = n
		}
	}
	if v := os.Getenv("SANTINEL_SHELL"); v != "" {
		c.Shell = v
	}
	if v := os.Getenv("SANTINEL_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must be set"))
	}
	if c.InitialCols <= 0 || c.InitialCols > 0xFFFF {
		errs = append(errs, fmt.Errorf("initial_cols out of range: %d", c.InitialCols))
	}
	if c.InitialRows <= 0 || c.InitialRows > 0xFFFF {
		errs = append(errs, fmt.Errorf("initial_rows out of range: %d", c.InitialRows))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("max_sessions must be at least 1, got %d", c.MaxSessions))
	}
	if c.MinAPIKeyLength < 1 {
		errs = append(errs, fmt.Errorf("min_api_key_length must be at least 1, got %d", c.MinAPIKeyLength))
	}
	if c.ScrollbackBytes < 0 {
		errs = append(errs, fmt.Errorf("scrollback_bytes must not be negative, got %d", c.ScrollbackBytes))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ExecEnabled reports whether the privileged remote-execution surface is
// available. It requires an auth token.
func (c *Config) ExecEnabled() bool {
	return c.AuthToken != ""
}

// ParseLevel maps a log_level string to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", level)
}
