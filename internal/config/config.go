// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Mongo     MongoConfig     `yaml:"mongo"`
	History   HistoryConfig   `yaml:"history"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Health    HealthConfig    `yaml:"health"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains the control-plane HTTP settings
type ServerConfig struct {
	ListenAddr             string   `yaml:"listen_addr"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// ShutdownTimeout returns the graceful-shutdown budget
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// ExchangeConfig contains upstream REST and WebSocket endpoints
type ExchangeConfig struct {
	BaseURL string `yaml:"base_url"`
	WSURL   string `yaml:"ws_url"`
}

// MongoConfig contains the document-store connection settings
type MongoConfig struct {
	URI      Secret `yaml:"uri"`
	Database string `yaml:"database"`
}

// HistoryConfig contains the fill-history store settings
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig tunes the adaptive request guard
type RateLimitConfig struct {
	MaxRequestsPerMinute int     `yaml:"max_requests_per_minute"`
	SafetyMarginPercent  float64 `yaml:"safety_margin_percent"`
	BackoffSeconds       int     `yaml:"backoff_seconds"`
}

// SessionsConfig bounds session creation and concurrency
type SessionsConfig struct {
	MaxConcurrentCreating int `yaml:"max_concurrent_creating"`
	MaxCreationsPerSecond int `yaml:"max_creations_per_second"`
	MaxActiveSessions     int `yaml:"max_active_sessions"`
	MaxWSConnections      int `yaml:"max_ws_connections"`
}

// HealthConfig tunes the vitals monitor
type HealthConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	DiskPath        string `yaml:"disk_path"`
}

// AlertsConfig contains notification channel settings
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SystemConfig contains process-level settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "gridtrader"
	}
	if c.History.Path == "" {
		c.History.Path = "gridtrader_history.db"
	}
	if c.RateLimit.MaxRequestsPerMinute <= 0 {
		c.RateLimit.MaxRequestsPerMinute = 6000
	}
	if c.RateLimit.SafetyMarginPercent <= 0 {
		c.RateLimit.SafetyMarginPercent = 10
	}
	if c.RateLimit.BackoffSeconds <= 0 {
		c.RateLimit.BackoffSeconds = 30
	}
	if c.Sessions.MaxConcurrentCreating <= 0 {
		c.Sessions.MaxConcurrentCreating = 5
	}
	if c.Sessions.MaxCreationsPerSecond <= 0 {
		c.Sessions.MaxCreationsPerSecond = 10
	}
	if c.Sessions.MaxActiveSessions <= 0 {
		c.Sessions.MaxActiveSessions = 100
	}
	if c.Sessions.MaxWSConnections <= 0 {
		c.Sessions.MaxWSConnections = 50
	}
	if c.Health.IntervalSeconds <= 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.DiskPath == "" {
		c.Health.DiskPath = "/"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort <= 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		c.validateServer,
		c.validateExchange,
		c.validateRateLimit,
		c.validateSessions,
		c.validateSystem,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateServer() error {
	if !strings.Contains(c.Server.ListenAddr, ":") {
		return ValidationError{
			Field:   "server.listen_addr",
			Value:   c.Server.ListenAddr,
			Message: "must be a host:port address",
		}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.BaseURL == "" {
		return ValidationError{
			Field:   "exchange.base_url",
			Message: "exchange REST endpoint is required",
		}
	}
	if !strings.HasPrefix(c.Exchange.BaseURL, "http://") && !strings.HasPrefix(c.Exchange.BaseURL, "https://") {
		return ValidationError{
			Field:   "exchange.base_url",
			Value:   c.Exchange.BaseURL,
			Message: "must be an http(s) URL",
		}
	}
	if c.Exchange.WSURL != "" && !strings.HasPrefix(c.Exchange.WSURL, "ws://") && !strings.HasPrefix(c.Exchange.WSURL, "wss://") {
		return ValidationError{
			Field:   "exchange.ws_url",
			Value:   c.Exchange.WSURL,
			Message: "must be a ws(s) URL",
		}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit.SafetyMarginPercent >= 100 {
		return ValidationError{
			Field:   "rate_limit.safety_margin_percent",
			Value:   c.RateLimit.SafetyMarginPercent,
			Message: "must be below 100",
		}
	}
	return nil
}

func (c *Config) validateSessions() error {
	if c.Sessions.MaxActiveSessions > 10000 {
		return ValidationError{
			Field:   "sessions.max_active_sessions",
			Value:   c.Sessions.MaxActiveSessions,
			Message: "must be at most 10000",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	valid := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	for _, lvl := range valid {
		if strings.EqualFold(c.System.LogLevel, lvl) {
			return nil
		}
	}
	return ValidationError{
		Field:   "system.log_level",
		Value:   c.System.LogLevel,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
	}
}

// expandEnvVars substitutes ${VAR} and $VAR references in the raw YAML
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
