package config

import (
	"time"
)

// Config represents the complete application configuration. Values come from
// defaults, an optional YAML file, a .env file and GROKGATE_* environment
// variables, in increasing precedence. Everything is static after startup.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Health   HealthConfig   `mapstructure:"health" yaml:"health"`
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Cookies  CookiesConfig  `mapstructure:"cookies" yaml:"cookies"`
	Quota    QuotaConfig    `mapstructure:"quota" yaml:"quota"`
	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`
	Proxy    ProxyConfig    `mapstructure:"proxy" yaml:"proxy"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout bounds a whole response, streams included. Zero disables it.
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// "structured" (JSON, default) or "simple" (console text)
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated Prometheus exporter port. /metrics on the main
	// port proxies to it.
	Port int `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// CookiesConfig locates the cookie directory. One file per cookie, the file
// stem is the cookie name.
type CookiesConfig struct {
	// Dir defaults to <data_dir>/cookies.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// QuotaConfig controls per-cookie request budgets.
type QuotaConfig struct {
	Max      int           `mapstructure:"max" yaml:"max"`
	Recovery time.Duration `mapstructure:"recovery" yaml:"recovery"`
}

// UpstreamConfig configures the backend client.
type UpstreamConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	Model     string `mapstructure:"model" yaml:"model"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// Proxy is an http, https or socks5 URL. Empty means direct.
	Proxy string `mapstructure:"proxy" yaml:"proxy"`
	// Timeout bounds the wait for response headers, not the stream.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ProxyConfig toggles optional proxy behaviors.
type ProxyConfig struct {
	TestMessageReply bool  `mapstructure:"test_message_reply" yaml:"test_message_reply"`
	ExposePoolStatus bool  `mapstructure:"expose_pool_status" yaml:"expose_pool_status"`
	MaxBodyBytes     int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}
