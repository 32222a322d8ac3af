// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstreams UpstreamsConfig `yaml:"upstreams"`
	Workers   WorkersConfig   `yaml:"workers"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Accounts  []AccountEntry  `yaml:"accounts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds the shared client and admin secrets. Empty values
// disable the corresponding check.
type AuthConfig struct {
	APIKey   string `yaml:"api_key"`
	AdminKey string `yaml:"admin_key"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// UpstreamsConfig holds per-channel upstream settings.
type UpstreamsConfig struct {
	CodeWhisperer CodeWhispererConfig `yaml:"codewhisperer"`
	Gemini        GeminiConfig        `yaml:"gemini"`
}

// CodeWhispererConfig configures the CodeWhisperer upstream.
type CodeWhispererConfig struct {
	Endpoint   string `yaml:"endpoint"`    // empty = production default
	ProfileARN string `yaml:"profile_arn"` // default for accounts without one
}

// GeminiConfig configures the Gemini Cloud Assist upstream and the OAuth
// callback used to import accounts.
type GeminiConfig struct {
	Endpoint          string `yaml:"endpoint"` // empty = production default
	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthRedirectURI  string `yaml:"oauth_redirect_uri"`
}

// WorkersConfig controls the background workers.
type WorkersConfig struct {
	QuotaSyncInterval time.Duration `yaml:"quota_sync_interval"`
	QuotaRestore      bool          `yaml:"quota_restore"`
	TokenWarm         bool          `yaml:"token_warm"`
}

// TokensConfig holds token accounting settings.
type TokensConfig struct {
	// ZeroInputModels are model-name keywords whose input tokens are
	// reported as zero (the provider does not bill them).
	ZeroInputModels []string `yaml:"zero_input_models"`
}

// AccountEntry is a provider-account seed in the config file.
type AccountEntry struct {
	Label        string         `yaml:"label"`
	Type         string         `yaml:"type"` // "codewhisperer" or "gemini"
	Enabled      *bool          `yaml:"enabled"`
	ClientID     string         `yaml:"client_id"`
	ClientSecret string         `yaml:"client_secret"`
	RefreshToken string         `yaml:"refresh_token"`
	Other        map[string]any `yaml:"other"` // profileArn, projectId, apiEndpoint, ...
}

// IsEnabled reports whether the account seed is enabled (defaults to true).
func (a AccountEntry) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second, // SSE responses outlive normal write windows
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "palantir.db",
		},
		Workers: WorkersConfig{
			QuotaSyncInterval: 10 * time.Minute,
			QuotaRestore:      true,
			TokenWarm:         false,
		},
		Tokens: TokensConfig{
			ZeroInputModels: []string{"haiku"},
		},
	}
}
