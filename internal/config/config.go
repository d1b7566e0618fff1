// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	App         AppConfig                 `yaml:"app"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Timing      TimingConfig              `yaml:"timing"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	System      SystemConfig              `yaml:"system"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Notify      NotifyConfig              `yaml:"notify"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	// EngineType selects the lifecycle engine implementation: "simple" runs
	// the plain in-process engine, "durable" wraps order placement in a
	// DBOS workflow (internal/lifecycle/durable).
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple durable"`
	DatabaseURL string `yaml:"database_url" validate:"required"` // SQLite DSN for the order repository
}

// ExchangeConfig contains exchange-specific configuration, one entry per
// (user, exchange, is_testnet) credential set the hosting application wants
// the core to route through.
type ExchangeConfig struct {
	Exchange   string `yaml:"exchange" validate:"required,oneof=binance bybit mock"`
	APIKey     Secret `yaml:"api_key" validate:"required"`
	SecretKey  Secret `yaml:"secret_key" validate:"required"`
	BaseURL    string `yaml:"base_url"` // optional override, e.g. testnet host
	IsTestnet  bool   `yaml:"is_testnet"`
	FeeRate    float64 `yaml:"fee_rate" validate:"min=0,max=1"`
}

// TimingConfig contains the scheduler's timing knobs (spec.md §4.A, §4.F
// rollback discipline, §4.G stale sweep).
type TimingConfig struct {
	FastTickSeconds       int `yaml:"fast_tick_seconds" validate:"required,min=1,max=3600"`
	SlowTickSeconds       int `yaml:"slow_tick_seconds" validate:"required,min=1,max=86400"`
	StaleThresholdSeconds int `yaml:"stale_threshold_seconds" validate:"required,min=1,max=86400"`
	AdapterTimeoutSeconds int `yaml:"adapter_timeout_seconds" validate:"required,min=1,max=300"`
	SymbolCacheTTLSeconds int `yaml:"symbol_cache_ttl_seconds" validate:"required,min=1,max=86400"`
}

// ConcurrencyConfig contains worker pool settings for the lifecycle engine's
// per-tick fan-out.
type ConcurrencyConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size" validate:"required,min=1,max=256"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// SystemConfig contains general process settings.
type SystemConfig struct {
	LogLevel              string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	ShutdownTimeoutSeconds int   `yaml:"shutdown_timeout_seconds" validate:"min=1,max=300"`
}

// NotifyConfig configures the Notification Sink collaborator.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"` // optional; empty disables WebhookSink
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchanges(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimingConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateConcurrencyConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineType != "simple" && c.App.EngineType != "durable" {
		return ValidationError{
			Field:   "app.engine_type",
			Value:   c.App.EngineType,
			Message: "must be one of: simple, durable",
		}
	}
	if c.App.DatabaseURL == "" {
		return ValidationError{
			Field:   "app.database_url",
			Message: "database URL is required",
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange credential set must be configured",
		}
	}

	validExchanges := []string{"binance", "bybit", "mock"}
	for name, exchange := range c.Exchanges {
		if !contains(validExchanges, exchange.Exchange) {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.exchange", name),
				Value:   exchange.Exchange,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
			}
		}
		if exchange.Exchange == "mock" {
			continue
		}
		if exchange.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if exchange.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateTimingConfig() error {
	if c.Timing.FastTickSeconds <= 0 {
		return ValidationError{
			Field:   "timing.fast_tick_seconds",
			Value:   c.Timing.FastTickSeconds,
			Message: "must be positive",
		}
	}
	if c.Timing.SlowTickSeconds <= 0 {
		return ValidationError{
			Field:   "timing.slow_tick_seconds",
			Value:   c.Timing.SlowTickSeconds,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if c.Concurrency.WorkerPoolSize <= 0 {
		return ValidationError{
			Field:   "concurrency.worker_pool_size",
			Value:   c.Concurrency.WorkerPoolSize,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration with secrets
// masked (Secret's own MarshalYAML keeps api_key/secret_key out of the
// clear even if a caller forgets to call this).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is one of the
// exchange credential variables. It does not change the expansion:
// expandEnvVars turns every unset var into the empty string, critical or
// not.
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BINANCE_API_KEY", "BINANCE_SECRET_KEY",
		"BYBIT_API_KEY", "BYBIT_SECRET_KEY",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			EngineType:  "simple",
			DatabaseURL: "file:trades.db?cache=shared&_journal_mode=WAL",
		},
		Exchanges: map[string]ExchangeConfig{
			"binance-main": {
				Exchange:  "binance",
				APIKey:    "test_api_key",
				SecretKey: "test_secret_key",
				FeeRate:   0.0002,
			},
		},
		Timing: TimingConfig{
			FastTickSeconds:       10,
			SlowTickSeconds:       300,
			StaleThresholdSeconds: 60,
			AdapterTimeoutSeconds: 10,
			SymbolCacheTTLSeconds: 3600,
		},
		Concurrency: ConcurrencyConfig{
			WorkerPoolSize: 16,
		},
		System: SystemConfig{
			LogLevel:               "INFO",
			ShutdownTimeoutSeconds: 30,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
