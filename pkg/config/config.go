// Package config loads and validates the daemon configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (LAYOUTWCC_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. The core components treat these
// values as immutable inputs for their lifetime; changing them requires a
// restart.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Cache bounds the in-memory layout cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Pool sizes the per-target connection pool
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Transport controls exchange retries and timeouts
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Responder configures the mirror-side LAYOUT_WCC listener
	Responder ResponderConfig `mapstructure:"responder" yaml:"responder"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server run
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// CacheConfig bounds the layout cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached layout entries.
	// Default: 1024
	Capacity int `mapstructure:"capacity" validate:"omitempty,gt=0" yaml:"capacity"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	// MaxPerTarget caps concurrent connections per mirror server.
	// Default: 4
	MaxPerTarget int `mapstructure:"max_per_target" validate:"omitempty,gt=0" yaml:"max_per_target"`

	// IdleTimeout discards pooled connections idle longer than this.
	// Zero keeps idle connections forever. Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"omitempty,gte=0" yaml:"idle_timeout"`
}

// TransportConfig controls the exchange retry policy.
type TransportConfig struct {
	// MaxAttempts caps total attempts per exchange, including the first.
	// Default: 3
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,gt=0" yaml:"max_attempts"`

	// BackoffBase is the delay before the first retry; each retry doubles
	// it. Default: 100ms
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"omitempty,gt=0" yaml:"backoff_base"`

	// BackoffMax caps the per-retry delay. Default: 2s
	BackoffMax time.Duration `mapstructure:"backoff_max" validate:"omitempty,gt=0" yaml:"backoff_max"`

	// AttemptTimeout bounds a single write+read round trip. Default: 5s
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"omitempty,gt=0" yaml:"attempt_timeout"`
}

// ResponderConfig configures the mirror-side listener that applies incoming
// LAYOUT_WCC updates.
type ResponderConfig struct {
	// Enabled controls whether this process also answers LAYOUT_WCC
	// requests (mirror role). Default: false (client role only)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the address the responder binds, host:port.
	// Default: ":20490"
	Listen string `mapstructure:"listen" yaml:"listen"`

	// GracePeriod rejects requests with RETRY for this long after startup,
	// while local layout state is still being rebuilt. Default: 0
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"omitempty,gte=0" yaml:"grace_period"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  layoutwccd init\n\n"+
				"Or specify a custom config file:\n"+
				"  layoutwccd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  layoutwccd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the LAYOUTWCC_ prefix, e.g.
// LAYOUTWCC_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("LAYOUTWCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts config strings like "30s", "5m", "1h" to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "layoutwcc")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "layoutwcc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
