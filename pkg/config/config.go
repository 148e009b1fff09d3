package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittomtp/pkg/adapter/rest"
	"github.com/marmos91/dittomtp/pkg/pipe"
	"github.com/spf13/viper"
)

// Config represents the complete DittoMTP configuration.
//
// This structure captures all configurable aspects of the DittoMTP server including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics)
//   - Device transport selection and configuration (transport-specific)
//   - Metadata mirror selection and configuration (store-specific)
//   - Transfer worker pool, provider and device settings
//   - Adapter configurations
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOMTP_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Type-specific sections:
// Transports and stores define their own configuration types. The Config
// struct holds one map per implementation (e.g. store.badger) and only the
// map matching the selected type is decoded by the factories.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Transport selects how devices are reached
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Store selects where fetched metadata is mirrored
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Pipe configures the content transfer worker pool
	Pipe pipe.Config `mapstructure:"pipe" yaml:"pipe"`

	// Provider configures the document API
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`

	// Devices lists devices opened at startup
	Devices DevicesConfig `mapstructure:"devices" yaml:"devices"`

	// Adapters contains network adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters" yaml:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig controls metrics collection.
type MetricsConfig struct {
	// Enabled turns on Prometheus collection and the metrics server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port of the metrics server (default: 9090)
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`
}

// TransportConfig specifies how devices are reached.
//
// The Type field determines which transport implementation is used.
// Only the corresponding type-specific configuration section is used.
type TransportConfig struct {
	// Type specifies which transport implementation to use
	// Valid values: memory, localfs
	Type string `mapstructure:"type" validate:"required,oneof=memory localfs" yaml:"type"`

	// Memory contains the emulated devices of the in-memory transport
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Localfs contains directory-backed transport configuration
	// Only used when Type = "localfs"
	Localfs map[string]any `mapstructure:"localfs" yaml:"localfs"`

	// RateLimit throttles device round trips
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig throttles calls into each device.
type RateLimitConfig struct {
	// RequestsPerSecond per device. 0 disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0" yaml:"requests_per_second"`

	// Burst is the number of calls allowed at once above the sustained rate
	Burst int `mapstructure:"burst" validate:"min=0" yaml:"burst"`
}

// StoreConfig specifies the metadata mirror.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger" yaml:"type"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// ProviderConfig configures the document API.
type ProviderConfig struct {
	// Authority names the provider in notification URIs
	Authority string `mapstructure:"authority" validate:"required,authority" yaml:"authority"`

	// DisableEventWatcher stops reading device events. Listings are then
	// only refreshed by the provider's own mutations.
	DisableEventWatcher bool `mapstructure:"disable_event_watcher" yaml:"disable_event_watcher"`
}

// DevicesConfig lists devices handled at startup.
type DevicesConfig struct {
	// AutoOpen lists device ids opened when the server starts
	AutoOpen []int `mapstructure:"auto_open" validate:"dive,min=0" yaml:"auto_open"`
}

// AdaptersConfig contains all adapter configurations.
type AdaptersConfig struct {
	// HTTP contains the REST document API configuration.
	// Uses the rest.RESTConfig type directly to avoid duplication.
	HTTP rest.RESTConfig `mapstructure:"http" yaml:"http"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOMTP_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOMTP_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOMTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only overrides keys viper already knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittomtp/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar keys that can be set from the environment without
// appearing in the config file.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.shutdown_timeout",
	"server.metrics.enabled",
	"server.metrics.port",
	"transport.type",
	"transport.rate_limit.requests_per_second",
	"transport.rate_limit.burst",
	"store.type",
	"pipe.workers",
	"pipe.stall_timeout",
	"provider.authority",
	"provider.disable_event_watcher",
	"adapters.http.enabled",
	"adapters.http.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Missing config file is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittomtp")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittomtp")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
