package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittomtp/pkg/adapter/rest"
	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/marmos91/dittomtp/pkg/notify"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Transport and store specific values are filled into every type map so
//     generated config files show them
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyTransportDefaults(&cfg.Transport)
	applyStoreDefaults(&cfg.Store)
	cfg.Pipe.ApplyDefaults()
	applyProviderDefaults(&cfg.Provider)

	if cfg.Devices.AutoOpen == nil {
		cfg.Devices.AutoOpen = []int{}
	}

	applyAdaptersDefaults(&cfg.Adapters)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	// Metrics stay disabled unless enabled explicitly.
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = metrics.DefaultPort
	}
}

// applyTransportDefaults sets transport defaults.
func applyTransportDefaults(cfg *TransportConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Localfs == nil {
		cfg.Localfs = make(map[string]any)
	}

	if _, ok := cfg.Memory["devices"]; !ok {
		cfg.Memory["devices"] = []any{
			map[string]any{
				"id":           0,
				"manufacturer": "DittoMTP",
				"model":        "Virtual Device",
				"storages": []any{
					map[string]any{
						"id":          1,
						"description": "Internal storage",
						"capacity":    uint64(4 << 30),
						"free":        uint64(4 << 30),
					},
				},
			},
		}
	}
	if _, ok := cfg.Localfs["path"]; !ok {
		cfg.Localfs["path"] = "/tmp/dittomtp-devices"
	}

	// RequestsPerSecond defaults to 0 (unthrottled)
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1
	}
}

// applyStoreDefaults sets metadata mirror defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/tmp/dittomtp-mirror"
	}
}

// applyProviderDefaults sets provider defaults.
func applyProviderDefaults(cfg *ProviderConfig) {
	if cfg.Authority == "" {
		cfg.Authority = notify.DefaultAuthority
	}
}

// applyAdaptersDefaults sets adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// Enable the HTTP adapter when it was not configured at all (port 0),
	// so a config loaded without a file passes validation. An explicit
	// "enabled: false" with a port keeps it disabled.
	if !cfg.HTTP.Enabled && cfg.HTTP.Port == 0 {
		cfg.HTTP.Enabled = true
	}

	applyHTTPDefaults(&cfg.HTTP)
}

// applyHTTPDefaults sets HTTP adapter defaults.
func applyHTTPDefaults(cfg *rest.RESTConfig) {
	cfg.ApplyDefaults()
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Devices: DevicesConfig{
			AutoOpen: []int{0},
		},
		Adapters: AdaptersConfig{
			HTTP: rest.RESTConfig{
				Enabled: true,
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
