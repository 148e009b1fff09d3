package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/provider"
)

// InitializeProvider creates a fully configured document provider from the
// provided configuration.
//
// This function orchestrates the complete initialization process:
//  1. Creates the device transport from cfg.Transport
//  2. Wraps it into a manager that serializes and throttles device calls
//  3. Creates the metadata mirror from cfg.Store
//  4. Builds the provider with the pipe and provider settings
//
// No device is opened; see cfg.Devices.AutoOpen.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: Complete configuration loaded from config file
//   - m: Metrics collectors from InitializeMetrics (nil = no metrics)
//
// Returns:
//   - *provider.Provider: Provider ready to serve
//   - error: If the transport or the store cannot be created
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	p, err := config.InitializeProvider(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatalf("Failed to initialize provider: %v", err)
//	}
func InitializeProvider(ctx context.Context, cfg *Config, m *MetricsResult) (*provider.Provider, error) {
	logger.Debug("Initializing provider from configuration")

	if m == nil {
		m = &MetricsResult{}
	}

	transport, err := CreateTransport(&cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	logger.Debug("Transport %q created", cfg.Transport.Type)

	mgr := CreateManager(&cfg.Transport, transport, m.TransportMetrics)

	st, err := CreateStore(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	logger.Debug("Store %q created", cfg.Store.Type)

	return provider.New(mgr, provider.Options{
		Authority:           cfg.Provider.Authority,
		Store:               st,
		Pipe:                cfg.Pipe,
		Metrics:             m.ProviderMetrics,
		PipeMetrics:         m.PipeMetrics,
		DisableEventWatcher: cfg.Provider.DisableEventWatcher,
	}), nil
}
