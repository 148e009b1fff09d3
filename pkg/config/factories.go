package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/internal/ratelimiter"
	"github.com/marmos91/dittomtp/pkg/manager"
	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/mtp/localfs"
	mtpMemory "github.com/marmos91/dittomtp/pkg/mtp/memory"
	"github.com/marmos91/dittomtp/pkg/store"
	"github.com/marmos91/dittomtp/pkg/store/badger"
	storeMemory "github.com/marmos91/dittomtp/pkg/store/memory"
	"github.com/mitchellh/mapstructure"
)

// CreateTransport creates the device transport based on configuration.
//
// This factory function uses the Type field to determine which transport
// to create, then decodes the type-specific configuration from the
// corresponding map.
//
// Supported types:
//   - "memory": Uses pkg/mtp/memory with the devices listed in the config
//   - "localfs": Uses pkg/mtp/localfs (one sub-directory per device)
//
// Parameters:
//   - cfg: Transport configuration
//
// Returns:
//   - mtp.Transport: Transport with every device closed
//   - error: Configuration or initialization error
func CreateTransport(cfg *TransportConfig) (mtp.Transport, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryTransport(cfg.Memory)
	case "localfs":
		return createLocalfsTransport(cfg.Localfs)
	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

// memoryDeviceConfig describes one emulated device of the memory transport.
type memoryDeviceConfig struct {
	ID           int    `mapstructure:"id"`
	Manufacturer string `mapstructure:"manufacturer"`
	Model        string `mapstructure:"model"`
	Serial       string `mapstructure:"serial"`

	Storages []memoryStorageConfig `mapstructure:"storages"`
}

type memoryStorageConfig struct {
	ID          uint32 `mapstructure:"id"`
	Description string `mapstructure:"description"`
	Capacity    uint64 `mapstructure:"capacity"`
	Free        uint64 `mapstructure:"free"`
}

// createMemoryTransport creates an in-memory transport whose devices have
// empty storages.
func createMemoryTransport(options map[string]any) (mtp.Transport, error) {
	var transportCfg struct {
		Devices []memoryDeviceConfig `mapstructure:"devices"`
	}
	if err := mapstructure.Decode(options, &transportCfg); err != nil {
		return nil, fmt.Errorf("failed to decode memory transport config: %w", err)
	}

	t := mtpMemory.New()
	seen := make(map[int]bool)
	for i, dev := range transportCfg.Devices {
		if dev.ID < 0 {
			return nil, fmt.Errorf("memory transport: devices[%d]: invalid id %d", i, dev.ID)
		}
		if seen[dev.ID] {
			return nil, fmt.Errorf("memory transport: devices[%d]: duplicate id %d", i, dev.ID)
		}
		seen[dev.ID] = true

		t.AddValidDevice(dev.ID, mtp.DeviceInfo{
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			SerialNumber: dev.Serial,
		})

		roots := make([]mtp.Root, 0, len(dev.Storages))
		for _, s := range dev.Storages {
			if s.ID == 0 {
				return nil, fmt.Errorf("memory transport: device %d: storage id 0 is reserved", dev.ID)
			}
			roots = append(roots, mtp.Root{
				DeviceID:    dev.ID,
				StorageID:   s.ID,
				Description: s.Description,
				FreeSpace:   s.Free,
				MaxCapacity: s.Capacity,
			})
			t.SetObjectHandles(dev.ID, s.ID, mtp.ParentRoot, []uint32{})
		}
		t.SetRoots(dev.ID, roots)
	}

	logger.Debug("Memory transport with %d device(s)", len(transportCfg.Devices))
	return t, nil
}

// createLocalfsTransport creates a directory-backed transport.
func createLocalfsTransport(options map[string]any) (mtp.Transport, error) {
	var transportCfg localfs.Config
	if err := mapstructure.Decode(options, &transportCfg); err != nil {
		return nil, fmt.Errorf("failed to decode localfs transport config: %w", err)
	}

	if transportCfg.Path == "" {
		return nil, fmt.Errorf("localfs transport: path is required")
	}

	t, err := localfs.NewFromConfig(transportCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create localfs transport: %w", err)
	}

	logger.Debug("Localfs transport at %s with %d device(s)", transportCfg.Path, len(t.DeviceIDs()))
	return t, nil
}

// CreateManager wraps transport into a manager.Manager that serializes and
// throttles device calls.
//
// Parameters:
//   - cfg: Transport configuration (rate_limit is used)
//   - transport: Transport created by CreateTransport
//   - transportMetrics: Optional metrics collector (nil = no metrics)
func CreateManager(cfg *TransportConfig, transport mtp.Transport, transportMetrics metrics.TransportMetrics) *manager.Manager {
	limiter := ratelimiter.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	if !limiter.Unlimited() {
		logger.Debug("Device rate limit: %.1f req/s, burst %d",
			cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	return manager.New(transport, manager.Options{
		Limiter: limiter,
		Metrics: transportMetrics,
	})
}

// CreateStore creates the metadata mirror based on configuration.
//
// Supported types:
//   - "memory": Uses pkg/store/memory
//   - "badger": Uses pkg/store/badger (persistent)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Store configuration
//
// Returns:
//   - store.Store: Initialized store
//   - error: Configuration or initialization error
func CreateStore(ctx context.Context, cfg *StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return storeMemory.New(), nil
	case "badger":
		return createBadgerStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

// createBadgerStore creates a BadgerDB-backed mirror.
func createBadgerStore(ctx context.Context, options map[string]any) (store.Store, error) {
	var storeCfg badger.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger store config: %w", err)
	}

	if storeCfg.Path == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger store: path is required")
	}

	s, err := badger.New(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}
	return s, nil
}
