package config

import (
	"fmt"

	"github.com/marmos91/dittomtp/pkg/adapter"
	"github.com/marmos91/dittomtp/pkg/adapter/rest"
)

// CreateAdapters creates all enabled adapters from the configuration.
//
// Parameters:
//   - cfg: The complete DittoMTP configuration
//
// Returns:
//   - []adapter.Adapter: List of enabled adapters ready to be added to the server
//   - error: If no adapter is enabled
func CreateAdapters(cfg *Config) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Adapters.HTTP.Enabled {
		adapters = append(adapters, rest.New(cfg.Adapters.HTTP))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
