package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a sample configuration file to the default location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns:
//   - string: Path of the written file
//   - error: If the file exists and force is false, or writing fails
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

type configSection struct {
	key     string
	comment string
	value   any
}

// generateYAMLWithComments renders cfg as YAML with a comment above every
// top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	sections := []configSection{
		{"logging", "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr, file path)", cfg.Logging},
		{"server", "Graceful shutdown timeout and Prometheus metrics endpoint", cfg.Server},
		{"transport", "How devices are reached: memory (emulated devices) or localfs (one directory per device)", cfg.Transport},
		{"store", "Where fetched metadata is mirrored: memory or badger", cfg.Store},
		{"pipe", "Number of concurrent content transfers and how long an unread transfer may hold a worker", cfg.Pipe},
		{"provider", "Authority used in change notification URIs", cfg.Provider},
		{"devices", "Device ids opened at startup", cfg.Devices},
		{"adapters", "Network adapters exposing the document API", cfg.Adapters},
	}

	var b strings.Builder
	b.WriteString("# DittoMTP Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Every value can be overridden with a DITTOMTP_ environment variable,\n")
	b.WriteString("# e.g. DITTOMTP_LOGGING_LEVEL=DEBUG.\n")

	for _, s := range sections {
		out, err := yaml.Marshal(map[string]any{s.key: s.value})
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s: %w", s.key, err)
		}
		b.WriteString("\n# ")
		b.WriteString(s.comment)
		b.WriteString("\n")
		b.Write(out)
	}

	return b.String(), nil
}
