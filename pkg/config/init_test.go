package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")

	path, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	expected := filepath.Join(tmpDir, ".config", "dittomtp", "config.yaml")
	if path != expected {
		t.Errorf("Expected path %q, got %q", expected, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Config file not created: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}

	if _, err := InitConfig(true); err != nil {
		t.Errorf("InitConfig with force failed: %v", err)
	}
}

func TestInitConfigToPath_CreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Config file not created: %v", err)
	}
}

func TestGenerateYAMLWithComments(t *testing.T) {
	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		t.Fatalf("generateYAMLWithComments failed: %v", err)
	}

	for _, want := range []string{
		"# DittoMTP Configuration File",
		"logging:",
		"server:",
		"transport:",
		"store:",
		"pipe:",
		"provider:",
		"devices:",
		"adapters:",
		"8080",
		"INFO",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("Generated config missing %q", want)
		}
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(content), &parsed); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
	if _, ok := parsed["adapters"]; !ok {
		t.Error("Parsed config has no adapters section")
	}
}

func TestInitConfig_GeneratedConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}

	def := GetDefaultConfig()
	if cfg.Server.ShutdownTimeout != def.Server.ShutdownTimeout {
		t.Errorf("Shutdown timeout: expected %v, got %v", def.Server.ShutdownTimeout, cfg.Server.ShutdownTimeout)
	}
	if cfg.Adapters.HTTP.Port != def.Adapters.HTTP.Port {
		t.Errorf("HTTP port: expected %d, got %d", def.Adapters.HTTP.Port, cfg.Adapters.HTTP.Port)
	}
	if len(cfg.Devices.AutoOpen) != 1 || cfg.Devices.AutoOpen[0] != 0 {
		t.Errorf("Expected auto_open [0], got %v", cfg.Devices.AutoOpen)
	}

	if _, err := CreateTransport(&cfg.Transport); err != nil {
		t.Errorf("Generated transport section does not build: %v", err)
	}
}
