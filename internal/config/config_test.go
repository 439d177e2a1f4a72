package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Port != 7800 || cfg.Hub.Name != "default" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Hub.DefaultTimeout != 30*time.Second {
		t.Fatalf("expected 30s default call deadline per spec, got %s", cfg.Hub.DefaultTimeout)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Port != 7800 {
		t.Fatalf("expected default port, got %d", cfg.Broker.Port)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.yaml")
	content := "broker:\n  host: 0.0.0.0\n  port: 9100\nhub:\n  name: workers\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Port != 9100 || cfg.Broker.Host != "0.0.0.0" || cfg.Hub.Name != "workers" {
		t.Fatalf("expected file overrides applied, got %+v", cfg)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("BUS_NAME", "env-bus")
	t.Setenv("HUB_DEFAULT_TIMEOUT_MS", "250")

	path := filepath.Join(t.TempDir(), "bus.yaml")
	if err := os.WriteFile(path, []byte("bus_name: file-bus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BusName != "env-bus" {
		t.Fatalf("expected BUS_NAME override, got %q", cfg.BusName)
	}
	if cfg.Hub.DefaultTimeout.Milliseconds() != 250 {
		t.Fatalf("expected HUB_DEFAULT_TIMEOUT_MS override, got %v", cfg.Hub.DefaultTimeout)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Broker.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for port 0")
	}
}
