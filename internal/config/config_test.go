package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("fleet:\n  simulated: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Fleet.Simulated {
		t.Fatalf("expected simulated: true to survive parsing")
	}
	if cfg.Fleet.USBGlob != "/dev/ttyACM*" {
		t.Fatalf("expected default usb glob, got %q", cfg.Fleet.USBGlob)
	}
	if cfg.DebugServer.Port != 8080 {
		t.Fatalf("expected default debug server port 8080, got %d", cfg.DebugServer.Port)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
