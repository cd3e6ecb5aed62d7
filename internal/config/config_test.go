package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDemoConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.yaml")
	contents := "role: receiver\ntransit_key: deadbeef\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDemoConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Role != "receiver" || cfg.TransitKey != "deadbeef" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Fields absent from the file keep DefaultDemoConfig's zero values.
	if cfg.TransitRelay != "" {
		t.Fatalf("expected empty TransitRelay, got %q", cfg.TransitRelay)
	}
}

func TestLoadDemoConfigMissingFile(t *testing.T) {
	if _, err := LoadDemoConfig("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestDefaultMonitorConfig(t *testing.T) {
	cfg := DefaultMonitorConfig()
	if cfg.Listen == "" || cfg.Database == "" || cfg.Admin.Username == "" {
		t.Fatalf("expected non-empty defaults, got %+v", cfg)
	}
}
