package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir + "/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Autoscale.MinConcurrency != 1 || cfg.Autoscale.MaxConcurrency != 200 {
		t.Errorf("unexpected autoscale defaults: %+v", cfg.Autoscale)
	}
	if !cfg.Browser.ReusePages {
		t.Errorf("expected ReusePages default true")
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	os.Setenv("CRAWLKIT_HEADLESS", "false")
	os.Setenv("CRAWLKIT_LOCAL_STORAGE_DIR", "/tmp/custom-storage")
	defer os.Unsetenv("CRAWLKIT_HEADLESS")
	defer os.Unsetenv("CRAWLKIT_LOCAL_STORAGE_DIR")

	cfg, err := Load(t.TempDir() + "/missing.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Browser.Headless {
		t.Errorf("expected CRAWLKIT_HEADLESS=false to override default")
	}
	if cfg.Storage.LocalStorageDir != "/tmp/custom-storage" {
		t.Errorf("LocalStorageDir = %q, want override", cfg.Storage.LocalStorageDir)
	}
}
