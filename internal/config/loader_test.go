package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	restoreWd(t, dir)

	v := viper.New()
	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DB.Path != ".sidecar/sidecar.db" {
		t.Errorf("DB.Path = %q, want default", cfg.DB.Path)
	}
}

func TestLoadConfigProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	restoreWd(t, dir)

	if err := os.MkdirAll(filepath.Join(dir, ProjectConfigDir), 0o755); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{
		"database": map[string]any{"path": "/tmp/custom.db"},
	})
	if err := os.WriteFile(filepath.Join(dir, ProjectConfigDir, ProjectConfigFile), body, 0o644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DB.Path != "/tmp/custom.db" {
		t.Errorf("DB.Path = %q, want /tmp/custom.db", cfg.DB.Path)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	restoreWd(t, dir)

	if err := os.MkdirAll(filepath.Join(dir, ProjectConfigDir), 0o755); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{"mode": "test"})
	if err := os.WriteFile(filepath.Join(dir, ProjectConfigDir, ProjectConfigFile), body, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WRAPPER_MODE", "production")

	v := viper.New()
	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mode != "production" {
		t.Errorf("Mode = %q, want production", cfg.Mode)
	}
}

func restoreWd(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
}
