package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
name: inventory-gateway
version: "1.0.0"
`

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	cfg, err := loader.LoadFromFile(context.Background(), writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Server.HTTP.Port != 8080 {
		t.Fatalf("default port = %d, want 8080", cfg.Server.HTTP.Port)
	}
	if cfg.Cache.Type != "memory" {
		t.Fatalf("default cache type = %s, want memory", cfg.Cache.Type)
	}
	if !cfg.Middlewares.Recovery.Enabled {
		t.Fatal("recovery middleware should default to enabled")
	}
	if cfg.Optimizer.MinTTL != time.Minute {
		t.Fatalf("optimizer min ttl = %v, want 1m", cfg.Optimizer.MinTTL)
	}
}

func TestLoadFromFileExpandsEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_TEST_PORT", "9191")

	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	cfg, err := loader.LoadFromFile(context.Background(), writeConfigFile(t, minimalConfig+`
server:
  http:
    host: localhost
    port: ${GATEWAY_TEST_PORT}
`))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Server.HTTP.Port != 9191 {
		t.Fatalf("port = %d, want 9191 from environment", cfg.Server.HTTP.Port)
	}
}

func TestLoadFromFileRejectsInvalidConfig(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	// Missing required name and version.
	if _, err := loader.LoadFromFile(context.Background(), writeConfigFile(t, "logger:\n  level: debug\n")); err == nil {
		t.Fatal("expected validation error")
	}

	if _, err := loader.LoadFromFile(context.Background(), ""); !types.IsError(err, types.ErrConfigNotFound) {
		t.Fatalf("empty path: got %v, want ErrConfigNotFound", err)
	}

	if _, err := loader.LoadFromFile(context.Background(), "/does/not/exist.yml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestManagerPathLookups(t *testing.T) {
	cm, err := NewConfigurationManager(context.Background(), writeConfigFile(t, minimalConfig+`
cache:
  enabled: true
  type: memory
  config:
    max_entries: 500
`))
	if err != nil {
		t.Fatalf("NewConfigurationManager: %v", err)
	}

	if got := cm.GetValue("cache.type", "none"); got != "memory" {
		t.Fatalf("GetValue(cache.type) = %v", got)
	}
	if got := cm.GetValue("cache.missing", "fallback"); got != "fallback" {
		t.Fatalf("GetValue default = %v", got)
	}

	var memCfg struct {
		MaxEntries int `yaml:"max_entries"`
	}
	if err := cm.GetAs("cache.config", &memCfg); err != nil {
		t.Fatalf("GetAs: %v", err)
	}
	if memCfg.MaxEntries != 500 {
		t.Fatalf("max_entries = %d, want 500", memCfg.MaxEntries)
	}

	if err := cm.GetAs("no.such.path", &memCfg); !types.IsError(err, types.ErrConfigNotFound) {
		t.Fatalf("GetAs missing path: got %v, want ErrConfigNotFound", err)
	}
}
