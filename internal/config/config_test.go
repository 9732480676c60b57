package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xpert-ai/handoffbus/internal/config"
)

func TestLoad_FromHandoffbusHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".handoffbus")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("redis_addr: localhost:7000\ndefault_concurrency: 8\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HANDOFFBUS_HOME", ic)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "localhost:7000" {
		t.Fatalf("expected redis_addr from yaml, got %q", cfg.RedisAddr)
	}
	if cfg.DefaultConcurrency != 8 {
		t.Fatalf("expected default_concurrency=8, got %d", cfg.DefaultConcurrency)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HANDOFFBUS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis when config.yaml is absent")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HANDOFFBUS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "127.0.0.1:6379" {
		t.Errorf("redis_addr default = %q", cfg.RedisAddr)
	}
	if cfg.DeadLetterSQLitePath != "./handoffbus.db" {
		t.Errorf("deadletter path default = %q", cfg.DeadLetterSQLitePath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level default = %q", cfg.LogLevel)
	}
	if cfg.OpsBindAddr != "127.0.0.1:8780" {
		t.Errorf("ops_bind_addr default = %q", cfg.OpsBindAddr)
	}
	if cfg.OTelExporter != config.OTelExporterNone {
		t.Errorf("otel_exporter default = %q", cfg.OTelExporter)
	}
	if cfg.DefaultConcurrency != 20 {
		t.Errorf("default_concurrency default = %d", cfg.DefaultConcurrency)
	}
	if cfg.DrainTimeoutSeconds != 5 {
		t.Errorf("drain_timeout_seconds default = %d", cfg.DrainTimeoutSeconds)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HANDOFFBUS_HOME", home)
	t.Setenv("HANDOFFBUS_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("HANDOFFBUS_REDIS_DB", "2")
	t.Setenv("HANDOFFBUS_LOG_LEVEL", "debug")
	t.Setenv("HANDOFFBUS_OPS_BIND_ADDR", "0.0.0.0:9000")
	t.Setenv("HANDOFFBUS_OTEL_EXPORTER", "stdout")
	t.Setenv("HANDOFF_ROUTING_CONFIG_PATH", "/etc/handoffbus/routing.yaml")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Errorf("redis_addr = %q", cfg.RedisAddr)
	}
	if cfg.RedisDB != 2 {
		t.Errorf("redis_db = %d", cfg.RedisDB)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.OpsBindAddr != "0.0.0.0:9000" {
		t.Errorf("ops_bind_addr = %q", cfg.OpsBindAddr)
	}
	if cfg.OTelExporter != config.OTelExporterStdout {
		t.Errorf("otel_exporter = %q", cfg.OTelExporter)
	}
	if cfg.RoutingConfigPath != "/etc/handoffbus/routing.yaml" {
		t.Errorf("routing_config_path = %q", cfg.RoutingConfigPath)
	}
}

func TestFingerprint_StableForSameConfig(t *testing.T) {
	a := config.Config{RedisAddr: "x:1", LogLevel: "info"}
	b := config.Config{RedisAddr: "x:1", LogLevel: "info"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical fingerprints for identical configs")
	}
}

func TestFingerprint_DiffersOnChange(t *testing.T) {
	a := config.Config{RedisAddr: "x:1", LogLevel: "info"}
	b := config.Config{RedisAddr: "x:2", LogLevel: "info"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected different fingerprints for different configs")
	}
}
