// Package config loads the handoff bus's runtime configuration: a
// config.yaml under a home directory, overlaid with environment
// variables, normalized to defaults. Structure kept from the teacher's
// own internal/config/config.go (YAML + env-override + normalize-after-
// parse pattern), fields replaced with the bus's own.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// OTelExporter names a tracing exporter backend.
type OTelExporter string

const (
	OTelExporterNone      OTelExporter = "none"
	OTelExporterStdout    OTelExporter = "stdout"
	OTelExporterOTLPHTTP  OTelExporter = "otlp-http"
)

// Config is the handoff bus's effective runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// RedisAddr is the Redis instance backing the queue gateway, broker,
	// and distributed lock. Env: HANDOFFBUS_REDIS_ADDR.
	RedisAddr string `yaml:"redis_addr"`
	// RedisDB selects the logical Redis database. Env: HANDOFFBUS_REDIS_DB.
	RedisDB int `yaml:"redis_db"`

	// DeadLetterSQLitePath is the path to the dead letter sink's SQLite
	// database. Env: HANDOFFBUS_DEADLETTER_SQLITE_PATH.
	DeadLetterSQLitePath string `yaml:"deadletter_sqlite_path"`

	// RoutingConfigPath points at the routing snapshot YAML/JSON file
	// internal/routing.Load reads. Env: HANDOFF_ROUTING_CONFIG_PATH.
	RoutingConfigPath string `yaml:"routing_config_path"`

	// LogLevel is one of debug, info, warn, error. Env: HANDOFFBUS_LOG_LEVEL.
	LogLevel string `yaml:"log_level"`

	// OpsBindAddr is the listen address for internal/opsserver.
	// Env: HANDOFFBUS_OPS_BIND_ADDR.
	OpsBindAddr string `yaml:"ops_bind_addr"`

	// OTelExporter selects the tracing exporter: none, stdout, otlp-http.
	// Env: HANDOFFBUS_OTEL_EXPORTER.
	OTelExporter OTelExporter `yaml:"otel_exporter"`
	// OTelEndpoint is the OTLP collector endpoint, used only when
	// OTelExporter is otlp-http.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// DefaultConcurrency is the per-queue worker count absent a
	// per-queue override.
	DefaultConcurrency int `yaml:"default_concurrency"`

	// DrainTimeoutSeconds bounds how long a graceful shutdown waits for
	// in-flight jobs before returning.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		RedisAddr:            "127.0.0.1:6379",
		RedisDB:              0,
		DeadLetterSQLitePath: "./handoffbus.db",
		LogLevel:             "info",
		OpsBindAddr:          "127.0.0.1:8780",
		OTelExporter:         OTelExporterNone,
		DefaultConcurrency:   20,
		DrainTimeoutSeconds:  5,
	}
}

// HomeDir resolves the bus's home directory: HANDOFFBUS_HOME if set,
// else ~/.handoffbus.
func HomeDir() string {
	if override := os.Getenv("HANDOFFBUS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".handoffbus")
}

// Load reads config.yaml from HomeDir(), applies environment overrides,
// and normalizes defaults. A missing config.yaml is not an error — it
// sets NeedsGenesis and proceeds with defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create handoffbus home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.DeadLetterSQLitePath == "" {
		cfg.DeadLetterSQLitePath = "./handoffbus.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OpsBindAddr == "" {
		cfg.OpsBindAddr = "127.0.0.1:8780"
	}
	if cfg.OTelExporter == "" {
		cfg.OTelExporter = OTelExporterNone
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 20
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HANDOFFBUS_REDIS_ADDR"); raw != "" {
		cfg.RedisAddr = raw
	}
	if raw := os.Getenv("HANDOFFBUS_REDIS_DB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RedisDB = v
		}
	}
	if raw := os.Getenv("HANDOFFBUS_DEADLETTER_SQLITE_PATH"); raw != "" {
		cfg.DeadLetterSQLitePath = raw
	}
	if raw := os.Getenv("HANDOFF_ROUTING_CONFIG_PATH"); raw != "" {
		cfg.RoutingConfigPath = raw
	}
	if raw := os.Getenv("HANDOFFBUS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HANDOFFBUS_OPS_BIND_ADDR"); raw != "" {
		cfg.OpsBindAddr = raw
	}
	if raw := os.Getenv("HANDOFFBUS_OTEL_EXPORTER"); raw != "" {
		cfg.OTelExporter = OTelExporter(raw)
	}
	if raw := os.Getenv("HANDOFFBUS_OTEL_ENDPOINT"); raw != "" {
		cfg.OTelEndpoint = raw
	}
	if raw := os.Getenv("HANDOFFBUS_DEFAULT_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultConcurrency = v
		}
	}
	if raw := os.Getenv("HANDOFFBUS_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}

// Fingerprint returns a stable hash of the active config, useful for
// logging which configuration a running instance picked up.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "redis=%s/%d|deadletter=%s|log=%s|ops=%s|otel=%s|concurrency=%d|drain=%d",
		c.RedisAddr, c.RedisDB, c.DeadLetterSQLitePath, c.LogLevel, c.OpsBindAddr,
		c.OTelExporter, c.DefaultConcurrency, c.DrainTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
