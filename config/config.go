// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	SchemaCache SchemaCacheConfig `yaml:"schema_cache"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxListLimit   int           `yaml:"max_list_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures entity storage.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

// DefinitionsConfig locates datatype definition files.
type DefinitionsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"` // reload when files in Dir change
}

// EnrichmentConfig sets enrichment defaults.
type EnrichmentConfig struct {
	Fanout    int `yaml:"fanout"`
	NodeLimit int `yaml:"node_limit"`
}

// SchemaCacheConfig sizes the compiled validator cache.
type SchemaCacheConfig struct {
	Size int `yaml:"size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML bytes. ${VAR} references are
// expanded before parsing; ENTIGATE_* variables override parsed values.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(&cfg)
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	ENTIGATE_SERVER_HOST           - Server host (default: 0.0.0.0)
//	ENTIGATE_SERVER_PORT           - Server port (default: 8080)
//	ENTIGATE_SERVER_READ_TIMEOUT   - e.g. 30s
//	ENTIGATE_SERVER_WRITE_TIMEOUT  - e.g. 60s
//	ENTIGATE_DATABASE_DRIVER       - sqlite, postgres or memory (default: sqlite)
//	ENTIGATE_DATABASE_DSN          - Database DSN (default: entigate.db)
//	ENTIGATE_DEFINITIONS_DIR       - Datatype definitions directory
//	ENTIGATE_DEFINITIONS_WATCH     - Reload definitions on change
//	ENTIGATE_ENRICHMENT_FANOUT     - Ids resolved per field (default: 50)
//	ENTIGATE_ENRICHMENT_NODE_LIMIT - Documents resolved per request (default: 500)
//	ENTIGATE_SCHEMA_CACHE_SIZE     - Compiled validators kept (default: 256)
//	ENTIGATE_LOG_LEVEL             - debug, info, warn, error (default: info)
//	ENTIGATE_LOG_FORMAT            - json or console (default: json)
//	ENTIGATE_METRICS_ENABLED       - Enable /metrics endpoint (default: true)
//	ENTIGATE_METRICS_PATH          - Metrics path (default: /metrics)
func LoadFromEnv() (*Config, error) {
	return finish(&Config{Metrics: MetricsConfig{Enabled: true}})
}

// LoadWithFallback loads path when it exists, otherwise the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies ENTIGATE_* variables. Malformed numbers and
// durations are errors rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []string
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not an integer", name, v))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a duration", name, v))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			*dst = parseBool(v)
		}
	}

	str("ENTIGATE_SERVER_HOST", &cfg.Server.Host)
	num("ENTIGATE_SERVER_PORT", &cfg.Server.Port)
	dur("ENTIGATE_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("ENTIGATE_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	dur("ENTIGATE_SERVER_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)

	str("ENTIGATE_DATABASE_DRIVER", &cfg.Database.Driver)
	str("ENTIGATE_DATABASE_DSN", &cfg.Database.DSN)

	str("ENTIGATE_DEFINITIONS_DIR", &cfg.Definitions.Dir)
	flag("ENTIGATE_DEFINITIONS_WATCH", &cfg.Definitions.Watch)

	num("ENTIGATE_ENRICHMENT_FANOUT", &cfg.Enrichment.Fanout)
	num("ENTIGATE_ENRICHMENT_NODE_LIMIT", &cfg.Enrichment.NodeLimit)
	num("ENTIGATE_SCHEMA_CACHE_SIZE", &cfg.SchemaCache.Size)

	str("ENTIGATE_LOG_LEVEL", &cfg.Logging.Level)
	str("ENTIGATE_LOG_FORMAT", &cfg.Logging.Format)

	flag("ENTIGATE_METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("ENTIGATE_METRICS_PATH", &cfg.Metrics.Path)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.MaxListLimit == 0 {
		cfg.Server.MaxListLimit = 1000
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == DriverSQLite {
		cfg.Database.DSN = "entigate.db"
	}

	if cfg.Enrichment.Fanout == 0 {
		cfg.Enrichment.Fanout = 50
	}
	if cfg.Enrichment.NodeLimit == 0 {
		cfg.Enrichment.NodeLimit = 500
	}
	if cfg.SchemaCache.Size == 0 {
		cfg.SchemaCache.Size = 256
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{DriverSQLite: true, DriverPostgres: true, DriverMemory: true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, memory, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == DriverPostgres && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is 'postgres'")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Enrichment.Fanout < 0 || cfg.Enrichment.NodeLimit < 0 {
		return fmt.Errorf("enrichment limits must not be negative")
	}
	if cfg.SchemaCache.Size < 0 {
		return fmt.Errorf("schema_cache.size must not be negative")
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", cfg.Metrics.Path)
	}

	return nil
}
