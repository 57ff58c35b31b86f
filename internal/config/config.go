// Package config loads the ProSBC integration core's configuration via
// viper: environment variables, an optional YAML file, and struct defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the core and its thin cmd/ binaries.
type Config struct {
	Appliance ApplianceDefaults  `mapstructure:"appliance"`
	Storage   StorageConfig      `mapstructure:"storage"`
	Database  DatabaseConfig     `mapstructure:"database"`
	Redis     RedisConfig        `mapstructure:"redis"`
	Session   SessionConfig      `mapstructure:"session"`
	Selector  ConfigSelectorConfig `mapstructure:"selector"`
	Fanout    FanoutConfig       `mapstructure:"fanout"`
	Log       LogConfig          `mapstructure:"log"`
	Metrics   MetricsConfig      `mapstructure:"metrics"`
	Server    ServerConfig       `mapstructure:"server"`
}

// ServerConfig holds the listen address for the thin cmd/server demo
// binary. The binary itself is illustrative (a handful of routes, no
// auth/audit layer); this config only needs a port to bind.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ApplianceDefaults mirror the environment-derived defaults applied when a
// caller does not explicitly select an appliance/configuration.
type ApplianceDefaults struct {
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ConfigID string `mapstructure:"config_id"`
}

// StorageBackend selects which persistence adapter backs the Credential
// Registry and the number-inventory entities.
type StorageBackend string

const (
	StorageBackendPostgres StorageBackend = "postgres"
	StorageBackendSQLite   StorageBackend = "sqlite"
)

// StorageConfig holds storage backend selection.
type StorageConfig struct {
	Backend      StorageBackend `mapstructure:"backend"`
	SQLitePath   string         `mapstructure:"sqlite_path"`
	MigrationsDir string        `mapstructure:"migrations_dir"`
}

// DatabaseConfig holds Postgres connection settings for the standard
// storage backend.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig backs the L2 tier of the two-tier cache used for credentials
// and file listings.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// SessionConfig controls the Session Pool.
type SessionConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	LoginTimeout      time.Duration `mapstructure:"login_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// ConfigSelectorConfig controls the Config Selector.
type ConfigSelectorConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	DBIDProbeMax int           `mapstructure:"dbid_probe_max"`
}

// FanoutConfig controls the bounded concurrency of file operations and fan-out.
type FanoutConfig struct {
	PerApplianceConcurrency int           `mapstructure:"per_appliance_concurrency"`
	GlobalConcurrency       int           `mapstructure:"global_concurrency"`
	OperationDeadline       time.Duration `mapstructure:"operation_deadline"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// Load reads configuration from an optional YAML file plus environment
// variables, applying defaults first.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PROSBC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Appliance defaults: PROSBC_BASE_URL, PROSBC_USERNAME,
	// PROSBC_PASSWORD, PROSBC_CONFIG_ID.
	_ = viper.BindEnv("appliance.base_url", "PROSBC_BASE_URL")
	_ = viper.BindEnv("appliance.username", "PROSBC_USERNAME")
	_ = viper.BindEnv("appliance.password", "PROSBC_PASSWORD")
	_ = viper.BindEnv("appliance.config_id", "PROSBC_CONFIG_ID")
	viper.SetDefault("appliance.config_id", "3")

	viper.SetDefault("storage.backend", "postgres")
	viper.SetDefault("storage.sqlite_path", "./data/prosbc-core.db")
	viper.SetDefault("storage.migrations_dir", "migrations")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "prosbc_core")
	viper.SetDefault("database.username", "prosbc")
	viper.SetDefault("database.password", "prosbc")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 2)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)

	// Session Pool defaults: 20 minute TTL, 5 minute probe window.
	viper.SetDefault("session.ttl", "20m")
	viper.SetDefault("session.probe_interval", "5m")
	viper.SetDefault("session.login_timeout", "30s")
	viper.SetDefault("session.user_agent", "prosbc-core/1.0")

	// Config Selector defaults: 10 minute cache, probe dbId 1..10.
	viper.SetDefault("selector.cache_ttl", "10m")
	viper.SetDefault("selector.dbid_probe_max", 10)

	// Fan-out defaults: soft cap 8/appliance, hard cap 64 global,
	// 30s per-operation deadline.
	viper.SetDefault("fanout.per_appliance_concurrency", 8)
	viper.SetDefault("fanout.global_concurrency", 64)
	viper.SetDefault("fanout.operation_deadline", "30s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("server.addr", ":8080")
}

// Validate checks invariants on the loaded configuration.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendPostgres, StorageBackendSQLite:
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Storage.Backend == StorageBackendPostgres {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty for postgres backend")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name cannot be empty for postgres backend")
		}
	}

	if c.Storage.Backend == StorageBackendSQLite && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path cannot be empty for sqlite backend")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}

	if c.Selector.DBIDProbeMax <= 0 {
		return fmt.Errorf("selector.dbid_probe_max must be positive")
	}

	if c.Fanout.PerApplianceConcurrency <= 0 || c.Fanout.GlobalConcurrency <= 0 {
		return fmt.Errorf("fanout concurrency caps must be positive")
	}

	return nil
}

// DSN renders the Postgres connection string for the configured database.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
