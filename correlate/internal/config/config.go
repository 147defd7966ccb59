package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the correlate service
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	DLQ         DLQConfig         `mapstructure:"dlq"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	SSLMode        string `mapstructure:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// ConnString builds a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// RedisConfig holds Redis configuration for suppression windows
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// StorageConfig holds OpenSearch configuration
type StorageConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Insecure    bool   `mapstructure:"insecure"`
	IndexPrefix string `mapstructure:"index_prefix"`
}

// NATSConfig holds message bus configuration
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Outbox        bool          `mapstructure:"outbox"`
	Dispatcher    bool          `mapstructure:"dispatcher"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig holds correlation engine settings
type EngineConfig struct {
	CatalogDir    string        `mapstructure:"catalog_dir"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	DedupeSize    int           `mapstructure:"dedupe_size"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
	MaxClockSkew  time.Duration `mapstructure:"max_clock_skew"`
}

// MaintenanceConfig holds the periodic job intervals. Zero disables a job.
type MaintenanceConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
	ReplayBatch    int           `mapstructure:"replay_batch"`
}

// DLQConfig holds dead-letter queue settings
type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AuthConfig holds admin endpoint authentication
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/chainhawk/correlate")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("CORRELATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Engine.CatalogDir == "" {
		return errors.New("engine.catalog_dir is required")
	}
	if c.Engine.DedupeSize < 0 {
		return fmt.Errorf("invalid engine.dedupe_size: %d", c.Engine.DedupeSize)
	}
	if c.Engine.MaxClockSkew < 0 {
		return fmt.Errorf("invalid engine.max_clock_skew: %s", c.Engine.MaxClockSkew)
	}
	if !c.Database.Postgres.Enabled && !c.NATS.Outbox && !c.DLQ.Enabled {
		return errors.New("no incident destination: enable database.postgres, nats.outbox or dlq")
	}
	if c.NATS.Outbox && !c.NATS.Enabled {
		return errors.New("nats.outbox requires nats.enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("database.postgres.enabled", true)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "chainhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "chainhawk_correlate")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.migrations_path", "file://migrations")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.url", "https://localhost:9200")
	v.SetDefault("storage.username", "admin")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.insecure", true)
	v.SetDefault("storage.index_prefix", "chainhawk-incidents")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.outbox", false)
	v.SetDefault("nats.dispatcher", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("engine.catalog_dir", "patterns")
	v.SetDefault("engine.idle_ttl", "24h")
	v.SetDefault("engine.dedupe_size", 100000)
	v.SetDefault("engine.commit_timeout", "5s")
	v.SetDefault("engine.max_clock_skew", "5m")

	v.SetDefault("maintenance.sweep_interval", "5m")
	v.SetDefault("maintenance.reload_interval", "30s")
	v.SetDefault("maintenance.replay_interval", "1m")
	v.SetDefault("maintenance.replay_batch", 100)

	v.SetDefault("dlq.enabled", true)
	v.SetDefault("dlq.path", "/var/lib/chainhawk/dlq")

	v.SetDefault("auth.jwt_secret", "")
}
