// Package config loads crossroads configuration from a YAML file and
// CROSSROADS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendDir      = "dir"
	BackendFluid    = "fluid"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration for the crossroads server.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	API     APIConfig     `mapstructure:"api"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     LogConfig     `mapstructure:"log"`
}

// GatewayConfig holds the proxy listener configuration.
type GatewayConfig struct {
	Port            int           `mapstructure:"port"`
	DefaultUpstream string        `mapstructure:"default_upstream"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
}

// APIConfig holds the administrative listener configuration.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// RuntimeConfig holds sandbox limits.
type RuntimeConfig struct {
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"` // 64 KiB pages; 0 keeps the wazero default
}

// StoreConfig selects and configures the extension store.
type StoreConfig struct {
	Backend   string         `mapstructure:"backend"` // "dir", "fluid", "postgres" or "redis"
	Path      string         `mapstructure:"path"`
	MountPath string         `mapstructure:"mount_path"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	Redis     RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.default_upstream", "")
	v.SetDefault("gateway.max_body_bytes", 10<<20)
	v.SetDefault("gateway.upstream_timeout", 30*time.Second)

	v.SetDefault("api.port", 8081)

	v.SetDefault("runtime.memory_limit_pages", 0)

	v.SetDefault("store.backend", BackendDir)
	v.SetDefault("store.path", "./extensions")
	v.SetDefault("store.mount_path", "/mnt/fluid/extensions")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crossroads")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crossroads")
	}

	// Read environment variables
	v.SetEnvPrefix("CROSSROADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// an explicit path must exist; the search path is optional
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	var errs []error
	if err := validatePort("gateway.port", c.Gateway.Port); err != nil {
		errs = append(errs, err)
	}
	if err := validatePort("api.port", c.API.Port); err != nil {
		errs = append(errs, err)
	}
	if c.Gateway.Port == c.API.Port {
		errs = append(errs, fmt.Errorf("gateway.port and api.port must differ (both %d)", c.API.Port))
	}
	if c.Gateway.DefaultUpstream != "" {
		if _, err := c.Gateway.Upstream(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_body_bytes must be positive"))
	}

	switch c.Store.Backend {
	case BackendDir:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the dir backend"))
		}
	case BackendFluid:
		if c.Store.MountPath == "" {
			errs = append(errs, errors.New("store.mount_path is required for the fluid backend"))
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}

// Upstream parses DefaultUpstream. It returns nil when none is configured.
func (g GatewayConfig) Upstream() (*url.URL, error) {
	if g.DefaultUpstream == "" {
		return nil, nil
	}
	u, err := url.Parse(g.DefaultUpstream)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway.default_upstream: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway.default_upstream %q: need http(s)://host", g.DefaultUpstream)
	}
	return u, nil
}

// validatePort allows the well-known HTTP ports and unprivileged ones.
func validatePort(key string, port int) error {
	if port == 80 || port == 443 || (port > 1023 && port <= 65535) {
		return nil
	}
	return fmt.Errorf("%s %d must be 80, 443 or between 1024 and 65535", key, port)
}
