package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the SplitShelf application.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Catalog    CatalogConfig
	Scheduler  SchedulerConfig
	Geo        GeoConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// ClickHouseConfig configures the optional event archive sink.
type ClickHouseConfig struct {
	Enabled       bool
	Addr          []string
	Database      string
	Username      string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
}

// CatalogConfig points at the storefront catalog API.
type CatalogConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// SchedulerConfig controls the rotation tick.
type SchedulerConfig struct {
	Enabled      bool
	TickInterval time.Duration
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures GeoIP country enrichment of events.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("SPLITSHELF_HTTP_ADDR", ":8080"),
			Env:             getEnv("SPLITSHELF_ENV", "development"),
			ShutdownTimeout: getDurationEnv("SPLITSHELF_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("SPLITSHELF_DB_HOST", "localhost"),
			Port:     getIntEnv("SPLITSHELF_DB_PORT", 5432),
			User:     getEnv("SPLITSHELF_DB_USER", "splitshelf"),
			Password: getEnv("SPLITSHELF_DB_PASSWORD", "splitshelf_secret"),
			DBName:   getEnv("SPLITSHELF_DB_NAME", "splitshelf"),
			SSLMode:  getEnv("SPLITSHELF_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("SPLITSHELF_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("SPLITSHELF_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("SPLITSHELF_REDIS_ENABLED", true),
			Addr:     getEnv("SPLITSHELF_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("SPLITSHELF_REDIS_PASSWORD", ""),
			DB:       getIntEnv("SPLITSHELF_REDIS_DB", 0),
			CacheTTL: getDurationEnv("SPLITSHELF_REDIS_CACHE_TTL", 5*time.Minute),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       getBoolEnv("SPLITSHELF_CLICKHOUSE_ENABLED", false),
			Addr:          getSliceEnv("SPLITSHELF_CLICKHOUSE_ADDR", []string{"localhost:9000"}),
			Database:      getEnv("SPLITSHELF_CLICKHOUSE_DB", "splitshelf"),
			Username:      getEnv("SPLITSHELF_CLICKHOUSE_USER", "default"),
			Password:      getEnv("SPLITSHELF_CLICKHOUSE_PASSWORD", ""),
			BatchSize:     getIntEnv("SPLITSHELF_CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getDurationEnv("SPLITSHELF_CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		Catalog: CatalogConfig{
			BaseURL: getEnv("SPLITSHELF_CATALOG_URL", "http://localhost:9200"),
			Token:   getEnv("SPLITSHELF_CATALOG_TOKEN", ""),
			Timeout: getDurationEnv("SPLITSHELF_CATALOG_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getBoolEnv("SPLITSHELF_SCHEDULER_ENABLED", true),
			TickInterval: getDurationEnv("SPLITSHELF_SCHEDULER_TICK", 1*time.Minute),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("SPLITSHELF_GEO_ENABLED", false),
			DatabasePath: getEnv("SPLITSHELF_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("SPLITSHELF_AUTH_ENABLED", true),
			MasterKey: getEnv("SPLITSHELF_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("SPLITSHELF_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/events", "/webhooks/orders"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("SPLITSHELF_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("SPLITSHELF_RATE_LIMIT_RPS", 200),
			Burst:   getIntEnv("SPLITSHELF_RATE_LIMIT_BURST", 50),
		},
		Log: LogConfig{
			Level:  getEnv("SPLITSHELF_LOG_LEVEL", "info"),
			Format: getEnv("SPLITSHELF_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("SPLITSHELF_METRICS_ENABLED", true),
			Path:    getEnv("SPLITSHELF_METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("SPLITSHELF_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("SPLITSHELF_SCHEDULER_TICK must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
