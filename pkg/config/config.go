// Package config loads application configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caregrid/caregrid/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Janitor  JanitorConfig

	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// Audit trail; disabled writes events nowhere
	AuditEnabled bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// CacheConfig holds snapshot cache configuration. An empty RedisAddr
// selects the in-process cache.
type CacheConfig struct {
	Size          int
	TTL           time.Duration // 0 = no expiry, explicit invalidation only
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// JanitorConfig holds the expired-override prune job configuration
type JanitorConfig struct {
	Enabled   bool
	Schedule  string
	Retention time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("CAREGRID_HOST", "0.0.0.0"),
			Port:            getEnv("CAREGRID_PORT", "8080"),
			ReadTimeout:     getEnvDuration("CAREGRID_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("CAREGRID_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("CAREGRID_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("CAREGRID_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("CAREGRID_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("CAREGRID_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("CAREGRID_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("CAREGRID_POSTGRES_IDLE_CONNS", 5),
			ConnLifetime: getEnvDuration("CAREGRID_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Cache: CacheConfig{
			Size:          getEnvInt("CAREGRID_CACHE_SIZE", 4096),
			TTL:           getEnvDuration("CAREGRID_CACHE_TTL", 0),
			RedisAddr:     getEnv("CAREGRID_REDIS_ADDR", ""),
			RedisPassword: getEnv("CAREGRID_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("CAREGRID_REDIS_DB", 0),
		},
		Janitor: JanitorConfig{
			Enabled:   getEnvBool("CAREGRID_JANITOR_ENABLED", true),
			Schedule:  getEnv("CAREGRID_JANITOR_SCHEDULE", "0 3 * * *"),
			Retention: getEnvDuration("CAREGRID_JANITOR_RETENTION", 90*24*time.Hour),
		},
		LogLevel:       parseLogLevel(getEnv("CAREGRID_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("CAREGRID_METRICS_ENABLED", true),
		AuditEnabled:   getEnvBool("CAREGRID_AUDIT_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required (CAREGRID_POSTGRES_URL)")
	}

	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL cannot be negative")
	}

	if c.Janitor.Enabled {
		if c.Janitor.Schedule == "" {
			return fmt.Errorf("janitor schedule is required when the janitor is enabled")
		}
		if c.Janitor.Retention <= 0 {
			return fmt.Errorf("janitor retention must be positive")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
