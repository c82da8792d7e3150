package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Digest   DigestConfig   `json:"digest"`
	Logging  LoggingConfig  `json:"logging"`
	Catalog  CatalogConfig  `json:"catalog"`
	Storage  StorageConfig  `json:"storage"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// AllowedOrigins limits websocket upgrades; empty allows any origin
	AllowedOrigins []string `json:"allowed_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// RedisConfig enables the cross-process event bridge
type RedisConfig struct {
	Enabled       bool     `json:"enabled"`
	Addrs         []string `json:"addrs"`
	Password      string   `json:"password"`
	DB            int      `json:"db"`
	ChannelPrefix string   `json:"channel_prefix"`
}

// DigestConfig sets the scheduler tick and the wall-clock digest times
type DigestConfig struct {
	Tick           string `json:"tick"`
	Timezone       string `json:"timezone"`
	BeginningOfDay string `json:"beginning_of_day"`
	EndOfDay       string `json:"end_of_day"`
	WeeklyAt       string `json:"weekly_at"`
	// RunScheduler is false on API replicas when a separate digest worker
	// flushes the shared postgres buckets
	RunScheduler bool `json:"run_scheduler"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// CatalogConfig points at a catalog file replacing the embedded one
type CatalogConfig struct {
	Path string `json:"path"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "notification_settings",
			SSLMode:        "disable",
			MaxConnections: 20,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
		},
		Redis: RedisConfig{
			Addrs:         []string{"localhost:6379"},
			ChannelPrefix: "notifications",
		},
		Digest: DigestConfig{
			Tick:           "@every 1m",
			Timezone:       "UTC",
			BeginningOfDay: "08:00",
			EndOfDay:       "18:00",
			WeeklyAt:       "08:00",
			RunScheduler:   true,
		},
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{Driver: StorageMemory},
	}
}

// LoadConfig loads .env files, then the JSON config file, then environment
// overrides, in increasing precedence.
func LoadConfig(configPath string) (*Config, error) {
	if err := loadEnvFiles(".env", ".env.dev"); err != nil {
		return nil, err
	}

	config := Default()

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadEnvFiles reads the files that exist; variables already set in the
// process environment win.
func loadEnvFiles(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func overrideWithEnv(config *Config) error {
	config.Server.Host = getEnv("SERVER_HOST", config.Server.Host)
	config.Server.Port = getEnvInt("SERVER_PORT", config.Server.Port)
	config.Server.AllowedOrigins = getEnvList("SERVER_ALLOWED_ORIGINS", config.Server.AllowedOrigins)
	shutdown, err := getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", config.Server.ShutdownTimeout)
	if err != nil {
		return err
	}
	config.Server.ShutdownTimeout = shutdown

	config.Database.Host = getEnv("DATABASE_HOST", config.Database.Host)
	config.Database.Port = getEnvInt("DATABASE_PORT", config.Database.Port)
	config.Database.User = getEnv("DATABASE_USER", config.Database.User)
	config.Database.Password = getEnv("DATABASE_PASSWORD", config.Database.Password)
	config.Database.DBName = getEnv("DATABASE_DBNAME", config.Database.DBName)
	config.Database.SSLMode = getEnv("DATABASE_SSLMODE", config.Database.SSLMode)

	config.Redis.Enabled = getEnvBool("REDIS_ENABLED", config.Redis.Enabled)
	config.Redis.Addrs = getEnvList("REDIS_ADDRS", config.Redis.Addrs)
	config.Redis.Password = getEnv("REDIS_PASSWORD", config.Redis.Password)
	config.Redis.DB = getEnvInt("REDIS_DB", config.Redis.DB)
	config.Redis.ChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", config.Redis.ChannelPrefix)

	config.Digest.Tick = getEnv("DIGEST_TICK", config.Digest.Tick)
	config.Digest.Timezone = getEnv("DIGEST_TIMEZONE", config.Digest.Timezone)
	config.Digest.BeginningOfDay = getEnv("DIGEST_BEGINNING_OF_DAY", config.Digest.BeginningOfDay)
	config.Digest.EndOfDay = getEnv("DIGEST_END_OF_DAY", config.Digest.EndOfDay)
	config.Digest.WeeklyAt = getEnv("DIGEST_WEEKLY_AT", config.Digest.WeeklyAt)
	config.Digest.RunScheduler = getEnvBool("DIGEST_RUN_SCHEDULER", config.Digest.RunScheduler)

	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.Development = getEnvBool("LOG_DEVELOPMENT", config.Logging.Development)

	config.Catalog.Path = getEnv("CATALOG_PATH", config.Catalog.Path)
	config.Storage.Driver = getEnv("STORAGE_DRIVER", config.Storage.Driver)
	return nil
}

// Validate checks the values the service cannot start without
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis is enabled but no address is configured")
	}
	if _, err := time.LoadLocation(c.Digest.Timezone); err != nil {
		return fmt.Errorf("invalid digest timezone: %w", err)
	}
	return nil
}

// Location returns the digest time zone
func (c *DigestConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Channel returns the redis channel name for a bus topic
func (c *RedisConfig) Channel(topic string) string {
	if c.ChannelPrefix == "" {
		return topic
	}
	return c.ChannelPrefix + ":" + topic
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getEnvList splits a comma separated value
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
