// Package config provides configuration management for Fleethub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Fleethub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Session  SessionConfig  `mapstructure:"session"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// The sqlite driver uses Path; the postgres driver uses the host/port fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// FleetConfig holds agent fleet scheduling configuration.
type FleetConfig struct {
	MaxConcurrent      int `mapstructure:"maxConcurrent"`
	SingleWaitTimeout  int `mapstructure:"singleWaitTimeout"`  // in seconds
	MultiWaitTimeout   int `mapstructure:"multiWaitTimeout"`   // in seconds
	DefaultAgentsMulti int `mapstructure:"defaultAgentsMulti"` // fallback agent count when auto mode upgrades to multi and the plan recommends none
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	CleanupAfterHours int `mapstructure:"cleanupAfterHours"`
}

// SessionConfig holds session persistence configuration.
type SessionConfig struct {
	Root string `mapstructure:"root"` // base directory for per-workspace session files
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SingleWaitDuration returns the single-agent wait timeout as a time.Duration.
func (f *FleetConfig) SingleWaitDuration() time.Duration {
	return time.Duration(f.SingleWaitTimeout) * time.Second
}

// MultiWaitDuration returns the multi-agent wait timeout as a time.Duration.
func (f *FleetConfig) MultiWaitDuration() time.Duration {
	return time.Duration(f.MultiWaitTimeout) * time.Second
}

// CleanupAfter returns the worktree cleanup age as a time.Duration.
func (w *WorktreeConfig) CleanupAfter() time.Duration {
	return time.Duration(w.CleanupAfterHours) * time.Hour
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLEETHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleethub"
	}
	return filepath.Join(home, ".fleethub")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(defaultDataDir(), "fleethub.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fleethub")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "fleethub")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "fleethub-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Fleet defaults
	v.SetDefault("fleet.maxConcurrent", 10)
	v.SetDefault("fleet.singleWaitTimeout", 300)
	v.SetDefault("fleet.multiWaitTimeout", 600)
	v.SetDefault("fleet.defaultAgentsMulti", 2)

	// Worktree defaults
	v.SetDefault("worktree.cleanupAfterHours", 24)

	// Session defaults
	v.SetDefault("session.root", filepath.Join(defaultDataDir(), "sessions"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLEETHUB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/fleethub/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEETHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("logging.level", "FLEETHUB_LOG_LEVEL")
	_ = v.BindEnv("database.path", "FLEETHUB_DB_PATH")
	_ = v.BindEnv("fleet.maxConcurrent", "FLEETHUB_FLEET_MAX_CONCURRENT")
	_ = v.BindEnv("session.root", "FLEETHUB_SESSION_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleethub/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite driver")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Fleet.MaxConcurrent <= 0 {
		errs = append(errs, "fleet.maxConcurrent must be positive")
	}
	if cfg.Fleet.SingleWaitTimeout <= 0 {
		errs = append(errs, "fleet.singleWaitTimeout must be positive")
	}
	if cfg.Fleet.MultiWaitTimeout <= 0 {
		errs = append(errs, "fleet.multiWaitTimeout must be positive")
	}

	if cfg.Worktree.CleanupAfterHours <= 0 {
		errs = append(errs, "worktree.cleanupAfterHours must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
