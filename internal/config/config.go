// Package config loads the application configuration from YAML and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medkraiem/veille/internal/storage/sqlite"
)

// Config represents the root configuration structure
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds connection parameters for the billing database.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"sslmode"`
	PoolMaxConns int    `mapstructure:"pool_max_conns"`
	PoolMinConns int    `mapstructure:"pool_min_conns"`
}

// StorageConfig holds the local alert store location.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig holds the job cadences.
type SchedulerConfig struct {
	AnalysisInterval    time.Duration `mapstructure:"analysis_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	AnalysisTimeout     time.Duration `mapstructure:"analysis_timeout"`
	ResolvedRetention   time.Duration `mapstructure:"resolved_retention"`
}

// NotifyConfig holds notification routing.
type NotifyConfig struct {
	// Escalation maps a severity (LOW, MEDIUM, HIGH) to the roles that
	// must be notified. Empty falls back to the built-in routing.
	Escalation map[string][]string `mapstructure:"escalation"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// LoadConfig loads configuration from YAML file and environment variables
func LoadConfig() (*Config, error) {
	// Set config file details
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.config/veille")
	viper.AddConfigPath(".")

	// Environment variable support
	viper.AutomaticEnv()
	viper.SetEnvPrefix("VEILLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Apply defaults
	applyDefaults()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; defaults and environment carry on.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateConfig validates the configuration values
func ValidateConfig(cfg *Config) error {
	// Validate database config
	if cfg.Database.Host == "" {
		return fmt.Errorf("database.host cannot be empty")
	}
	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", cfg.Database.Port)
	}
	if cfg.Database.Database == "" {
		return fmt.Errorf("database.database cannot be empty")
	}

	// Validate SSL mode
	validSSLModes := []string{"disable", "prefer", "require"}
	validMode := false
	for _, mode := range validSSLModes {
		if cfg.Database.SSLMode == mode {
			validMode = true
			break
		}
	}
	if !validMode {
		return fmt.Errorf("database.sslmode must be one of: %v, got %s", validSSLModes, cfg.Database.SSLMode)
	}

	// Validate pool settings
	if cfg.Database.PoolMaxConns < 1 {
		return fmt.Errorf("database.pool_max_conns must be >= 1, got %d", cfg.Database.PoolMaxConns)
	}
	if cfg.Database.PoolMinConns < 0 {
		return fmt.Errorf("database.pool_min_conns must be >= 0, got %d", cfg.Database.PoolMinConns)
	}
	if cfg.Database.PoolMaxConns < cfg.Database.PoolMinConns {
		return fmt.Errorf("database.pool_max_conns (%d) must be >= pool_min_conns (%d)",
			cfg.Database.PoolMaxConns, cfg.Database.PoolMinConns)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}

	// Validate scheduler cadences
	if cfg.Scheduler.AnalysisInterval < time.Minute {
		return fmt.Errorf("scheduler.analysis_interval must be >= 1m, got %v", cfg.Scheduler.AnalysisInterval)
	}
	if cfg.Scheduler.MaintenanceInterval < time.Minute {
		return fmt.Errorf("scheduler.maintenance_interval must be >= 1m, got %v", cfg.Scheduler.MaintenanceInterval)
	}
	if cfg.Scheduler.AnalysisTimeout < time.Second {
		return fmt.Errorf("scheduler.analysis_timeout must be >= 1s, got %v", cfg.Scheduler.AnalysisTimeout)
	}
	if cfg.Scheduler.ResolvedRetention < 24*time.Hour {
		return fmt.Errorf("scheduler.resolved_retention must be >= 24h, got %v", cfg.Scheduler.ResolvedRetention)
	}

	// Validate escalation routing
	for severity := range cfg.Notify.Escalation {
		switch strings.ToUpper(severity) {
		case "LOW", "MEDIUM", "HIGH":
		default:
			return fmt.Errorf("notify.escalation key must be LOW, MEDIUM, or HIGH, got %s", severity)
		}
	}

	return nil
}

// applyDefaults sets default configuration values
func applyDefaults() {
	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "billing")

	// Get current user for default username
	if user := os.Getenv("USER"); user != "" {
		viper.SetDefault("database.user", user)
	} else {
		viper.SetDefault("database.user", "postgres")
	}

	viper.SetDefault("database.sslmode", "prefer")
	viper.SetDefault("database.pool_max_conns", 10)
	viper.SetDefault("database.pool_min_conns", 2)

	// Storage defaults
	viper.SetDefault("storage.path", sqlite.DefaultPath())

	// Scheduler defaults
	viper.SetDefault("scheduler.analysis_interval", "1h")
	viper.SetDefault("scheduler.maintenance_interval", "24h")
	viper.SetDefault("scheduler.analysis_timeout", "2m")
	viper.SetDefault("scheduler.resolved_retention", "720h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "")
}
