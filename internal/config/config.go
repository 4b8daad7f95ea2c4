package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string        `mapstructure:"PORT"`
	Env           string        `mapstructure:"ENV"`
	Profile       string        `mapstructure:"PROFILE"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	InboxDir      string        `mapstructure:"INBOX_DIR"`
	ArchiveDir    string        `mapstructure:"ARCHIVE_DIR"`
	PollInterval  time.Duration `mapstructure:"POLL_INTERVAL"`
	Workers       int           `mapstructure:"WORKERS"`
	QueueCapacity int           `mapstructure:"QUEUE_CAPACITY"`
	RetryMax      int           `mapstructure:"RETRY_MAX"`
	AckEnabled    bool          `mapstructure:"ACK_ENABLED"`
	FetcherName   string        `mapstructure:"FETCHER_NAME"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("PROFILE", "ingestion")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("INBOX_DIR", "inbox")
	v.SetDefault("ARCHIVE_DIR", "archive")
	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("WORKERS", 8)
	v.SetDefault("QUEUE_CAPACITY", 512)
	v.SetDefault("RETRY_MAX", 3)
	v.SetDefault("ACK_ENABLED", false)
	v.SetDefault("FETCHER_NAME", "localfs")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("PROFILE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("INBOX_DIR")
	v.BindEnv("ARCHIVE_DIR")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("WORKERS")
	v.BindEnv("QUEUE_CAPACITY")
	v.BindEnv("RETRY_MAX")
	v.BindEnv("ACK_ENABLED")
	v.BindEnv("FETCHER_NAME")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the pipeline configuration is safe to run. The queue
// and worker sizes are the only in-process shared resources, so they must be
// sane before anything starts.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1, got %d", c.QueueCapacity)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative, got %d", c.RetryMax)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}
	if c.InboxDir == "" {
		return fmt.Errorf("INBOX_DIR is required")
	}
	return nil
}
