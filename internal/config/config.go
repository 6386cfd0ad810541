package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	SourcesFile    string `mapstructure:"sources_file"`
	PublishersFile string `mapstructure:"publishers_file"`

	StorageDriver string `mapstructure:"storage_driver"`
	StorageDSN    string `mapstructure:"storage_dsn"`
	CursorPath    string `mapstructure:"cursor_path"`

	GlobalMaxInFlight int `mapstructure:"global_max_in_flight"`
	FailureThreshold  int `mapstructure:"failure_threshold"`
	FetchMaxAttempts  int `mapstructure:"fetch_max_attempts"`

	FetchTimeoutSeconds   int64         `mapstructure:"fetch_timeout_seconds"`
	FailedCooldownSeconds int64         `mapstructure:"failed_cooldown_seconds"`
	IdleIntervalSeconds   int64         `mapstructure:"idle_interval_seconds"`
	StatusIntervalSeconds int64         `mapstructure:"status_interval_seconds"`
	FetchTimeout          time.Duration `mapstructure:"-"`
	FailedCooldown        time.Duration `mapstructure:"-"`
	IdleInterval          time.Duration `mapstructure:"-"`
	StatusInterval        time.Duration `mapstructure:"-"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "market-ingest")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("sources_file", "./configs/sources.yaml")
	v.SetDefault("publishers_file", "./configs/publishers.yaml")
	v.SetDefault("storage_driver", "sqlite")
	v.SetDefault("storage_dsn", "./data/ingest.db")
	v.SetDefault("cursor_path", "./data/cursors.db")
	v.SetDefault("global_max_in_flight", 16)
	v.SetDefault("failure_threshold", 5)
	v.SetDefault("fetch_max_attempts", 3)
	v.SetDefault("fetch_timeout_seconds", int64(30))
	v.SetDefault("failed_cooldown_seconds", int64(300))
	v.SetDefault("idle_interval_seconds", int64(5))
	v.SetDefault("status_interval_seconds", int64(60))

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	switch cfg.StorageDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported storage_driver %q (expected postgres or sqlite)", cfg.StorageDriver)
	}

	if cfg.GlobalMaxInFlight <= 0 {
		return nil, fmt.Errorf("invalid global_max_in_flight (must be positive)")
	}
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("invalid failure_threshold (must be positive)")
	}
	if cfg.FetchMaxAttempts <= 0 {
		return nil, fmt.Errorf("invalid fetch_max_attempts (must be positive)")
	}

	for _, d := range []struct {
		name    string
		seconds int64
		out     *time.Duration
	}{
		{"fetch_timeout_seconds", cfg.FetchTimeoutSeconds, &cfg.FetchTimeout},
		{"failed_cooldown_seconds", cfg.FailedCooldownSeconds, &cfg.FailedCooldown},
		{"idle_interval_seconds", cfg.IdleIntervalSeconds, &cfg.IdleInterval},
		{"status_interval_seconds", cfg.StatusIntervalSeconds, &cfg.StatusInterval},
	} {
		if d.seconds <= 0 {
			return nil, fmt.Errorf("invalid %s (must be positive seconds)", d.name)
		}
		*d.out = time.Duration(d.seconds) * time.Second
	}

	return &cfg, nil
}
