package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName        string `mapstructure:"app_name"`
	Env            string `mapstructure:"app_env"`
	LogLevel       string `mapstructure:"log_level"`
	IngestEnabled  bool   `mapstructure:"ingest_enabled"`
	FeedsFile      string `mapstructure:"feeds_file"`
	PublishersFile string `mapstructure:"publishers_file"`
	UserAgent      string `mapstructure:"user_agent"`

	PollIntervalSeconds     int64         `mapstructure:"poll_interval"`
	StaggerIntervalSeconds  int64         `mapstructure:"stagger_interval"`
	DispatchIntervalSeconds int64         `mapstructure:"dispatch_interval"`
	JobTimeoutSeconds       int64         `mapstructure:"job_timeout"`
	HTTPTimeoutSeconds      int64         `mapstructure:"http_timeout"`
	Workers                 int           `mapstructure:"workers"`
	PollInterval            time.Duration `mapstructure:"-"`
	StaggerInterval         time.Duration `mapstructure:"-"`
	DispatchInterval        time.Duration `mapstructure:"-"`
	JobTimeout              time.Duration `mapstructure:"-"`
	HTTPTimeout             time.Duration `mapstructure:"-"`

	StorageType string `mapstructure:"storage_type"`
	BBoltPath   string `mapstructure:"bbolt_path"`
	SQLiteDSN   string `mapstructure:"sqlite_dsn"`
	JobsPath    string `mapstructure:"jobs_path"`

	CacheType       string        `mapstructure:"cache_type"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	CacheTTLSeconds int64         `mapstructure:"cache_ttl_seconds"`
	CacheTTL        time.Duration `mapstructure:"-"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "samvad-feed-ingester")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("ingest_enabled", true)
	v.SetDefault("feeds_file", "./configs/feeds.yaml")
	v.SetDefault("publishers_file", "")
	v.SetDefault("user_agent", "samvad-feed-ingester/1.0")
	v.SetDefault("poll_interval", 3600) // seconds
	v.SetDefault("stagger_interval", 15)
	v.SetDefault("dispatch_interval", 5)
	v.SetDefault("job_timeout", 120)
	v.SetDefault("http_timeout", 15)
	v.SetDefault("workers", 4)
	v.SetDefault("storage_type", "bbolt")
	v.SetDefault("bbolt_path", "./data/content.db")
	v.SetDefault("sqlite_dsn", "file:./data/content.sqlite?cache=shared&mode=rwc&_txlock=immediate")
	v.SetDefault("jobs_path", "./data/jobs.db")
	v.SetDefault("cache_type", "memory")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("cache_ttl_seconds", int64((6*time.Hour)/time.Second))

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) normalize() error {
	positive := []struct {
		name string
		val  int64
		dst  *time.Duration
	}{
		{name: "poll_interval", val: cfg.PollIntervalSeconds, dst: &cfg.PollInterval},
		{name: "dispatch_interval", val: cfg.DispatchIntervalSeconds, dst: &cfg.DispatchInterval},
		{name: "job_timeout", val: cfg.JobTimeoutSeconds, dst: &cfg.JobTimeout},
		{name: "http_timeout", val: cfg.HTTPTimeoutSeconds, dst: &cfg.HTTPTimeout},
		{name: "cache_ttl_seconds", val: cfg.CacheTTLSeconds, dst: &cfg.CacheTTL},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("invalid %s (must be positive seconds)", p.name)
		}
		*p.dst = time.Duration(p.val) * time.Second
	}

	// zero stagger is allowed: every job of a batch then runs at poll time.
	if cfg.StaggerIntervalSeconds < 0 {
		return fmt.Errorf("invalid stagger_interval (must not be negative)")
	}
	cfg.StaggerInterval = time.Duration(cfg.StaggerIntervalSeconds) * time.Second

	if cfg.Workers <= 0 {
		return fmt.Errorf("invalid workers (must be positive)")
	}

	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))
	cfg.CacheType = strings.ToLower(strings.TrimSpace(cfg.CacheType))
	if strings.TrimSpace(cfg.JobsPath) == "" {
		return fmt.Errorf("jobs_path is required")
	}
	return nil
}
