package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"device-sync-backend/internal/logger"
)

// Config represents the overall application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     logger.Config     `yaml:"logging"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Sync        SyncConfig        `yaml:"sync"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port               int     `yaml:"port"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds    int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// SchedulerConfig controls the auto-sync tick loop.
type SchedulerConfig struct {
	Enabled             *bool         `yaml:"enabled"`
	TickIntervalSeconds int           `yaml:"tick_interval_seconds"`
	TickInterval        time.Duration `yaml:"-"`
	Concurrency         int           `yaml:"concurrency"`
	Timezone            string        `yaml:"timezone"`
	LeaseMinutes        int           `yaml:"lease_minutes"`
	Lease               time.Duration `yaml:"-"`
}

// IsEnabled defaults to true when the key is omitted.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SyncConfig bounds a single sync run.
type SyncConfig struct {
	DeviceTimeoutSeconds int           `yaml:"device_timeout_seconds"`
	DeviceTimeout        time.Duration `yaml:"-"`
	ListTimeoutSeconds   int           `yaml:"list_timeout_seconds"`
	ListTimeout          time.Duration `yaml:"-"`
	StalenessMinutes     int           `yaml:"staleness_minutes"`
	Staleness            time.Duration `yaml:"-"`
	MaxErrorDetails      int           `yaml:"max_error_details"`
}

// ProvidersConfig holds settings shared by every provider adapter.
type ProvidersConfig struct {
	HTTPTimeoutSeconds int           `yaml:"http_timeout_seconds"`
	HTTPTimeout        time.Duration `yaml:"-"`
	MaxRetries         int           `yaml:"max_retries"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	Burst              int           `yaml:"burst"`
	MQTTCollectSeconds int           `yaml:"mqtt_collect_seconds"`
	MQTTCollect        time.Duration `yaml:"-"`
}

// CredentialsConfig holds the key used to open integration credentials.
type CredentialsConfig struct {
	Key string `yaml:"key"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSecond <= 0 {
		cfg.Server.RateLimitPerSecond = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 10
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes <= 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}

	if cfg.Scheduler.TickIntervalSeconds <= 0 {
		cfg.Scheduler.TickIntervalSeconds = 60
	}
	cfg.Scheduler.TickInterval = time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second
	if cfg.Scheduler.Concurrency <= 0 {
		cfg.Scheduler.Concurrency = 4
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Scheduler.LeaseMinutes <= 0 {
		cfg.Scheduler.LeaseMinutes = 30
	}
	cfg.Scheduler.Lease = time.Duration(cfg.Scheduler.LeaseMinutes) * time.Minute

	if cfg.Sync.DeviceTimeoutSeconds <= 0 {
		cfg.Sync.DeviceTimeoutSeconds = 30
	}
	cfg.Sync.DeviceTimeout = time.Duration(cfg.Sync.DeviceTimeoutSeconds) * time.Second
	if cfg.Sync.ListTimeoutSeconds <= 0 {
		cfg.Sync.ListTimeoutSeconds = 120
	}
	cfg.Sync.ListTimeout = time.Duration(cfg.Sync.ListTimeoutSeconds) * time.Second
	if cfg.Sync.StalenessMinutes <= 0 {
		cfg.Sync.StalenessMinutes = 5
	}
	cfg.Sync.Staleness = time.Duration(cfg.Sync.StalenessMinutes) * time.Minute
	if cfg.Sync.MaxErrorDetails <= 0 {
		cfg.Sync.MaxErrorDetails = 50
	}

	if cfg.Providers.HTTPTimeoutSeconds <= 0 {
		cfg.Providers.HTTPTimeoutSeconds = 30
	}
	cfg.Providers.HTTPTimeout = time.Duration(cfg.Providers.HTTPTimeoutSeconds) * time.Second
	if cfg.Providers.MaxRetries < 0 {
		cfg.Providers.MaxRetries = 0
	} else if cfg.Providers.MaxRetries == 0 {
		cfg.Providers.MaxRetries = 3
	}
	if cfg.Providers.RequestsPerSecond <= 0 {
		cfg.Providers.RequestsPerSecond = 5
	}
	if cfg.Providers.Burst <= 0 {
		cfg.Providers.Burst = 10
	}
	if cfg.Providers.MQTTCollectSeconds <= 0 {
		cfg.Providers.MQTTCollectSeconds = 2
	}
	cfg.Providers.MQTTCollect = time.Duration(cfg.Providers.MQTTCollectSeconds) * time.Second

	if key := os.Getenv("CREDENTIALS_KEY"); key != "" {
		cfg.Credentials.Key = key
	}
}
