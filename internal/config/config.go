package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Cron     CronConfig     `mapstructure:"cron"`
	Intercom IntercomConfig `mapstructure:"intercom"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Health   HealthConfig   `mapstructure:"health"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// AuthToken is the static bearer credential required on /api/*. Empty disables the check.
	AuthToken string `mapstructure:"auth_token"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	File              string `mapstructure:"file"`
	MaxSizeMB         int    `mapstructure:"max_size_mb"`
	MaxBackups        int    `mapstructure:"max_backups"`
	MaxAgeDays        int    `mapstructure:"max_age_days"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

type CronConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BackgroundSync string `mapstructure:"background_sync"`
}

type IntercomConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Token               string        `mapstructure:"token"`
	// AppID is the workspace id code used in inbox links; init fills it from /me.
	AppID               string        `mapstructure:"app_id"`
	APIVersion          string        `mapstructure:"api_version"`
	Timeout             time.Duration `mapstructure:"timeout"`
	PageSize            int           `mapstructure:"page_size"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	Burst               int           `mapstructure:"burst"`
	MaxRetries          int           `mapstructure:"max_retries"`
	MaxRateLimitRetries int           `mapstructure:"max_rate_limit_retries"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
}

type SyncConfig struct {
	InitialSyncDays int           `mapstructure:"initial_sync_days"`
	Overlap         time.Duration `mapstructure:"overlap"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	MaxRecords      int           `mapstructure:"max_records"`
	CheckpointTTL   time.Duration `mapstructure:"checkpoint_ttl"`
	HydrateParts    bool          `mapstructure:"hydrate_parts"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
}

type HealthConfig struct {
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
}

// DefaultDir is where init writes its config and where the default SQLite file lives.
func DefaultDir() string {
	if dir := strings.TrimSpace(os.Getenv("FI_HOME")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fastintercom"
	}
	return filepath.Join(home, ".fastintercom")
}

func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func Load(path string, envOnly bool) (Config, error) {
	v, err := newViper(path, envOnly)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch reloads the config file on change and hands the new value to fn.
// It is a no-op in env-only mode.
func Watch(path string, envOnly bool, fn func(Config)) error {
	if envOnly || fn == nil {
		return nil
	}
	v, err := newViper(path, envOnly)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// Save writes the settings captured by init so later commands can load them.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.Set("intercom.token", cfg.Intercom.Token)
	v.Set("intercom.base_url", cfg.Intercom.BaseURL)
	v.Set("intercom.app_id", cfg.Intercom.AppID)
	v.Set("sync.initial_sync_days", cfg.Sync.InitialSyncDays)
	v.Set("db.driver", cfg.DB.Driver)
	v.Set("db.dsn", cfg.DB.DSN)
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func newViper(path string, envOnly bool) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("FI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", filepath.Join(DefaultDir(), "data.db"))
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("db.max_idle_conns", 4)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.busy_timeout", "5s")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.background_sync", "@every 5m")
	v.SetDefault("intercom.base_url", "https://api.intercom.io")
	v.SetDefault("intercom.app_id", "")
	v.SetDefault("intercom.api_version", "2.11")
	v.SetDefault("intercom.timeout", "30s")
	v.SetDefault("intercom.page_size", 50)
	v.SetDefault("intercom.requests_per_second", 5.0)
	v.SetDefault("intercom.burst", 10)
	v.SetDefault("intercom.max_retries", 3)
	v.SetDefault("intercom.max_rate_limit_retries", 5)
	v.SetDefault("intercom.base_delay", "500ms")
	v.SetDefault("intercom.max_delay", "30s")
	v.SetDefault("sync.initial_sync_days", 7)
	v.SetDefault("sync.overlap", "5m")
	v.SetDefault("sync.run_timeout", "10m")
	v.SetDefault("sync.max_records", 0)
	v.SetDefault("sync.checkpoint_ttl", "1h")
	v.SetDefault("sync.hydrate_parts", true)
	v.SetDefault("sync.lease_ttl", "10m")
	v.SetDefault("health.max_staleness", "30m")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}
