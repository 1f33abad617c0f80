package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config описывает параметры relay.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Commands  CommandsConfig  `yaml:"commands"`
	Security  SecurityConfig  `yaml:"security"`
	Web       WebConfig       `yaml:"web"`
	Console   ConsoleConfig   `yaml:"console"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"CMDRELAY_LOG_LEVEL"`
	Format     string `yaml:"format" env:"CMDRELAY_LOG_FORMAT"`
	File       string `yaml:"file" env:"CMDRELAY_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type StorageConfig struct {
	// Driver: sqlite, redis или memory.
	Driver string       `yaml:"driver" env:"CMDRELAY_STORAGE_DRIVER"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
	// RetentionDays задает срок хранения результатов; 0 отключает очистку.
	RetentionDays int `yaml:"retention_days" env:"CMDRELAY_RETENTION_DAYS"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" env:"CMDRELAY_SQLITE_PATH"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"CMDRELAY_REDIS_ADDR"`
	Password string `yaml:"password" env:"CMDRELAY_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"CMDRELAY_REDIS_DB"`
	Prefix   string `yaml:"prefix"`
	AuditCap int64  `yaml:"audit_cap"`
}

type SchedulerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type CommandsConfig struct {
	// TrackRetentionMinutes: сколько минут завершенные команды видны в таблице процесса.
	TrackRetentionMinutes int `yaml:"track_retention_minutes"`
	TimeoutMS             int `yaml:"timeout_ms"`
}

type SecurityConfig struct {
	AuthAllowlist map[string][]string `yaml:"auth_allowlist"`
	RateLimit     int                 `yaml:"rate_limit"`
	RateWindowMS  int                 `yaml:"rate_window_ms"`
}

type WebConfig struct {
	Enabled          bool   `yaml:"enabled" env:"CMDRELAY_WEB_ENABLED"`
	ListenAddr       string `yaml:"listen_addr" env:"CMDRELAY_WEB_LISTEN_ADDR"`
	ReadTimeoutMS    int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS   int    `yaml:"write_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes"`
	Auth             struct {
		AllowLegacySubjectHeader bool         `yaml:"allow_legacy_subject_header"`
		Tokens                   []TokenEntry `yaml:"tokens"`
	} `yaml:"auth"`
}

// TokenEntry описывает bearer-токен web API; хранится только sha256 токена.
type TokenEntry struct {
	ID          string `yaml:"id"`
	TokenSHA256 string `yaml:"token_sha256"`
	Subject     string `yaml:"subject"`
	Enabled     bool   `yaml:"enabled"`
}

type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled" env:"CMDRELAY_CONSOLE_ENABLED"`
	Subject string `yaml:"subject"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 50
	cfg.Log.MaxBackups = 5
	cfg.Log.MaxAgeDays = 30
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLite.Path = "/var/lib/cmdrelay/results.db"
	cfg.Storage.Redis.Addr = "127.0.0.1:6379"
	cfg.Storage.Redis.Prefix = "cmdrelay"
	cfg.Storage.RetentionDays = 30
	cfg.Scheduler.IntervalSeconds = 60
	cfg.Commands.TrackRetentionMinutes = 60
	cfg.Commands.TimeoutMS = 10000
	cfg.Security.RateLimit = 5
	cfg.Security.RateWindowMS = 1000
	cfg.Security.AuthAllowlist = map[string][]string{"web": {}, "console": {}}
	cfg.Web.ListenAddr = "127.0.0.1:8080"
	cfg.Web.ReadTimeoutMS = 2000
	cfg.Web.WriteTimeoutMS = 5000
	cfg.Web.RequestTimeoutMS = 3000
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20
	cfg.Console.Subject = "operator"
	return cfg
}

// Load читает конфиг из файла YAML поверх значений по умолчанию,
// затем применяет переменные окружения CMDRELAY_*.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором.
		if err != nil {
			return cfg, err
		}
		if len(data) == 0 {
			return cfg, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.RetentionDays < 0 {
		return errors.New("storage.retention_days must not be negative")
	}
	return nil
}
