package config

import (
	"bufio"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	StrategyQueued = "queued"
	StrategyDirect = "direct"

	QueueSimple   = "simple"
	QueueReliable = "reliable"

	BackendFile     = "file"
	BackendSheets   = "sheets"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	HTTPAddr string `yaml:"http_addr"`

	StorageBackend    string `yaml:"storage_backend"`
	DataFile          string `yaml:"data_file"`
	SQLitePath        string `yaml:"sqlite_path"`
	PostgresDSN       string `yaml:"postgres_dsn"`
	SpreadsheetID     string `yaml:"spreadsheet_id"`
	GoogleClientEmail string `yaml:"google_client_email"`
	GooglePrivateKey  string `yaml:"-"`

	RedisURL       string `yaml:"redis_url"`
	CacheKeyPrefix string `yaml:"cache_key_prefix"`
	WriteStrategy  string `yaml:"write_strategy"`
	QueueMode      string `yaml:"queue_mode"`
	CronSecret     string `yaml:"-"`

	Timezone         string        `yaml:"timezone"`
	ReadCacheTTL     time.Duration `yaml:"read_cache_ttl"`
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl"`
	ReplayBatchSize  int           `yaml:"replay_batch_size"`
	ReplayInterval   time.Duration `yaml:"replay_interval"`
}

var (
	cfg    *Config
	cfgErr error
	once   sync.Once
)

// Load reads the process configuration once. Later calls return the same
// result.
func Load() (*Config, error) {
	once.Do(func() {
		_ = loadDotEnv(".env")
		cfg, cfgErr = Parse(os.Getenv("CONFIG_FILE"))
	})
	return cfg, cfgErr
}

// Parse builds a Config from defaults, the optional YAML file at path and the
// environment, in increasing order of precedence.
func Parse(path string) (*Config, error) {
	c := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, xerrors.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := overrideWithEnv(c); err != nil {
		return nil, err
	}
	if c.WriteStrategy == "" {
		c.WriteStrategy = StrategyDirect
		if c.RedisURL != "" {
			c.WriteStrategy = StrategyQueued
		}
	}
	if err := c.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func Defaults() *Config {
	return &Config{
		Env:              "development",
		LogLevel:         "info",
		HTTPAddr:         ":8088",
		StorageBackend:   BackendFile,
		DataFile:         "data/readings.json",
		SQLitePath:       "data/readings.db",
		CacheKeyPrefix:   "ihlas",
		QueueMode:        QueueReliable,
		Timezone:         "Europe/Istanbul",
		ReadCacheTTL:     5 * time.Second,
		SettingsCacheTTL: time.Minute,
		ReplayBatchSize:  100,
	}
}

func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return errors.New("APP_ENV must be one of: development, staging, production")
	}
	switch c.StorageBackend {
	case BackendFile:
	case BackendSheets:
		// Missing Google credentials are reported per request as "Setup Required".
		if c.SpreadsheetID == "" {
			return errors.New("GOOGLE_SPREADSHEET_ID is required when STORAGE_BACKEND=sheets")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required when STORAGE_BACKEND=postgres")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when STORAGE_BACKEND=sqlite")
		}
	default:
		return xerrors.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.WriteStrategy {
	case StrategyQueued:
		if c.RedisURL == "" {
			return errors.New("WRITE_STRATEGY=queued requires REDIS_URL")
		}
	case StrategyDirect:
	default:
		return xerrors.Errorf("WRITE_STRATEGY must be %q or %q", StrategyQueued, StrategyDirect)
	}
	if c.QueueMode != QueueSimple && c.QueueMode != QueueReliable {
		return xerrors.Errorf("QUEUE_MODE must be %q or %q", QueueSimple, QueueReliable)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return xerrors.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.ReadCacheTTL <= 0 || c.SettingsCacheTTL <= 0 {
		return errors.New("cache TTLs must be positive")
	}
	if c.ReplayBatchSize <= 0 {
		return errors.New("REPLAY_BATCH_SIZE must be positive")
	}
	if c.ReplayInterval < 0 {
		return errors.New("REPLAY_INTERVAL must not be negative")
	}
	return nil
}

// Location is the civil timezone effective dates are computed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func overrideWithEnv(c *Config) error {
	setString(&c.Env, "APP_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFile, "LOG_FILE")
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.StorageBackend, "STORAGE_BACKEND")
	setString(&c.DataFile, "DATA_FILE")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.PostgresDSN, "POSTGRES_DSN")
	setString(&c.SpreadsheetID, "GOOGLE_SPREADSHEET_ID")
	setString(&c.GoogleClientEmail, "GOOGLE_SERVICE_ACCOUNT_EMAIL")
	setString(&c.GoogleClientEmail, "GOOGLE_CLIENT_EMAIL")
	setString(&c.GooglePrivateKey, "GOOGLE_PRIVATE_KEY")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.CacheKeyPrefix, "CACHE_KEY_PREFIX")
	setString(&c.WriteStrategy, "WRITE_STRATEGY")
	setString(&c.QueueMode, "QUEUE_MODE")
	setString(&c.CronSecret, "CRON_SECRET")
	setString(&c.Timezone, "TIMEZONE")

	for key, dst := range map[string]*time.Duration{
		"READ_CACHE_TTL":     &c.ReadCacheTTL,
		"SETTINGS_CACHE_TTL": &c.SettingsCacheTTL,
		"REPLAY_INTERVAL":    &c.ReplayInterval,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return xerrors.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("REPLAY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return xerrors.Errorf("REPLAY_BATCH_SIZE: %w", err)
		}
		c.ReplayBatchSize = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// loadDotEnv exports KEY=VALUE pairs from path without overriding variables
// that are already set.
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return sc.Err()
}
