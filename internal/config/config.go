// Package config loads and validates ingester configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. BULLETINS_DB_DSN.
const EnvPrefix = "BULLETINS"

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Archive and notify providers.
const (
	ProviderNone   = "none"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderMemory = "memory"
	ProviderPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	DB       DBConfig       `mapstructure:"db"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Server   ServerConfig   `mapstructure:"server"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SourceConfig locates the bulletin listing.
type SourceConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	ListingPath string `mapstructure:"listing_path"`
	CutoffYear  int    `mapstructure:"cutoff_year"`
	MaxPages    int    `mapstructure:"max_pages"`
}

// HTTPConfig configures the fetcher.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	PageTimeout       time.Duration `mapstructure:"page_timeout"`
	DocumentTimeout   time.Duration `mapstructure:"document_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// PipelineConfig bounds per-run work.
type PipelineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DBConfig controls access to the trade store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ArchiveConfig selects where raw documents are kept.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig holds metadata for ingestion notifications.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScheduleConfig controls periodic runs in serve mode. Zero disables them.
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", "https://spimex.com")
	v.SetDefault("source.listing_path", "/markets/oil_products/trades/results/")
	v.SetDefault("source.cutoff_year", 2023)
	v.SetDefault("source.max_pages", 0)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.page_timeout", 20*time.Second)
	v.SetDefault("http.document_timeout", 30*time.Second)
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.burst", 2)
	v.SetDefault("pipeline.concurrency", 10)
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.dsn", "bulletins.db")
	v.SetDefault("db.table", "spimex_trading_results")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("archive.provider", ProviderNone)
	v.SetDefault("archive.prefix", "bulletins")
	v.SetDefault("notify.provider", ProviderNone)
	v.SetDefault("notify.topic", "bulletin-ingested")
	v.SetDefault("server.port", 8080)
	v.SetDefault("schedule.interval", 24*time.Hour)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.validateSource(); err != nil {
		return err
	}
	if c.HTTP.PageTimeout <= 0 {
		return fmt.Errorf("http.page_timeout must be > 0")
	}
	if c.HTTP.DocumentTimeout <= 0 {
		return fmt.Errorf("http.document_timeout must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if err := c.validateDB(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if err := c.validateNotify(); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must be >= 0")
	}
	return nil
}

func (c Config) validateSource() error {
	u, err := url.Parse(c.Source.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source.base_url must be an absolute http(s) URL")
	}
	if c.Source.CutoffYear < 1990 || c.Source.CutoffYear > 9999 {
		return fmt.Errorf("source.cutoff_year must be a four-digit year")
	}
	if c.Source.MaxPages < 0 {
		return fmt.Errorf("source.max_pages must be >= 0")
	}
	return nil
}

func (c Config) validateDB() error {
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres driver")
		}
		if c.DB.MinConns > c.DB.MaxConns && c.DB.MaxConns > 0 {
			return fmt.Errorf("db.min_conns must not exceed db.max_conns")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("db.driver must be %q or %q", DriverPostgres, DriverSQLite)
	}
	return nil
}

func (c Config) validateArchive() error {
	switch c.Archive.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local provider")
		}
	case ProviderGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider)
	}
	return nil
}

func (c Config) validateNotify() error {
	switch c.Notify.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("notify.provider %q is not supported", c.Notify.Provider)
	}
	return nil
}

// ListingURL joins the base URL and listing path.
func (c Config) ListingURL() string {
	return strings.TrimRight(c.Source.BaseURL, "/") + "/" + strings.TrimLeft(c.Source.ListingPath, "/")
}
