// Package config loads engine configuration from a yaml file with
// environment-variable overrides (CLAIMSINK_ prefix), via viper.
//
// Every recognized key has a default, so an empty file is a valid
// configuration for local filesystem ingestion.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Recalc modes for the aggregates.recalc_mode option.
const (
	RecalcInline   = "INLINE"
	RecalcFollowup = "FOLLOWUP"
)

// Facility is one clearing-house credential set. Credentials rotate per
// facility; they are read at startup and never logged.
type Facility struct {
	Login    string `mapstructure:"login" yaml:"login"`
	Password string `mapstructure:"password" yaml:"password"`
}

type Database struct {
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	Bootstrap bool   `mapstructure:"bootstrap" yaml:"bootstrap"`
}

type Ingestion struct {
	Workers            int           `mapstructure:"workers" yaml:"workers"`
	QueueCapacity      int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	PauseThresholdPct  float64       `mapstructure:"queue_pause_threshold_pct" yaml:"queue_pause_threshold_pct"`
	ResumeThresholdPct float64       `mapstructure:"queue_resume_threshold_pct" yaml:"queue_resume_threshold_pct"`
	FileTimeout        time.Duration `mapstructure:"file_timeout" yaml:"file_timeout"`
}

type SOAPRetries struct {
	Max  int           `mapstructure:"max" yaml:"max"`
	Base time.Duration `mapstructure:"base" yaml:"base"`
	Cap  time.Duration `mapstructure:"cap" yaml:"cap"`
}

type SOAP struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint            string        `mapstructure:"endpoint" yaml:"endpoint"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	Retries             SOAPRetries   `mapstructure:"retries" yaml:"retries"`
	DownloadConcurrency int           `mapstructure:"download_concurrency" yaml:"download_concurrency"`
	SearchDays          int           `mapstructure:"search_days" yaml:"search_days"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Facilities          []Facility    `mapstructure:"facilities" yaml:"facilities"`
}

type LocalFS struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	ReadyDir     string        `mapstructure:"ready_dir" yaml:"ready_dir"`
	DoneDir      string        `mapstructure:"done_dir" yaml:"done_dir"`
	ErrorDir     string        `mapstructure:"error_dir" yaml:"error_dir"`
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
}

type RefData struct {
	AutoInsert bool          `mapstructure:"auto_insert" yaml:"auto_insert"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type Aggregates struct {
	RecalcMode string `mapstructure:"recalc_mode" yaml:"recalc_mode"`
}

type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type Config struct {
	Database   Database   `mapstructure:"database" yaml:"database"`
	Ingestion  Ingestion  `mapstructure:"ingestion" yaml:"ingestion"`
	SOAP       SOAP       `mapstructure:"soap" yaml:"soap"`
	LocalFS    LocalFS    `mapstructure:"localfs" yaml:"localfs"`
	RefData    RefData    `mapstructure:"refdata" yaml:"refdata"`
	Aggregates Aggregates `mapstructure:"aggregates" yaml:"aggregates"`
	Log        Log        `mapstructure:"log" yaml:"log"`
}

func setDefaults(v *viper.Viper) {
	// An explicit empty default keeps the key visible to AutomaticEnv, so
	// CLAIMSINK_DATABASE_DSN works without a config file entry.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.bootstrap", true)

	v.SetDefault("ingestion.workers", 0) // 0 = NumCPU
	v.SetDefault("ingestion.queue_capacity", 512)
	v.SetDefault("ingestion.queue_pause_threshold_pct", 0.05)
	v.SetDefault("ingestion.queue_resume_threshold_pct", 0.30)
	v.SetDefault("ingestion.file_timeout", 120*time.Second)

	v.SetDefault("soap.enabled", false)
	v.SetDefault("soap.endpoint", "")
	v.SetDefault("soap.connect_timeout", 15*time.Second)
	v.SetDefault("soap.read_timeout", 60*time.Second)
	v.SetDefault("soap.retries.max", 4)
	v.SetDefault("soap.retries.base", 500*time.Millisecond)
	v.SetDefault("soap.retries.cap", 15*time.Second)
	v.SetDefault("soap.download_concurrency", 4)
	v.SetDefault("soap.search_days", 3)
	v.SetDefault("soap.poll_interval", 5*time.Minute)

	v.SetDefault("localfs.enabled", false)
	v.SetDefault("localfs.ready_dir", "ready")
	v.SetDefault("localfs.done_dir", "done")
	v.SetDefault("localfs.error_dir", "error")
	v.SetDefault("localfs.scan_interval", 5*time.Second)

	v.SetDefault("refdata.auto_insert", false)
	v.SetDefault("refdata.cache_ttl", 15*time.Minute)

	v.SetDefault("aggregates.recalc_mode", RecalcFollowup)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads path (optional; empty = defaults + env only) and unmarshals
// into Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CLAIMSINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Redacted returns a copy safe to print: credentials are masked.
func (c *Config) Redacted() *Config {
	out := *c
	if u, err := url.Parse(out.Database.DSN); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "****")
			out.Database.DSN = u.String()
		}
	}
	out.SOAP.Facilities = make([]Facility, len(c.SOAP.Facilities))
	for i, f := range c.SOAP.Facilities {
		f.Password = "****"
		out.SOAP.Facilities[i] = f
	}
	return &out
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.SOAP.Enabled {
		if c.SOAP.Endpoint == "" {
			return fmt.Errorf("config: soap.endpoint is required when soap.enabled")
		}
		if len(c.SOAP.Facilities) == 0 {
			return fmt.Errorf("config: soap.facilities must not be empty when soap.enabled")
		}
	}
	switch c.Aggregates.RecalcMode {
	case RecalcInline, RecalcFollowup:
	default:
		return fmt.Errorf("config: aggregates.recalc_mode must be %s or %s, got %q",
			RecalcInline, RecalcFollowup, c.Aggregates.RecalcMode)
	}
	if c.Ingestion.PauseThresholdPct >= c.Ingestion.ResumeThresholdPct {
		return fmt.Errorf("config: queue_pause_threshold_pct must be below queue_resume_threshold_pct")
	}
	return nil
}
