// Package config loads quota-fetch settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Sternrassler/quota-fetch/pkg/fetch"
	"github.com/Sternrassler/quota-fetch/pkg/logging"
	"github.com/Sternrassler/quota-fetch/pkg/quota"
	"github.com/Sternrassler/quota-fetch/pkg/remote"
)

type Config struct {
	Environment string
	Log         LogConfig
	Store       StoreConfig
	Remote      RemoteConfig
	Redis       RedisConfig
	Quota       QuotaConfig
	Pipeline    PipelineConfig
	MetricsAddr string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type StoreConfig struct {
	Path string
}

type RemoteConfig struct {
	BaseURL   string
	ExportURL string
	ProjectID string
	Username  string
	Secret    string
	Timeout   time.Duration
}

type RedisConfig struct {
	Addr   string
	Prefix string
}

type QuotaConfig struct {
	Query   quota.Limits
	Export  quota.Limits
	MaxWait time.Duration
}

type PipelineConfig struct {
	FlushRows     int
	FlushInterval time.Duration
	ChannelDepth  int
}

// Load reads .env (if present) and the QFETCH_* environment. Remote
// credentials are checked when the HTTP client is built, so commands that
// only touch the local store run without them.
func Load() (Config, error) {
	_ = godotenv.Load()
	return load()
}

func load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	defaults := quota.DefaultLimits()
	remoteDefaults := remote.DefaultConfig()
	sinkDefaults := fetch.DefaultSinkConfig()

	v.SetDefault("qfetch_env", "")
	v.SetDefault("qfetch_log_level", "info")
	v.SetDefault("qfetch_log_pretty", false)
	v.SetDefault("qfetch_db_path", "data/quota-fetch.db")
	v.SetDefault("qfetch_api_url", remoteDefaults.BaseURL)
	v.SetDefault("qfetch_export_url", remoteDefaults.ExportURL)
	v.SetDefault("qfetch_project_id", "")
	v.SetDefault("qfetch_username", "")
	v.SetDefault("qfetch_secret", "")
	v.SetDefault("qfetch_http_timeout", remoteDefaults.Timeout)
	v.SetDefault("qfetch_redis_addr", "")
	v.SetDefault("qfetch_redis_prefix", quota.DefaultRedisPrefix)
	v.SetDefault("qfetch_query_hourly_limit", defaults[quota.ClassQuery].HourlyLimit)
	v.SetDefault("qfetch_query_max_concurrent", defaults[quota.ClassQuery].MaxConcurrent)
	v.SetDefault("qfetch_export_hourly_limit", defaults[quota.ClassExport].HourlyLimit)
	v.SetDefault("qfetch_export_max_concurrent", defaults[quota.ClassExport].MaxConcurrent)
	v.SetDefault("qfetch_export_min_spacing", defaults[quota.ClassExport].MinSpacing)
	v.SetDefault("qfetch_quota_max_wait", quota.DefaultMaxWait)
	v.SetDefault("qfetch_sink_flush_rows", sinkDefaults.FlushRows)
	v.SetDefault("qfetch_sink_flush_interval", sinkDefaults.FlushInterval)
	v.SetDefault("qfetch_channel_depth", 16)
	v.SetDefault("qfetch_metrics_addr", "")

	level := strings.TrimSpace(v.GetString("qfetch_log_level"))
	if _, err := logging.ParseLevel(level); err != nil {
		return Config{}, fmt.Errorf("invalid QFETCH_LOG_LEVEL: %w", err)
	}

	queryLimits := defaults[quota.ClassQuery]
	queryLimits.HourlyLimit = v.GetInt("qfetch_query_hourly_limit")
	queryLimits.MaxConcurrent = v.GetInt("qfetch_query_max_concurrent")

	exportLimits := defaults[quota.ClassExport]
	exportLimits.HourlyLimit = v.GetInt("qfetch_export_hourly_limit")
	exportLimits.MaxConcurrent = v.GetInt("qfetch_export_max_concurrent")
	exportLimits.MinSpacing = v.GetDuration("qfetch_export_min_spacing")

	for name, lim := range map[string]quota.Limits{"QUERY": queryLimits, "EXPORT": exportLimits} {
		if lim.MaxConcurrent <= 0 {
			return Config{}, fmt.Errorf("invalid QFETCH_%s_MAX_CONCURRENT: %d", name, lim.MaxConcurrent)
		}
		if lim.HourlyLimit < 0 {
			return Config{}, fmt.Errorf("invalid QFETCH_%s_HOURLY_LIMIT: %d", name, lim.HourlyLimit)
		}
	}
	if exportLimits.MinSpacing < 0 {
		exportLimits.MinSpacing = 0
	}

	maxWait := v.GetDuration("qfetch_quota_max_wait")
	if maxWait <= 0 {
		maxWait = quota.DefaultMaxWait
	}

	flushRows := v.GetInt("qfetch_sink_flush_rows")
	if flushRows <= 0 {
		flushRows = sinkDefaults.FlushRows
	}
	if flushRows > 100000 {
		flushRows = 100000
	}
	flushInterval := v.GetDuration("qfetch_sink_flush_interval")
	if flushInterval < 0 {
		flushInterval = 0
	}
	depth := v.GetInt("qfetch_channel_depth")
	if depth <= 0 {
		depth = 16
	}
	if depth > 1024 {
		depth = 1024
	}

	timeout := v.GetDuration("qfetch_http_timeout")
	if timeout <= 0 {
		timeout = remoteDefaults.Timeout
	}

	cfg := Config{
		Environment: strings.ToLower(strings.TrimSpace(v.GetString("qfetch_env"))),
		Log: LogConfig{
			Level:  level,
			Pretty: v.GetBool("qfetch_log_pretty"),
		},
		Store: StoreConfig{
			Path: strings.TrimSpace(v.GetString("qfetch_db_path")),
		},
		Remote: RemoteConfig{
			BaseURL:   strings.TrimRight(strings.TrimSpace(v.GetString("qfetch_api_url")), "/"),
			ExportURL: strings.TrimRight(strings.TrimSpace(v.GetString("qfetch_export_url")), "/"),
			ProjectID: strings.TrimSpace(v.GetString("qfetch_project_id")),
			Username:  strings.TrimSpace(v.GetString("qfetch_username")),
			Secret:    strings.TrimSpace(v.GetString("qfetch_secret")),
			Timeout:   timeout,
		},
		Redis: RedisConfig{
			Addr:   strings.TrimSpace(v.GetString("qfetch_redis_addr")),
			Prefix: strings.TrimSpace(v.GetString("qfetch_redis_prefix")),
		},
		Quota: QuotaConfig{
			Query:   queryLimits,
			Export:  exportLimits,
			MaxWait: maxWait,
		},
		Pipeline: PipelineConfig{
			FlushRows:     flushRows,
			FlushInterval: flushInterval,
			ChannelDepth:  depth,
		},
		MetricsAddr: strings.TrimSpace(v.GetString("qfetch_metrics_addr")),
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/quota-fetch.db"
	}

	return cfg, nil
}

func (c Config) IsLocalDevelopment() bool {
	switch c.Environment {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

// LoggingConfig returns the logger settings.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// RemoteClientConfig returns the HTTP client settings.
func (c Config) RemoteClientConfig() remote.Config {
	cfg := remote.DefaultConfig()
	cfg.BaseURL = c.Remote.BaseURL
	cfg.ExportURL = c.Remote.ExportURL
	cfg.ProjectID = c.Remote.ProjectID
	cfg.Username = c.Remote.Username
	cfg.Secret = c.Remote.Secret
	cfg.Timeout = c.Remote.Timeout
	return cfg
}

// QuotaLimits returns the per-class budgets.
func (c Config) QuotaLimits() map[quota.Class]quota.Limits {
	return map[quota.Class]quota.Limits{
		quota.ClassQuery:  c.Quota.Query,
		quota.ClassExport: c.Quota.Export,
	}
}

// FetchConfig returns the orchestrator settings.
func (c Config) FetchConfig() fetch.Config {
	cfg := fetch.DefaultConfig()
	cfg.Sink = fetch.SinkConfig{
		FlushRows:     c.Pipeline.FlushRows,
		FlushInterval: c.Pipeline.FlushInterval,
	}
	cfg.ChannelDepth = c.Pipeline.ChannelDepth
	return cfg
}
