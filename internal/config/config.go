// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Promote    PromoteConfig    `yaml:"promote" mapstructure:"promote"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds batch inference API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// IngestConfig configures the CSV ingestion task.
type IngestConfig struct {
	IntervalSecs         int `yaml:"interval_secs" mapstructure:"interval_secs"`
	TimeoutSecs          int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BatchSize            int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConcurrentImports int `yaml:"max_concurrent_imports" mapstructure:"max_concurrent_imports"`
	FeedTimeoutSecs      int `yaml:"feed_timeout_secs" mapstructure:"feed_timeout_secs"`
	FeedMaxRetries       int `yaml:"feed_max_retries" mapstructure:"feed_max_retries"`
	FeedBackoffMs        int `yaml:"feed_backoff_ms" mapstructure:"feed_backoff_ms"`
	MaxTaskRetries       int `yaml:"max_task_retries" mapstructure:"max_task_retries"`
}

// PromoteConfig configures the import promotion task.
type PromoteConfig struct {
	IntervalSecs          int `yaml:"interval_secs" mapstructure:"interval_secs"`
	TimeoutSecs           int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BatchSize             int `yaml:"batch_size" mapstructure:"batch_size"`
	TranscriptTimeoutSecs int `yaml:"transcript_timeout_secs" mapstructure:"transcript_timeout_secs"`
	MaxTaskRetries        int `yaml:"max_task_retries" mapstructure:"max_task_retries"`
}

// EnrichConfig configures the batch enrichment tasks.
type EnrichConfig struct {
	SubmitIntervalSecs int `yaml:"submit_interval_secs" mapstructure:"submit_interval_secs"`
	PollIntervalSecs   int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	TimeoutSecs        int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBatchSize       int `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	RetryCeiling       int `yaml:"retry_ceiling" mapstructure:"retry_ceiling"`
	MaxTaskRetries     int `yaml:"max_task_retries" mapstructure:"max_task_retries"`
	BreakerThreshold   int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	MaxQuarantined      int     `yaml:"max_quarantined" mapstructure:"max_quarantined"`
	MaxFailRate         float64 `yaml:"max_fail_rate" mapstructure:"max_fail_rate"`
	MaxJobAgeHours      int     `yaml:"max_job_age_hours" mapstructure:"max_job_age_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Interval returns the ingest interval as a duration.
func (c IngestConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// Interval returns the promote interval as a duration.
func (c PromoteConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// Validate checks that the configuration is usable for the given mode.
// Modes correspond to command groups: "pipeline" (ingest/promote), "enrich",
// "serve", and "worker" (everything).
func (c *Config) Validate(mode string) error {
	var problems []string

	requireDB := func() {
		if c.Store.DatabaseURL == "" && c.Store.Driver != "sqlite" {
			problems = append(problems, "store.database_url is required")
		}
	}

	checkCommon := func() {
		if c.Ingest.MaxConcurrentImports < 1 || c.Ingest.MaxConcurrentImports > 50 {
			problems = append(problems, "ingest.max_concurrent_imports must be between 1 and 50")
		}
		if c.Ingest.BatchSize < 1 {
			problems = append(problems, "ingest.batch_size must be >= 1")
		}
		if c.Enrich.RetryCeiling < 1 {
			problems = append(problems, "enrich.retry_ceiling must be >= 1")
		}
	}

	switch mode {
	case "pipeline":
		requireDB()
		checkCommon()
	case "enrich":
		requireDB()
		checkCommon()
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	case "serve":
		requireDB()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "worker":
		requireDB()
		checkCommon()
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHATPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("ingest.interval_secs", 900)
	v.SetDefault("ingest.timeout_secs", 600)
	v.SetDefault("ingest.batch_size", 50)
	v.SetDefault("ingest.max_concurrent_imports", 5)
	v.SetDefault("ingest.feed_timeout_secs", 60)
	v.SetDefault("ingest.feed_max_retries", 3)
	v.SetDefault("ingest.feed_backoff_ms", 1000)
	v.SetDefault("ingest.max_task_retries", 5)
	v.SetDefault("promote.interval_secs", 300)
	v.SetDefault("promote.timeout_secs", 600)
	v.SetDefault("promote.batch_size", 100)
	v.SetDefault("promote.transcript_timeout_secs", 30)
	v.SetDefault("promote.max_task_retries", 5)
	v.SetDefault("enrich.submit_interval_secs", 3600)
	v.SetDefault("enrich.poll_interval_secs", 300)
	v.SetDefault("enrich.timeout_secs", 900)
	v.SetDefault("enrich.max_batch_size", 100)
	v.SetDefault("enrich.retry_ceiling", 3)
	v.SetDefault("enrich.max_task_retries", 5)
	v.SetDefault("enrich.breaker_threshold", 5)
	v.SetDefault("enrich.breaker_reset_secs", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.max_quarantined", 50)
	v.SetDefault("monitoring.max_fail_rate", 0.25)
	v.SetDefault("monitoring.max_job_age_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
