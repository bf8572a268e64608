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
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Orchestrate OrchestrateConfig `yaml:"orchestrate" mapstructure:"orchestrate"`
	Polling     PollingConfig     `yaml:"polling" mapstructure:"polling"`
	Reconcile   ReconcileConfig   `yaml:"reconcile" mapstructure:"reconcile"`
	Investigate InvestigateConfig `yaml:"investigate" mapstructure:"investigate"`
	Notify      NotifyConfig      `yaml:"notify" mapstructure:"notify"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Fetcher     FetcherConfig     `yaml:"fetcher" mapstructure:"fetcher"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the ingest webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OrchestrateConfig configures the task orchestrator.
type OrchestrateConfig struct {
	HeartbeatSecs    int     `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	Workers          int     `yaml:"workers" mapstructure:"workers"`
	DedupeTTLMins    int     `yaml:"dedupe_ttl_mins" mapstructure:"dedupe_ttl_mins"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// PollingConfig configures default and signal-driven polling cadence.
type PollingConfig struct {
	DefaultCadenceMins int `yaml:"default_cadence_mins" mapstructure:"default_cadence_mins"`
	RumorCadenceMins   int `yaml:"rumor_cadence_mins" mapstructure:"rumor_cadence_mins"`
	RumorWindowHours   int `yaml:"rumor_window_hours" mapstructure:"rumor_window_hours"`
	SpikeCadenceMins   int `yaml:"spike_cadence_mins" mapstructure:"spike_cadence_mins"`
	SpikeWindowHours   int `yaml:"spike_window_hours" mapstructure:"spike_window_hours"`
	// SpikeMagnitude is the minimum relative move that counts as a spike.
	SpikeMagnitude float64 `yaml:"spike_magnitude" mapstructure:"spike_magnitude"`
}

// DefaultCadence returns the default polling cadence as a duration.
func (p PollingConfig) DefaultCadence() time.Duration {
	return time.Duration(p.DefaultCadenceMins) * time.Minute
}

// ReconcileConfig configures the reconciliation engine.
type ReconcileConfig struct {
	RankTablePath string `yaml:"rank_table_path" mapstructure:"rank_table_path"`
}

// InvestigateConfig configures the investigation engine.
type InvestigateConfig struct {
	AutoFixThreshold float64 `yaml:"auto_fix_threshold" mapstructure:"auto_fix_threshold"`
	MinSeverity      int     `yaml:"min_severity" mapstructure:"min_severity"`
	MaxHypotheses    int     `yaml:"max_hypotheses" mapstructure:"max_hypotheses"`
	QueueSize        int     `yaml:"queue_size" mapstructure:"queue_size"`
}

// NotifyConfig configures the outbound alert/approval channel.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// AnthropicConfig holds settings for the hypothesis reasoner.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// FetcherConfig configures the rate-limited document client.
type FetcherConfig struct {
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "monitor.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("orchestrate.heartbeat_secs", 5)
	v.SetDefault("orchestrate.workers", 8)
	v.SetDefault("orchestrate.dedupe_ttl_mins", 1440)
	v.SetDefault("orchestrate.max_attempts", 5)
	v.SetDefault("orchestrate.initial_backoff_ms", 1000)
	v.SetDefault("orchestrate.max_backoff_ms", 300000)
	v.SetDefault("orchestrate.multiplier", 2.0)
	v.SetDefault("orchestrate.jitter_fraction", 0.25)
	v.SetDefault("polling.default_cadence_mins", 360)
	v.SetDefault("polling.rumor_cadence_mins", 15)
	v.SetDefault("polling.rumor_window_hours", 48)
	v.SetDefault("polling.spike_cadence_mins", 30)
	v.SetDefault("polling.spike_window_hours", 24)
	v.SetDefault("polling.spike_magnitude", 0.10)
	v.SetDefault("reconcile.rank_table_path", "ranks.yaml")
	v.SetDefault("investigate.auto_fix_threshold", 0.85)
	v.SetDefault("investigate.min_severity", 1)
	v.SetDefault("investigate.max_hypotheses", 5)
	v.SetDefault("investigate.queue_size", 256)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("fetcher.user_agent", "Sells Advisors blake@sellsadvisors.com")
	v.SetDefault("fetcher.timeout_secs", 30)
	v.SetDefault("fetcher.requests_per_sec", 5)
	v.SetDefault("fetcher.burst", 5)

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
