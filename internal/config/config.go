// Package config loads application configuration from config.yaml and
// NEWSBOT_-prefixed environment variables, and bootstraps the global
// zap logger.
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
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Cluster ClusterConfig `yaml:"cluster" mapstructure:"cluster"`
	Score   ScoreConfig   `yaml:"score" mapstructure:"score"`
	Select  SelectConfig  `yaml:"select" mapstructure:"select"`
	Sources SourcesConfig `yaml:"sources" mapstructure:"sources"`
	Topics  TopicsConfig  `yaml:"topics" mapstructure:"topics"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// FetchConfig configures feed fetching.
type FetchConfig struct {
	UserAgent        string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	MaxConcurrent    int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BackoffMult      float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	PerHostRate      float64 `yaml:"per_host_rate" mapstructure:"per_host_rate"`
	PerHostBurst     int     `yaml:"per_host_burst" mapstructure:"per_host_burst"`
	ErrorThreshold   int     `yaml:"error_threshold" mapstructure:"error_threshold"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-request timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ClusterConfig configures near-duplicate clustering.
type ClusterConfig struct {
	HammingThreshold int `yaml:"hamming_threshold" mapstructure:"hamming_threshold"`
	WindowHours      int `yaml:"window_hours" mapstructure:"window_hours"`
}

// ScoreConfig configures cluster scoring.
type ScoreConfig struct {
	HalfLifeHours   float64 `yaml:"half_life_hours" mapstructure:"half_life_hours"`
	WeightFresh     float64 `yaml:"weight_fresh" mapstructure:"weight_fresh"`
	WeightDiversity float64 `yaml:"weight_diversity" mapstructure:"weight_diversity"`
	WeightVolume    float64 `yaml:"weight_volume" mapstructure:"weight_volume"`
	VolumeCap       int     `yaml:"volume_cap" mapstructure:"volume_cap"`
}

// SelectConfig configures top-k selection.
type SelectConfig struct {
	KGlobal        int `yaml:"k_global" mapstructure:"k_global"`
	MaxPostsPerRun int `yaml:"max_posts_per_run" mapstructure:"max_posts_per_run"`
	TopicMaxPosts  int `yaml:"topic_max_posts" mapstructure:"topic_max_posts"`
}

// SourcesConfig points at the feed seed file.
type SourcesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// TopicsConfig points at the topic definitions file.
type TopicsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An explicit
// file path skips the search paths and must exist; with an empty path
// the file is optional.
func Load(file string) (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment
	v.SetEnvPrefix("NEWSBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "newsbot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("fetch.user_agent", "newsbot/1.0")
	v.SetDefault("fetch.timeout_secs", 10)
	v.SetDefault("fetch.max_retries", 4)
	v.SetDefault("fetch.max_concurrent", 8)
	v.SetDefault("fetch.initial_backoff_ms", 500)
	v.SetDefault("fetch.max_backoff_ms", 30000)
	v.SetDefault("fetch.backoff_multiplier", 2.0)
	v.SetDefault("fetch.jitter_fraction", 0.25)
	v.SetDefault("fetch.per_host_rate", 2)
	v.SetDefault("fetch.per_host_burst", 4)
	v.SetDefault("fetch.error_threshold", 10)
	v.SetDefault("fetch.breaker_threshold", 5)
	v.SetDefault("fetch.breaker_reset_secs", 30)
	v.SetDefault("cluster.hamming_threshold", 10)
	v.SetDefault("cluster.window_hours", 24)
	v.SetDefault("score.half_life_hours", 12)
	v.SetDefault("score.weight_fresh", 0.45)
	v.SetDefault("score.weight_diversity", 0.35)
	v.SetDefault("score.weight_volume", 0.20)
	v.SetDefault("score.volume_cap", 100)
	v.SetDefault("select.k_global", 50)
	v.SetDefault("select.max_posts_per_run", 100)
	v.SetDefault("select.topic_max_posts", 5)
	v.SetDefault("sources.path", "config/sources.yaml")
	v.SetDefault("topics.path", "config/topics.yaml")

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if file != "" || !notFound {
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
