package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Matcher MatcherConfig `yaml:"matcher" mapstructure:"matcher"`
	Batch   BatchConfig   `yaml:"batch" mapstructure:"batch"`
	Refsync RefsyncConfig `yaml:"refsync" mapstructure:"refsync"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// MatcherConfig configures the classification matcher.
type MatcherConfig struct {
	ReviewThreshold     float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	AutoAcceptThreshold float64 `yaml:"auto_accept_threshold" mapstructure:"auto_accept_threshold"`
	FuzzyMinSimilarity  float64 `yaml:"fuzzy_min_similarity" mapstructure:"fuzzy_min_similarity"`
}

// BatchConfig configures batch reconciliation.
type BatchConfig struct {
	MaxConcurrentItems int `yaml:"max_concurrent_items" mapstructure:"max_concurrent_items"`
}

// RefsyncConfig configures the reference-data sync.
type RefsyncConfig struct {
	FeedDir       string  `yaml:"feed_dir" mapstructure:"feed_dir"`
	RecordsPerSec float64 `yaml:"records_per_sec" mapstructure:"records_per_sec"`
	DefaultSource string  `yaml:"default_source" mapstructure:"default_source"`
}

// ServerConfig configures the audit HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tariff.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("matcher.review_threshold", 70.0)
	v.SetDefault("matcher.auto_accept_threshold", 90.0)
	v.SetDefault("matcher.fuzzy_min_similarity", 0.25)
	v.SetDefault("batch.max_concurrent_items", 8)
	v.SetDefault("refsync.feed_dir", "feeds")
	v.SetDefault("refsync.records_per_sec", 2000)
	v.SetDefault("refsync.default_source", "taric")

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
