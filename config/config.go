// Package config provides unified configuration loading for the
// collaboration core: defaults, then a YAML file, then environment
// variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("COLLABCORE").
//	    Load()
package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/collabcore/contextstore"
	"github.com/BaSui01/collabcore/learning"
	"github.com/BaSui01/collabcore/negotiation"
	"github.com/BaSui01/collabcore/registry"
)

// Config is the complete configuration of the collaboration core.
type Config struct {
	// Matcher configures candidate scoring.
	Matcher registry.MatcherConfig `yaml:"matcher" env:"MATCHER"`

	// Formation configures team formation.
	Formation FormationConfig `yaml:"formation" env:"FORMATION"`

	// Negotiation configures the negotiation engine.
	Negotiation negotiation.Config `yaml:"negotiation" env:"NEGOTIATION"`

	// ContextStore configures the shared context store.
	ContextStore ContextStoreConfig `yaml:"context_store" env:"CONTEXT_STORE"`

	// Learning configures the episode recorder and its store.
	Learning LearningConfig `yaml:"learning" env:"LEARNING"`

	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures metrics collection.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// FormationConfig configures the team formation service.
type FormationConfig struct {
	// ChurnRetries is how many times formation restarts after losing a
	// reserved agent to churn.
	ChurnRetries int `yaml:"churn_retries" env:"CHURN_RETRIES"`
}

// StoreBackend selects a storage backend.
type StoreBackend string

const (
	BackendMemory StoreBackend = "memory"
	BackendRedis  StoreBackend = "redis"
	BackendSQLite StoreBackend = "sqlite"
)

// ContextStoreConfig configures the shared context store.
type ContextStoreConfig struct {
	// Backend is the version log backend: memory or redis.
	Backend StoreBackend `yaml:"backend" env:"BACKEND"`

	// SubscriptionBuffer sizes subscription delivery channels.
	SubscriptionBuffer int `yaml:"subscription_buffer" env:"SUBSCRIPTION_BUFFER"`

	// Redis configures the redis backend.
	Redis contextstore.RedisConfig `yaml:"redis" env:"REDIS"`
}

// LearningConfig configures episode recording.
type LearningConfig struct {
	// Backend is the episode store backend: memory or sqlite.
	Backend StoreBackend `yaml:"backend" env:"BACKEND"`

	// SQLitePath is the database path for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	// Recorder configures the async recorder.
	Recorder learning.Config `yaml:"recorder" env:"RECORDER"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is the output format: json or console.
	Format string `yaml:"format" env:"FORMAT"`

	// OutputPaths are the log sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled turns the collector on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Namespace is the metrics namespace.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Matcher: registry.DefaultMatcherConfig(),
		Formation: FormationConfig{
			ChurnRetries: 1,
		},
		Negotiation: negotiation.DefaultConfig(),
		ContextStore: ContextStoreConfig{
			Backend:            BackendMemory,
			SubscriptionBuffer: contextstore.DefaultConfig().SubscriptionBuffer,
			Redis:              contextstore.DefaultRedisConfig(),
		},
		Learning: LearningConfig{
			Backend:  BackendMemory,
			Recorder: learning.DefaultConfig(),
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "collabcore",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	switch c.ContextStore.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Sprintf("unknown context store backend %q", c.ContextStore.Backend))
	}
	if c.ContextStore.Backend == BackendRedis && c.ContextStore.Redis.Addr == "" {
		errs = append(errs, "redis context store backend needs an address")
	}

	switch c.Learning.Backend {
	case BackendMemory, BackendSQLite:
	default:
		errs = append(errs, fmt.Sprintf("unknown learning backend %q", c.Learning.Backend))
	}
	if c.Learning.Backend == BackendSQLite && c.Learning.SQLitePath == "" {
		errs = append(errs, "sqlite learning backend needs a database path")
	}

	if c.Negotiation.MaxRounds < 1 {
		errs = append(errs, "negotiation max_rounds must be at least 1")
	}
	if c.Negotiation.RoundTimeout <= 0 || c.Negotiation.OverallTimeout <= 0 {
		errs = append(errs, "negotiation timeouts must be positive")
	}
	if c.Formation.ChurnRetries < 0 {
		errs = append(errs, "churn_retries must not be negative")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildLogger constructs a zap logger from the log configuration.
func (c *LogConfig) BuildLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}

	zapCfg := zap.NewProductionConfig()
	if c.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if len(c.OutputPaths) > 0 {
		zapCfg.OutputPaths = c.OutputPaths
	}
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}
