// Package config loads the YAML configuration of an espalier deployment.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/espalier/jobs"
	"github.com/jacentio/espalier/store"
	"github.com/jacentio/espalier/store/dynamo"
	"github.com/jacentio/espalier/store/memory"
	"github.com/jacentio/espalier/store/mongodb"
)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendMongoDB  = "mongodb"
	BackendDynamoDB = "dynamodb"
)

// Config is the root configuration structure.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Store   StoreConfig   `yaml:"store"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BackendConfig selects and configures the document store.
type BackendConfig struct {
	Kind     string         `yaml:"kind"` // "memory", "mongodb" or "dynamodb"
	MongoDB  MongoDBConfig  `yaml:"mongodb,omitempty"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb,omitempty"`
}

// MongoDBConfig configures the MongoDB backend.
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint,omitempty"` // DynamoDB Local
	TablePrefix string `yaml:"table_prefix"`
}

// StoreConfig mirrors store.Config. Zero values take the store defaults.
type StoreConfig struct {
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	LeaseReleaseOffset time.Duration `yaml:"lease_release_offset"`
	CountersCollection string        `yaml:"counters_collection"`
	RevisionsSuffix    string        `yaml:"revisions_suffix"`
	SearchPrefix       string        `yaml:"search_prefix"`
	SequenceRetries    int           `yaml:"sequence_retries"`
	DispatchOnSave     *bool         `yaml:"dispatch_on_save"`
}

// JobsConfig mirrors jobs.Config.
type JobsConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML. ${VAR} references are expanded from
// the environment first.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = BackendMemory
	}
	if cfg.Backend.MongoDB.URI == "" {
		cfg.Backend.MongoDB.URI = "mongodb://localhost:27017"
	}
	if cfg.Backend.MongoDB.Database == "" {
		cfg.Backend.MongoDB.Database = "espalier"
	}

	defaults := jobs.DefaultConfig()
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = defaults.Workers
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Jobs.Backoff == 0 {
		cfg.Jobs.Backoff = defaults.Backoff
	}
	if cfg.Jobs.MaxBackoff == 0 {
		cfg.Jobs.MaxBackoff = defaults.MaxBackoff
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	switch cfg.Backend.Kind {
	case BackendMemory, BackendMongoDB:
	case BackendDynamoDB:
		if cfg.Backend.DynamoDB.Region == "" && cfg.Backend.DynamoDB.Endpoint == "" {
			return fmt.Errorf("backend.dynamodb.region is required")
		}
	default:
		return fmt.Errorf("backend.kind must be 'memory', 'mongodb' or 'dynamodb', got %q", cfg.Backend.Kind)
	}

	if _, err := zap.ParseAtomicLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Store.LeaseDuration < 0 {
		return fmt.Errorf("store.lease_duration must not be negative")
	}
	if cfg.Jobs.Workers < 0 || cfg.Jobs.MaxAttempts < 0 {
		return fmt.Errorf("jobs.workers and jobs.max_attempts must not be negative")
	}
	return nil
}

// StoreConfig returns the store configuration, starting from
// store.DefaultConfig.
func (c *Config) StoreConfig() store.Config {
	out := store.DefaultConfig()
	if c.Store.LeaseDuration > 0 {
		out.LeaseDuration = c.Store.LeaseDuration
	}
	if c.Store.LeaseReleaseOffset > 0 {
		out.LeaseReleaseOffset = c.Store.LeaseReleaseOffset
	}
	if c.Store.CountersCollection != "" {
		out.CountersCollection = c.Store.CountersCollection
	}
	if c.Store.RevisionsSuffix != "" {
		out.RevisionsSuffix = c.Store.RevisionsSuffix
	}
	if c.Store.SequenceRetries > 0 {
		out.SequenceRetries = c.Store.SequenceRetries
	}
	if c.Store.DispatchOnSave != nil {
		out.DisableDispatchOnSave = !*c.Store.DispatchOnSave
	}
	out.SearchPrefix = c.Store.SearchPrefix
	return out
}

// JobsConfig returns the job queue configuration.
func (c *Config) JobsConfig() jobs.Config {
	return jobs.Config{
		Workers:     c.Jobs.Workers,
		MaxAttempts: c.Jobs.MaxAttempts,
		Backoff:     c.Jobs.Backoff,
		MaxBackoff:  c.Jobs.MaxBackoff,
	}
}

// Logger builds the configured logger.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if strings.EqualFold(c.Logging.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// Registerer returns where metrics are registered: the default Prometheus
// registry when metrics are enabled, nil otherwise.
func (c *Config) Registerer() prometheus.Registerer {
	if !c.Metrics.Enabled {
		return nil
	}
	return prometheus.DefaultRegisterer
}

// OpenBackend connects to the configured document store.
func (c *Config) OpenBackend(ctx context.Context, logger *zap.Logger) (store.Backend, error) {
	switch c.Backend.Kind {
	case BackendMongoDB:
		b, err := mongodb.Open(ctx, c.Backend.MongoDB.URI, c.Backend.MongoDB.Database, mongodb.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendDynamoDB:
		d := c.Backend.DynamoDB
		b, err := dynamo.Open(ctx, d.Region, d.Endpoint,
			dynamo.WithTablePrefix(d.TablePrefix),
			dynamo.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend.Kind)
}
