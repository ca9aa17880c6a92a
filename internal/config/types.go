package config

import (
	"time"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Source    SourceConfig    `yaml:"source" mapstructure:"source"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Watermark WatermarkConfig `yaml:"watermark" mapstructure:"watermark"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Datasets  []DatasetConfig `yaml:"datasets" mapstructure:"datasets"`
}

// ServerConfig contains the ops HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// SourceConfig contains remote drive source configuration
type SourceConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	FolderID       string        `yaml:"folder_id" mapstructure:"folder_id"`
	AccessToken    string        `yaml:"access_token" mapstructure:"access_token"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RequestsPerSec float64       `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// StorageConfig contains durable object storage configuration
type StorageConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // s3 or local

	S3 struct {
		Region string `yaml:"region" mapstructure:"region"`
		Bucket string `yaml:"bucket" mapstructure:"bucket"`
		Prefix string `yaml:"prefix" mapstructure:"prefix"`
	} `yaml:"s3" mapstructure:"s3"`

	Local struct {
		Dir string `yaml:"dir" mapstructure:"dir"`
	} `yaml:"local" mapstructure:"local"`
}

// WatermarkConfig contains watermark store and run lock configuration
type WatermarkConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // postgres or sqlite

	Postgres struct {
		DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
		MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	} `yaml:"postgres" mapstructure:"postgres"`

	SQLite struct {
		Path string `yaml:"path" mapstructure:"path"`
	} `yaml:"sqlite" mapstructure:"sqlite"`

	Lock struct {
		Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
		RedisURL string        `yaml:"redis_url" mapstructure:"redis_url"`
		TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
	} `yaml:"lock" mapstructure:"lock"`
}

// PipelineConfig contains ingestion pipeline tuning
type PipelineConfig struct {
	ChunkSize       int           `yaml:"chunk_size" mapstructure:"chunk_size"`             // rows per batch
	MaxParallelRuns int           `yaml:"max_parallel_runs" mapstructure:"max_parallel_runs"` // datasets in flight
	MaxSkipRatio    float64       `yaml:"max_skip_ratio" mapstructure:"max_skip_ratio"`     // malformed batch tolerance
	RunTimeout      time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// MissingConfig declares the missing-value policy for one column
type MissingConfig struct {
	Action  string `yaml:"action" mapstructure:"action"` // drop, impute, or keep
	Default string `yaml:"default" mapstructure:"default"`
}

// OutlierConfig declares the numeric bound check for one column
type OutlierConfig struct {
	Min    *float64 `yaml:"min" mapstructure:"min"`
	Max    *float64 `yaml:"max" mapstructure:"max"`
	Action string   `yaml:"action" mapstructure:"action"` // cap or exclude
}

// DatasetConfig declares one logical CMS table, its canonical schema, and
// its per-column data-quality policies.
type DatasetConfig struct {
	Name          string                   `yaml:"name" mapstructure:"name"`
	SourcePattern string                   `yaml:"source_pattern" mapstructure:"source_pattern"`
	TargetObject  string                   `yaml:"target_object" mapstructure:"target_object"`
	IncrementKey  string                   `yaml:"increment_key" mapstructure:"increment_key"`
	Schema        schema.Schema            `yaml:"schema" mapstructure:"schema"`
	Aliases       map[string]string        `yaml:"aliases" mapstructure:"aliases"`
	Missing       map[string]MissingConfig `yaml:"missing" mapstructure:"missing"`
	Outliers      map[string]OutlierConfig `yaml:"outliers" mapstructure:"outliers"`
}

// Dataset converts the config entry to the schema model.
func (d *DatasetConfig) Dataset() schema.Dataset {
	return schema.Dataset{
		Name:          d.Name,
		SourcePattern: d.SourcePattern,
		TargetObject:  d.TargetObject,
		IncrementKey:  d.IncrementKey,
		Schema:        d.Schema,
		Aliases:       d.Aliases,
	}
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Enabled:      false,
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Source: SourceConfig{
			BaseURL:        "https://www.googleapis.com/drive/v3",
			Timeout:        60 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   2 * time.Second,
			RequestsPerSec: 5,
		},
		Pipeline: PipelineConfig{
			ChunkSize:       5000,
			MaxParallelRuns: 4,
			MaxSkipRatio:    0.05,
			RunTimeout:      30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	cfg.Storage.Backend = "local"
	cfg.Storage.Local.Dir = "data/silver"
	cfg.Watermark.Backend = "sqlite"
	cfg.Watermark.SQLite.Path = "data/watermarks.db"
	cfg.Watermark.Lock.TTL = 15 * time.Minute
	return cfg
}
