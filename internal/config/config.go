package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/cms-analytics/")
	viper.AddConfigPath("$HOME/.cms-analytics/")

	// Environment variable overrides
	viper.SetEnvPrefix("CMS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Use specific config file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Enabled && (config.Server.Port <= 0 || config.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Storage.Backend != "s3" && config.Storage.Backend != "local" {
		return fmt.Errorf("invalid storage backend: %s (must be s3 or local)", config.Storage.Backend)
	}

	if config.Storage.Backend == "s3" && config.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage backend s3 requires a bucket")
	}

	if config.Watermark.Backend != "postgres" && config.Watermark.Backend != "sqlite" {
		return fmt.Errorf("invalid watermark backend: %s (must be postgres or sqlite)", config.Watermark.Backend)
	}

	if config.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", config.Pipeline.ChunkSize)
	}

	if config.Pipeline.MaxSkipRatio < 0 || config.Pipeline.MaxSkipRatio > 1 {
		return fmt.Errorf("invalid max skip ratio: %f (must be within [0,1])", config.Pipeline.MaxSkipRatio)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	for i := range config.Datasets {
		if err := validateDataset(&config.Datasets[i]); err != nil {
			return fmt.Errorf("dataset %q: %w", config.Datasets[i].Name, err)
		}
	}

	return nil
}

// validateDataset checks one dataset declaration for internal consistency
func validateDataset(d *DatasetConfig) error {
	if d.Name == "" {
		return fmt.Errorf("missing name")
	}
	if len(d.Schema.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	if d.TargetObject == "" {
		return fmt.Errorf("missing target object")
	}
	for _, k := range d.Schema.NaturalKey {
		if d.Schema.Index(k) < 0 {
			return fmt.Errorf("natural key column %q not in schema", k)
		}
	}
	if d.IncrementKey != "" && d.Schema.Index(d.IncrementKey) < 0 {
		return fmt.Errorf("increment key column %q not in schema", d.IncrementKey)
	}
	if d.Schema.TimestampColumn != "" && d.Schema.Index(d.Schema.TimestampColumn) < 0 {
		return fmt.Errorf("timestamp column %q not in schema", d.Schema.TimestampColumn)
	}
	for col, m := range d.Missing {
		if d.Schema.Index(col) < 0 {
			return fmt.Errorf("missing-value policy for unknown column %q", col)
		}
		if m.Action != "drop" && m.Action != "impute" && m.Action != "keep" {
			return fmt.Errorf("column %q: invalid missing action %q (must be drop, impute, or keep)", col, m.Action)
		}
	}
	for col, o := range d.Outliers {
		if d.Schema.Index(col) < 0 {
			return fmt.Errorf("outlier policy for unknown column %q", col)
		}
		if o.Action != "cap" && o.Action != "exclude" {
			return fmt.Errorf("column %q: invalid outlier action %q (must be cap or exclude)", col, o.Action)
		}
		if o.Min == nil && o.Max == nil {
			return fmt.Errorf("column %q: outlier policy declares no bounds", col)
		}
	}
	return nil
}

// Watch starts watching the configuration file for changes
func Watch(config *Config, callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := &Config{}
		if err := viper.Unmarshal(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		if err := validateConfig(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		callback(newConfig)
	})

	return nil
}
