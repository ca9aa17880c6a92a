package config

import (
	"strings"
	"testing"

	"github.com/aninori/cms-healthcare-analytics/internal/schema"
)

func validDataset() DatasetConfig {
	return DatasetConfig{
		Name:          "nh_providerinfo",
		SourcePattern: "NH_ProviderInfo_*.csv",
		TargetObject:  "silver/nh_providerinfo",
		IncrementKey:  "processing_date",
		Schema: schema.Schema{
			Columns: []schema.Column{
				{Name: "ccn", Type: schema.TypeString},
				{Name: "staffing_hours", Type: schema.TypeFloat},
				{Name: "processing_date", Type: schema.TypeDate},
			},
			NaturalKey:      []string{"ccn"},
			TimestampColumn: "processing_date",
		},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Run("DefaultsAreValid", func(t *testing.T) {
		if err := validateConfig(GetDefaults()); err != nil {
			t.Fatalf("defaults do not validate: %v", err)
		}
	})

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "BadServerPort",
			mutate:  func(c *Config) { c.Server.Enabled = true; c.Server.Port = -1 },
			wantErr: "server port",
		},
		{
			name:    "UnknownStorageBackend",
			mutate:  func(c *Config) { c.Storage.Backend = "gcs" },
			wantErr: "storage backend",
		},
		{
			name:    "S3WithoutBucket",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: "bucket",
		},
		{
			name:    "UnknownWatermarkBackend",
			mutate:  func(c *Config) { c.Watermark.Backend = "dynamo" },
			wantErr: "watermark backend",
		},
		{
			name:    "ZeroChunkSize",
			mutate:  func(c *Config) { c.Pipeline.ChunkSize = 0 },
			wantErr: "chunk size",
		},
		{
			name:    "SkipRatioOverOne",
			mutate:  func(c *Config) { c.Pipeline.MaxSkipRatio = 1.5 },
			wantErr: "skip ratio",
		},
		{
			name:    "UnknownLogLevel",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "log level",
		},
		{
			name:    "UnknownLogFormat",
			mutate:  func(c *Config) { c.Logging.Format = "logfmt" },
			wantErr: "log format",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := GetDefaults()
			c.mutate(cfg)
			err := validateConfig(cfg)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, c.wantErr)
			}
		})
	}
}

func TestValidateDataset(t *testing.T) {
	t.Run("ValidDeclaration", func(t *testing.T) {
		d := validDataset()
		if err := validateDataset(&d); err != nil {
			t.Fatalf("valid dataset rejected: %v", err)
		}
	})

	cases := []struct {
		name    string
		mutate  func(*DatasetConfig)
		wantErr string
	}{
		{
			name:    "MissingName",
			mutate:  func(d *DatasetConfig) { d.Name = "" },
			wantErr: "name",
		},
		{
			name:    "EmptySchema",
			mutate:  func(d *DatasetConfig) { d.Schema.Columns = nil },
			wantErr: "no columns",
		},
		{
			name:    "MissingTargetObject",
			mutate:  func(d *DatasetConfig) { d.TargetObject = "" },
			wantErr: "target object",
		},
		{
			name:    "NaturalKeyNotInSchema",
			mutate:  func(d *DatasetConfig) { d.Schema.NaturalKey = []string{"provider_id"} },
			wantErr: "natural key",
		},
		{
			name:    "IncrementKeyNotInSchema",
			mutate:  func(d *DatasetConfig) { d.IncrementKey = "updated_at" },
			wantErr: "increment key",
		},
		{
			name:    "TimestampColumnNotInSchema",
			mutate:  func(d *DatasetConfig) { d.Schema.TimestampColumn = "report_ts" },
			wantErr: "timestamp column",
		},
		{
			name: "MissingPolicyForUnknownColumn",
			mutate: func(d *DatasetConfig) {
				d.Missing = map[string]MissingConfig{"beds": {Action: "impute", Default: "0"}}
			},
			wantErr: "unknown column",
		},
		{
			name: "InvalidMissingAction",
			mutate: func(d *DatasetConfig) {
				d.Missing = map[string]MissingConfig{"staffing_hours": {Action: "zero"}}
			},
			wantErr: "missing action",
		},
		{
			name: "OutlierPolicyForUnknownColumn",
			mutate: func(d *DatasetConfig) {
				max := 24.0
				d.Outliers = map[string]OutlierConfig{"hours": {Max: &max, Action: "cap"}}
			},
			wantErr: "unknown column",
		},
		{
			name: "InvalidOutlierAction",
			mutate: func(d *DatasetConfig) {
				max := 24.0
				d.Outliers = map[string]OutlierConfig{"staffing_hours": {Max: &max, Action: "clamp"}}
			},
			wantErr: "outlier action",
		},
		{
			name: "OutlierWithoutBounds",
			mutate: func(d *DatasetConfig) {
				d.Outliers = map[string]OutlierConfig{"staffing_hours": {Action: "cap"}}
			},
			wantErr: "no bounds",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := validDataset()
			c.mutate(&d)
			err := validateDataset(&d)
			if err == nil {
				t.Fatal("invalid dataset accepted")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, c.wantErr)
			}
		})
	}
}
