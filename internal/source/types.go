package source

import (
	"errors"
	"time"
)

// ErrSourceUnavailable is returned when the remote file cannot be opened
// after the configured retries (auth failure, missing file, network error).
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrMalformedBatch is returned when a chunk cannot be parsed as tabular data.
var ErrMalformedBatch = errors.New("malformed batch")

// FileInfo describes one remote file visible to a dataset.
type FileInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modified_time"`
}

// RawBatch is a bounded-size ordered sequence of raw rows read from one
// source file. Transient: owned by the reader during a single read cycle.
type RawBatch struct {
	// Offset is the zero-based row index (after the header) of the first
	// record in the batch, so a run can restart mid-file.
	Offset int

	Header  []string
	Records [][]string

	// Malformed counts rows in this chunk's range the CSV parser could not
	// read. They are skipped, never silently lost.
	Malformed int
}

// Config contains remote source configuration
type Config struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	FolderID       string        `yaml:"folder_id" mapstructure:"folder_id"`
	AccessToken    string        `yaml:"access_token" mapstructure:"access_token"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RequestsPerSec float64       `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}
