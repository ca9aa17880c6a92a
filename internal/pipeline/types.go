package pipeline

import (
	"time"

	"github.com/aninori/cms-healthcare-analytics/internal/transform"
)

// RunState is the lifecycle position of one (dataset, run).
type RunState string

const (
	StateNotStarted  RunState = "not_started"
	StateReading     RunState = "reading"
	StateNormalizing RunState = "normalizing"
	StateCleaning    RunState = "cleaning"
	StateFiltering   RunState = "filtering"
	StateWriting     RunState = "writing"
	StateCommitted   RunState = "committed"

	// StateFailed is terminal for the run and never touches the persisted
	// watermark.
	StateFailed RunState = "failed"
)

// RunResult is the user-visible outcome of one dataset run.
type RunResult struct {
	Dataset     string            `json:"dataset"`
	RunID       string            `json:"run_id"`
	State       RunState          `json:"state"`
	Report      *transform.Report `json:"report,omitempty"`
	OldMark     string            `json:"old_watermark,omitempty"`
	NewMark     string            `json:"new_watermark,omitempty"`
	ObjectKey   string            `json:"object_key,omitempty"`
	FilesRead   int               `json:"files_read"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration"`
	Error       string            `json:"error,omitempty"`
}

// Config contains pipeline tuning
type Config struct {
	ChunkSize       int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxParallelRuns int           `yaml:"max_parallel_runs" mapstructure:"max_parallel_runs"`
	MaxSkipRatio    float64       `yaml:"max_skip_ratio" mapstructure:"max_skip_ratio"`
	RunTimeout      time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	DryRun          bool          `yaml:"dry_run" mapstructure:"dry_run"`
}
