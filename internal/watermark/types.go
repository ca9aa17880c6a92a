package watermark

import (
	"context"
	"time"
)

// Watermark is the persisted ingestion-progress marker of one dataset. Mark
// holds the rendered value of the dataset's incrementing key (ISO timestamp
// or integer id).
type Watermark struct {
	Dataset   string    `json:"dataset" db:"dataset"`
	Mark      string    `json:"mark" db:"mark"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Store persists watermarks across runs: read once at run start, written
// once at run commit.
type Store interface {
	// Get returns the dataset's watermark, or nil on first run.
	Get(ctx context.Context, dataset string) (*Watermark, error)

	// Commit durably records the new mark for the dataset.
	Commit(ctx context.Context, dataset, mark string) error

	Close() error
}
